package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/apperr"
	"teamchat/internal/models"
)

func ptr[T any](v T) *T { return &v }

func (f *fixture) post(t *testing.T, senderID, channelID int64, content string) models.Message {
	t.Helper()
	msg, err := f.messages.Create(context.Background(), senderID, CreateMessageInput{ChannelID: channelID, Content: content})
	require.NoError(t, err)
	return msg
}

func TestPostedMessageIsListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 7, CreateChannelInput{Name: "general", MemberIDs: []int64{8}})
	require.NoError(t, err)

	f.post(t, 7, ch.ID, "hi")

	list, err := f.messages.List(ctx, 8, ch.ID, models.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Content)
	assert.Equal(t, int64(7), list[0].SenderID)
	assert.False(t, list[0].Edited)
	assert.Equal(t, []int64{7}, list[0].ReadBy)
}

func TestCreateMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general"})
	require.NoError(t, err)

	cases := map[string]CreateMessageInput{
		"blank":        {ChannelID: ch.ID, Content: "  "},
		"too long":     {ChannelID: ch.ID, Content: strings.Repeat("a", maxMessageLength+1)},
		"bad kind":     {ChannelID: ch.ID, Content: "x", Kind: "video"},
		"file missing": {ChannelID: ch.ID, Content: "x", Kind: models.MessageFile},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.messages.Create(ctx, 1, in)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}

	msg, err := f.messages.Create(ctx, 1, CreateMessageInput{
		ChannelID: ch.ID,
		Kind:      models.MessageFile,
		File:      &models.FileMetadata{URL: "https://files.example/a.png", Name: "a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageFile, msg.Kind)
}

func TestNonMemberCannotPostOrRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general"})
	require.NoError(t, err)
	msg := f.post(t, 1, ch.ID, "hello")

	_, err = f.messages.Create(ctx, 2, CreateMessageInput{ChannelID: ch.ID, Content: "intruder"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.messages.List(ctx, 2, ch.ID, models.MessageQuery{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.messages.Get(ctx, 2, msg.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, _, err = f.messages.ToggleReaction(ctx, 2, msg.ID, "+1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general"})
	require.NoError(t, err)
	other, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "random"})
	require.NoError(t, err)

	root := f.post(t, 1, ch.ID, "root")
	reply, err := f.messages.Create(ctx, 1, CreateMessageInput{ChannelID: ch.ID, Content: "reply", ParentID: &root.ID})
	require.NoError(t, err)

	_, err = f.messages.Create(ctx, 1, CreateMessageInput{ChannelID: other.ID, Content: "cross", ParentID: &root.ID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.messages.Create(ctx, 1, CreateMessageInput{ChannelID: ch.ID, Content: "orphan", ParentID: ptr(int64(999))})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	top, err := f.messages.List(ctx, 1, ch.ID, models.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, root.ID, top[0].ID)

	replies, err := f.messages.List(ctx, 1, ch.ID, models.MessageQuery{ParentID: &root.ID})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, reply.ID, replies[0].ID)

	all, err := f.messages.ListChannelMessages(ctx, 1, ch.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reply.ID, all[0].ID)
}

func TestPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general"})
	require.NoError(t, err)

	ids := make([]int64, 5)
	for i := range ids {
		ids[i] = f.post(t, 1, ch.ID, "m").ID
	}

	page, err := f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[3]}, messageIDs(page))

	page, err = f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 2, BeforeID: &ids[3]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[2], ids[1]}, messageIDs(page))

	page, err = f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 2, AfterID: &ids[1]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[3]}, messageIDs(page))

	page, err = f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 10, AfterID: &ids[1]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[3], ids[2]}, messageIDs(page))

	page, err = f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 10, AfterID: &ids[0], BeforeID: &ids[4]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[3], ids[2], ids[1]}, messageIDs(page))

	page, err = f.messages.List(ctx, 1, ch.ID, models.MessageQuery{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page, 5)
}

func TestPageLimitIsClamped(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 50, f.messages.limit(0))
	assert.Equal(t, 100, f.messages.limit(500))
	assert.Equal(t, 7, f.messages.limit(7))
}

func TestEditAndDeleteRequireSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: []int64{2}})
	require.NoError(t, err)
	msg := f.post(t, 1, ch.ID, "draft")

	_, err = f.messages.Update(ctx, 2, msg.ID, "hijack")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.messages.Delete(ctx, 2, msg.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.messages.Update(ctx, 1, msg.ID, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	edited, err := f.messages.Update(ctx, 1, msg.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	assert.True(t, edited.Edited)

	deleted, err := f.messages.Delete(ctx, 1, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	require.NotNil(t, deleted.DeletedAt)
	assert.Empty(t, deleted.Redacted().Content)

	got, err := f.messages.Get(ctx, 2, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestToggleReactionTwiceRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: []int64{2}})
	require.NoError(t, err)
	msg := f.post(t, 1, ch.ID, "react to me")

	_, _, err = f.messages.ToggleReaction(ctx, 2, msg.ID, "👍")
	require.NoError(t, err)
	before, err := f.messages.Get(ctx, 1, msg.ID)
	require.NoError(t, err)

	updated, added, err := f.messages.ToggleReaction(ctx, 1, msg.ID, "👍")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []int64{1, 2}, updated.ReactionUsers("👍"))

	updated, added, err = f.messages.ToggleReaction(ctx, 1, msg.ID, "👍")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, before.Reactions, updated.Reactions)

	_, _, err = f.messages.ToggleReaction(ctx, 1, msg.ID, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestConcurrentReactionsOnOneMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const reactors = 30
	members := make([]int64, reactors)
	for i := range members {
		members[i] = int64(i + 2)
	}
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: members})
	require.NoError(t, err)
	msg := f.post(t, 1, ch.ID, "vote")

	toggleAll := func(wantAdded bool) {
		var wg sync.WaitGroup
		for _, id := range members {
			wg.Add(1)
			go func(userID int64) {
				defer wg.Done()
				_, added, err := f.messages.ToggleReaction(ctx, userID, msg.ID, "🎉")
				assert.NoError(t, err)
				assert.Equal(t, wantAdded, added)
			}(id)
		}
		wg.Wait()
	}

	toggleAll(true)
	got, err := f.messages.Get(ctx, 1, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, members, got.ReactionUsers("🎉"))

	toggleAll(false)
	got, err = f.messages.Get(ctx, 1, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ReactionUsers("🎉"))
	assert.Empty(t, got.Reactions)
}

func TestConcurrentMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const readers = 20
	members := make([]int64, readers)
	for i := range members {
		members[i] = int64(i + 2)
	}
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: members})
	require.NoError(t, err)
	f.post(t, 1, ch.ID, "one")
	last := f.post(t, 1, ch.ID, "two")

	// every reader marks twice at once; only one of its calls may count
	marked := make([][2]int64, readers)
	var wg sync.WaitGroup
	for i, id := range members {
		for round := 0; round < 2; round++ {
			wg.Add(1)
			go func(userID int64, slot *int64) {
				defer wg.Done()
				n, err := f.messages.MarkRead(ctx, userID, ch.ID, last.ID)
				assert.NoError(t, err)
				*slot = n
			}(id, &marked[i][round])
		}
	}
	wg.Wait()
	for i, id := range members {
		assert.Equal(t, int64(2), marked[i][0]+marked[i][1], "reader %d", id)
	}

	all, err := f.messages.ListChannelMessages(ctx, 1, ch.ID, 0, nil)
	require.NoError(t, err)
	want := append([]int64{1}, members...)
	for _, msg := range all {
		assert.Equal(t, want, msg.ReadBy, "message %d", msg.ID)
	}
}

// removingAccess drops the sender from the channel right after the
// membership check passes, the way a concurrent removal would.
type removingAccess struct {
	ChannelAccess
	remove func(channelID, userID int64)
}

func (a removingAccess) RequireMember(ctx context.Context, channelID, userID int64) error {
	if err := a.ChannelAccess.RequireMember(ctx, channelID, userID); err != nil {
		return err
	}
	a.remove(channelID, userID)
	return nil
}

func TestRemovedMemberCannotPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: []int64{2}})
	require.NoError(t, err)

	access := removingAccess{
		ChannelAccess: f.channels,
		remove: func(channelID, userID int64) {
			_, err := f.channels.RemoveMembers(ctx, 1, channelID, []int64{userID})
			require.NoError(t, err)
		},
	}
	svc := NewMessageService(f.msgStore, access, PageOptions{}, zap.NewNop())

	_, err = svc.Create(ctx, 2, CreateMessageInput{ChannelID: ch.ID, Content: "sneaking in"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.messages.ListChannelMessages(ctx, 1, ch.ID, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMarkReadStopsAtTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, err := f.channels.Create(ctx, 1, CreateChannelInput{Name: "general", MemberIDs: []int64{2}})
	require.NoError(t, err)
	m1 := f.post(t, 1, ch.ID, "one")
	f.post(t, 1, ch.ID, "two")
	m3 := f.post(t, 1, ch.ID, "three")
	m4 := f.post(t, 1, ch.ID, "four")

	marked, err := f.messages.MarkRead(ctx, 2, ch.ID, m3.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)

	all, err := f.messages.ListChannelMessages(ctx, 2, ch.ID, 0, nil)
	require.NoError(t, err)
	for _, msg := range all {
		if msg.ID <= m3.ID {
			assert.Contains(t, msg.ReadBy, int64(2), "message %d", msg.ID)
		} else {
			assert.NotContains(t, msg.ReadBy, int64(2), "message %d", msg.ID)
		}
	}
	assert.Equal(t, m4.ID, all[0].ID)
	assert.Equal(t, m1.ID, all[len(all)-1].ID)

	marked, err = f.messages.MarkRead(ctx, 2, ch.ID, m3.ID)
	require.NoError(t, err)
	assert.Zero(t, marked)

	_, err = f.messages.MarkRead(ctx, 2, ch.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func messageIDs(msgs []models.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
