package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/repositories"
)

type messageRecord struct {
	msg       models.Message
	readers   map[int64]struct{}
	reactions map[string]map[int64]struct{}
}

func (r *messageRecord) snapshot() models.Message {
	msg := r.msg
	msg.Mentions = slices.Clone(r.msg.Mentions)
	msg.ReadBy = make([]int64, 0, len(r.readers))
	for id := range r.readers {
		msg.ReadBy = append(msg.ReadBy, id)
	}
	slices.Sort(msg.ReadBy)

	emojis := make([]string, 0, len(r.reactions))
	for emoji := range r.reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	msg.Reactions = make([]models.Reaction, 0, len(emojis))
	for _, emoji := range emojis {
		users := make([]int64, 0, len(r.reactions[emoji]))
		for id := range r.reactions[emoji] {
			users = append(users, id)
		}
		slices.Sort(users)
		msg.Reactions = append(msg.Reactions, models.Reaction{Emoji: emoji, Users: users})
	}
	return msg
}

// MembershipGuard runs fn only if userID belongs to the channel, keeping the
// membership stable until fn returns.
type MembershipGuard func(channelID, userID int64, fn func() error) error

// MessageStore is an in-memory repositories.MessageRepository.
type MessageStore struct {
	mu        sync.RWMutex
	nextID    int64
	messages  map[int64]*messageRecord
	byChannel map[int64][]int64
	guard     MembershipGuard
	now       func() time.Time
}

var _ repositories.MessageRepository = (*MessageStore)(nil)

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages:  make(map[int64]*messageRecord),
		byChannel: make(map[int64][]int64),
		now:       time.Now,
	}
}

// RequireMembership makes Create insert only while the sender is a member,
// as checked by guard.
func (s *MessageStore) RequireMembership(guard MembershipGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

func (s *MessageStore) Create(_ context.Context, in models.NewMessage) (models.Message, error) {
	s.mu.RLock()
	guard := s.guard
	s.mu.RUnlock()
	if guard == nil {
		return s.insert(in), nil
	}

	var msg models.Message
	err := guard(in.ChannelID, in.SenderID, func() error {
		msg = s.insert(in)
		return nil
	})
	return msg, err
}

func (s *MessageStore) insert(in models.NewMessage) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nextID++
	mentions := slices.Clone(in.Mentions)
	if mentions == nil {
		mentions = []int64{}
	}
	rec := &messageRecord{
		msg: models.Message{
			ID:        s.nextID,
			ChannelID: in.ChannelID,
			SenderID:  in.SenderID,
			Content:   in.Content,
			Kind:      in.Kind,
			ParentID:  in.ParentID,
			Mentions:  mentions,
			File:      in.File,
			Metadata:  in.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		},
		readers:   map[int64]struct{}{in.SenderID: {}},
		reactions: make(map[string]map[int64]struct{}),
	}
	s.messages[rec.msg.ID] = rec
	s.byChannel[in.ChannelID] = append(s.byChannel[in.ChannelID], rec.msg.ID)
	return rec.snapshot()
}

func (s *MessageStore) GetByID(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return rec.snapshot(), nil
}

func (s *MessageStore) List(_ context.Context, channelID int64, q models.MessageQuery) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byChannel[channelID]
	out := []models.Message{}
	for i := range ids {
		id := ids[len(ids)-1-i]
		rec := s.messages[id]
		if !q.AllThreads {
			if q.ParentID == nil && rec.msg.ParentID != nil {
				continue
			}
			if q.ParentID != nil && (rec.msg.ParentID == nil || *rec.msg.ParentID != *q.ParentID) {
				continue
			}
		}
		if q.BeforeID != nil && id >= *q.BeforeID {
			continue
		}
		if q.AfterID != nil && id <= *q.AfterID {
			continue
		}
		out = append(out, rec.snapshot())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MessageStore) UpdateContent(_ context.Context, messageID, senderID int64, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok || rec.msg.SenderID != senderID {
		return models.Message{}, repositories.ErrNotSender
	}
	rec.msg.Content = content
	rec.msg.Edited = true
	rec.msg.UpdatedAt = s.now()
	return rec.snapshot(), nil
}

func (s *MessageStore) SoftDelete(_ context.Context, messageID, senderID int64, at time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok || rec.msg.SenderID != senderID {
		return models.Message{}, repositories.ErrNotSender
	}
	rec.msg.Deleted = true
	if rec.msg.DeletedAt == nil {
		rec.msg.DeletedAt = &at
	}
	rec.msg.UpdatedAt = s.now()
	return rec.snapshot(), nil
}

func (s *MessageStore) ToggleReaction(_ context.Context, messageID int64, emoji string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok {
		return false, repositories.ErrMessageNotFound
	}
	users, exists := rec.reactions[emoji]
	if exists {
		if _, reacted := users[userID]; reacted {
			delete(users, userID)
			if len(users) == 0 {
				delete(rec.reactions, emoji)
			}
			return false, nil
		}
	} else {
		users = make(map[int64]struct{})
		rec.reactions[emoji] = users
	}
	users[userID] = struct{}{}
	return true, nil
}

func (s *MessageStore) MarkRead(_ context.Context, channelID, uptoMessageID, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked int64
	for _, id := range s.byChannel[channelID] {
		if id > uptoMessageID {
			break
		}
		rec := s.messages[id]
		if _, read := rec.readers[userID]; !read {
			rec.readers[userID] = struct{}{}
			marked++
		}
	}
	return marked, nil
}

// DeleteChannel drops every message of a channel, mirroring the cascade of
// the relational schema.
func (s *MessageStore) DeleteChannel(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byChannel[channelID] {
		delete(s.messages, id)
	}
	delete(s.byChannel, channelID)
}
