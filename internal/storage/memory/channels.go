package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/repositories"
)

type channelRecord struct {
	channel models.Channel
	// members maps user id to the admin flag.
	members map[int64]bool
}

func (r *channelRecord) snapshot() models.Channel {
	ch := r.channel
	ch.Members = make([]int64, 0, len(r.members))
	ch.Admins = []int64{}
	for id, admin := range r.members {
		ch.Members = append(ch.Members, id)
		if admin {
			ch.Admins = append(ch.Admins, id)
		}
	}
	slices.Sort(ch.Members)
	slices.Sort(ch.Admins)
	ch.Participants = slices.Clone(r.channel.Participants)
	return ch
}

func (r *channelRecord) adminsExcluding(excluded []int64) int {
	n := 0
	for id, admin := range r.members {
		if admin && !slices.Contains(excluded, id) {
			n++
		}
	}
	return n
}

type nameKey struct {
	name string
	kind models.ChannelKind
}

// ChannelStore is an in-memory repositories.ChannelRepository. A single
// mutex serializes mutations, which gives the same atomicity as the
// conditional statements of the Postgres implementation.
type ChannelStore struct {
	mu       sync.RWMutex
	nextID   int64
	channels map[int64]*channelRecord
	names    map[nameKey]int64
	direct   map[[2]int64]int64
	now      func() time.Time
	onDelete func(channelID int64)
}

var _ repositories.ChannelRepository = (*ChannelStore)(nil)

func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		channels: make(map[int64]*channelRecord),
		names:    make(map[nameKey]int64),
		direct:   make(map[[2]int64]int64),
		now:      time.Now,
	}
}

// OnDelete registers a hook run after a channel is deleted.
func (s *ChannelStore) OnDelete(fn func(channelID int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = fn
}

func (s *ChannelStore) Create(_ context.Context, in models.NewChannel) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nameKey{name: in.Name, kind: in.Kind}
	if _, taken := s.names[key]; taken {
		return models.Channel{}, repositories.ErrDuplicateChannel
	}

	now := s.now()
	s.nextID++
	rec := &channelRecord{
		channel: models.Channel{
			ID:             s.nextID,
			Name:           in.Name,
			Kind:           in.Kind,
			Description:    in.Description,
			CreatedBy:      in.CreatorID,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		members: make(map[int64]bool),
	}
	for _, id := range models.UniqueIDs(append(in.MemberIDs, in.CreatorID)...) {
		rec.members[id] = id == in.CreatorID
	}
	s.channels[rec.channel.ID] = rec
	s.names[key] = rec.channel.ID
	return rec.snapshot(), nil
}

func (s *ChannelStore) GetOrCreateDirect(_ context.Context, userA, userB int64) (models.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	low, high := models.DirectPair(userA, userB)
	if id, ok := s.direct[[2]int64{low, high}]; ok {
		return s.channels[id].snapshot(), false, nil
	}

	now := s.now()
	s.nextID++
	rec := &channelRecord{
		channel: models.Channel{
			ID:             s.nextID,
			Name:           models.DirectChannelName(low, high),
			Kind:           models.ChannelDirect,
			CreatedBy:      userA,
			Participants:   []int64{low, high},
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		members: make(map[int64]bool),
	}
	for _, id := range models.UniqueIDs(low, high) {
		rec.members[id] = false
	}
	s.channels[rec.channel.ID] = rec
	s.direct[[2]int64{low, high}] = rec.channel.ID
	return rec.snapshot(), true, nil
}

func (s *ChannelStore) GetByID(_ context.Context, channelID int64) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	return rec.snapshot(), nil
}

func (s *ChannelStore) ListForMember(_ context.Context, userID int64, filter models.ChannelFilter) ([]models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(filter.NameContains)
	out := []models.Channel{}
	for _, rec := range s.channels {
		if _, member := rec.members[userID]; !member {
			continue
		}
		if filter.Kind != nil && rec.channel.Kind != *filter.Kind {
			continue
		}
		if filter.Archived != nil && rec.channel.Archived != *filter.Archived {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(rec.channel.Name), needle) {
			continue
		}
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *ChannelStore) ChannelIDsForMember(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []int64{}
	for id, rec := range s.channels {
		if _, member := rec.members[userID]; member {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *ChannelStore) IsMember(_ context.Context, channelID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return false, nil
	}
	_, member := rec.members[userID]
	return member, nil
}

func (s *ChannelStore) IsAdmin(_ context.Context, channelID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return false, nil
	}
	return rec.members[userID], nil
}

func (s *ChannelStore) Update(_ context.Context, channelID int64, patch models.ChannelPatch) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return models.Channel{}, repositories.ErrChannelNotFound
	}
	if patch.Name != nil && *patch.Name != rec.channel.Name {
		newKey := nameKey{name: *patch.Name, kind: rec.channel.Kind}
		if rec.channel.Kind != models.ChannelDirect {
			if _, taken := s.names[newKey]; taken {
				return models.Channel{}, repositories.ErrDuplicateChannel
			}
			delete(s.names, nameKey{name: rec.channel.Name, kind: rec.channel.Kind})
			s.names[newKey] = channelID
		}
		rec.channel.Name = *patch.Name
	}
	if patch.Description != nil {
		desc := *patch.Description
		rec.channel.Description = &desc
	}
	if patch.Archived != nil {
		rec.channel.Archived = *patch.Archived
	}
	rec.channel.UpdatedAt = s.now()
	return rec.snapshot(), nil
}

func (s *ChannelStore) AddMembers(_ context.Context, channelID, callerID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.adminRecord(channelID, callerID)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, exists := rec.members[id]; !exists {
			rec.members[id] = false
		}
	}
	return nil
}

func (s *ChannelStore) RemoveMembers(_ context.Context, channelID, callerID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.adminRecord(channelID, callerID)
	if err != nil {
		return err
	}
	if rec.adminsExcluding(userIDs) == 0 {
		return repositories.ErrLastAdmin
	}
	for _, id := range userIDs {
		delete(rec.members, id)
	}
	return nil
}

func (s *ChannelStore) GrantAdmin(_ context.Context, channelID, callerID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.adminRecord(channelID, callerID)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, member := rec.members[id]; !member {
			return repositories.ErrNotMember
		}
	}
	for _, id := range userIDs {
		rec.members[id] = true
	}
	return nil
}

func (s *ChannelStore) RevokeAdmin(_ context.Context, channelID, callerID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.adminRecord(channelID, callerID)
	if err != nil {
		return err
	}
	if rec.adminsExcluding(userIDs) == 0 {
		return repositories.ErrLastAdmin
	}
	for _, id := range userIDs {
		if _, member := rec.members[id]; member {
			rec.members[id] = false
		}
	}
	return nil
}

// adminRecord returns the channel when callerID administers it. s.mu must be held.
func (s *ChannelStore) adminRecord(channelID, callerID int64) (*channelRecord, error) {
	rec, ok := s.channels[channelID]
	if !ok {
		return nil, repositories.ErrChannelNotFound
	}
	if !rec.members[callerID] {
		return nil, repositories.ErrNotAdmin
	}
	return rec, nil
}

// WithMember runs fn while holding the channel's membership stable, provided
// userID belongs to the channel. Non-members get ErrChannelNotFound.
func (s *ChannelStore) WithMember(channelID, userID int64, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return repositories.ErrChannelNotFound
	}
	if _, member := rec.members[userID]; !member {
		return repositories.ErrChannelNotFound
	}
	return fn()
}

func (s *ChannelStore) Leave(_ context.Context, channelID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return repositories.ErrChannelNotFound
	}
	admin, member := rec.members[userID]
	if !member {
		return repositories.ErrNotMember
	}
	if admin && rec.adminsExcluding(nil) == 1 && len(rec.members) > 1 {
		return repositories.ErrLastAdmin
	}
	delete(rec.members, userID)
	return nil
}

func (s *ChannelStore) Delete(_ context.Context, channelID int64) error {
	s.mu.Lock()
	rec, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return repositories.ErrChannelNotFound
	}
	delete(s.channels, channelID)
	if rec.channel.Kind == models.ChannelDirect && len(rec.channel.Participants) == 2 {
		delete(s.direct, [2]int64{rec.channel.Participants[0], rec.channel.Participants[1]})
	} else {
		delete(s.names, nameKey{name: rec.channel.Name, kind: rec.channel.Kind})
	}
	hook := s.onDelete
	s.mu.Unlock()

	if hook != nil {
		hook(channelID)
	}
	return nil
}

func (s *ChannelStore) TouchActivity(_ context.Context, channelID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.channels[channelID]; ok && at.After(rec.channel.LastActivityAt) {
		rec.channel.LastActivityAt = at
	}
	return nil
}
