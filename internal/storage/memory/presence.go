package memory

import (
	"context"
	"sync"
)

// PresenceStore keeps connection sets in process memory.
type PresenceStore struct {
	mu     sync.Mutex
	byUser map[int64]map[string]struct{}
	byConn map[string]int64
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		byUser: make(map[int64]map[string]struct{}),
		byConn: make(map[string]int64),
	}
}

func (s *PresenceStore) Add(_ context.Context, userID int64, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.byUser[userID] = conns
	}
	_, existed := conns[connID]
	conns[connID] = struct{}{}
	s.byConn[connID] = userID
	return !existed && len(conns) == 1, nil
}

func (s *PresenceStore) Remove(_ context.Context, connID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byConn[connID]
	if !ok {
		return 0, false, nil
	}
	delete(s.byConn, connID)
	conns := s.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.byUser, userID)
		return userID, true, nil
	}
	return userID, false, nil
}

func (s *PresenceStore) Count(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byUser[userID])), nil
}
