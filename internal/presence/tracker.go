package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"teamchat/internal/observability"
)

// Store keeps the connection set of every user. Implementations must apply
// each call as one atomic set operation.
type Store interface {
	// Add records connID for userID and reports whether it is the user's
	// only connection afterwards.
	Add(ctx context.Context, userID int64, connID string) (first bool, err error)
	// Remove forgets connID. It returns the owning user (0 when the
	// connection is unknown) and whether the user has no connections left.
	Remove(ctx context.Context, connID string) (userID int64, last bool, err error)
	Count(ctx context.Context, userID int64) (int64, error)
}

// Tracker derives online state from live connections.
type Tracker struct {
	store Store
	log   *zap.Logger
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// Connect registers a connection. It reports whether the user just came online.
func (t *Tracker) Connect(ctx context.Context, userID int64, connID string) (bool, error) {
	first, err := t.store.Add(ctx, userID, connID)
	if err != nil {
		return false, fmt.Errorf("presence connect user=%d: %w", userID, err)
	}
	if first {
		observability.IncOnlineUsers()
		t.log.Debug("user online", zap.Int64("user_id", userID), zap.String("conn_id", connID))
	}
	return first, nil
}

// Disconnect drops a connection. It returns the owning user and whether that
// user just went offline. Unknown connections are ignored.
func (t *Tracker) Disconnect(ctx context.Context, connID string) (int64, bool, error) {
	userID, last, err := t.store.Remove(ctx, connID)
	if err != nil {
		return 0, false, fmt.Errorf("presence disconnect conn=%s: %w", connID, err)
	}
	if userID != 0 && last {
		observability.DecOnlineUsers()
		t.log.Debug("user offline", zap.Int64("user_id", userID), zap.String("conn_id", connID))
	}
	return userID, userID != 0 && last, nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := t.store.Count(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("presence count user=%d: %w", userID, err)
	}
	return n > 0, nil
}

// OnlineStatus reports the online flag of each user.
func (t *Tracker) OnlineStatus(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		online, err := t.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = online
	}
	return out, nil
}
