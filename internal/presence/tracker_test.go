package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/storage/memory"
)

func online(t *testing.T, tr *Tracker, userID int64) bool {
	t.Helper()
	ok, err := tr.IsOnline(context.Background(), userID)
	require.NoError(t, err)
	return ok
}

func TestTrackerFollowsLastConnection(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.NewPresenceStore(), zap.NewNop())

	came, err := tr.Connect(ctx, 1, "a1")
	require.NoError(t, err)
	assert.True(t, came)
	assert.True(t, online(t, tr, 1))

	came, err = tr.Connect(ctx, 1, "a2")
	require.NoError(t, err)
	assert.False(t, came)

	came, err = tr.Connect(ctx, 2, "b1")
	require.NoError(t, err)
	assert.True(t, came)
	_, err = tr.Connect(ctx, 2, "b2")
	require.NoError(t, err)

	uid, left, err := tr.Disconnect(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), uid)
	assert.False(t, left)
	assert.True(t, online(t, tr, 1))

	uid, left, err = tr.Disconnect(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), uid)
	assert.True(t, left)
	assert.False(t, online(t, tr, 1))
	assert.True(t, online(t, tr, 2))

	status, err := tr.OnlineStatus(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: false, 2: true, 3: false}, status)
}

func TestTrackerIgnoresUnknownConnection(t *testing.T) {
	tr := NewTracker(memory.NewPresenceStore(), zap.NewNop())

	uid, left, err := tr.Disconnect(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, uid)
	assert.False(t, left)
}

func TestTrackerConcurrentConnections(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.NewPresenceStore(), zap.NewNop())

	const n = 50
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
		lasts  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			came, err := tr.Connect(ctx, 9, fmt.Sprintf("c%d", i))
			assert.NoError(t, err)
			if came {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, firsts)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, left, err := tr.Disconnect(ctx, fmt.Sprintf("c%d", i))
			assert.NoError(t, err)
			if left {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, lasts)
	assert.False(t, online(t, tr, 9))
}

type storeMock struct {
	mock.Mock
}

func (m *storeMock) Add(ctx context.Context, userID int64, connID string) (bool, error) {
	args := m.Called(ctx, userID, connID)
	return args.Bool(0), args.Error(1)
}

func (m *storeMock) Remove(ctx context.Context, connID string) (int64, bool, error) {
	args := m.Called(ctx, connID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *storeMock) Count(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func TestTrackerWrapsStoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	store := new(storeMock)
	store.On("Add", ctx, int64(1), "c1").Return(false, boom)
	store.On("Remove", ctx, "c1").Return(int64(0), false, boom)
	store.On("Count", ctx, int64(1)).Return(int64(0), boom)
	tr := NewTracker(store, zap.NewNop())

	_, err := tr.Connect(ctx, 1, "c1")
	assert.ErrorIs(t, err, boom)
	_, _, err = tr.Disconnect(ctx, "c1")
	assert.ErrorIs(t, err, boom)
	_, err = tr.OnlineStatus(ctx, []int64{1})
	assert.ErrorIs(t, err, boom)
	store.AssertExpectations(t)
}
