package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"beacons/internal/occupancy"
	"beacons/pkg/interfaces"
	"beacons/pkg/types"
)

// trackingStore counts maintenance calls and serves one expired check-in.
type trackingStore struct {
	mu            sync.Mutex
	expiredServed bool
	checkOuts     int
	purges        int
	reconciles    int
}

func (s *trackingStore) CheckIn(ctx context.Context, c *types.CheckIn, e *types.ActivityEvent) (int, error) {
	return 0, nil
}

func (s *trackingStore) CheckOut(ctx context.Context, id string, e *types.ActivityEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOuts++
	return 0, nil
}

func (s *trackingStore) GetActiveCheckIn(ctx context.Context, userID string) (*types.CheckIn, error) {
	return nil, interfaces.ErrNoActiveCheckIn
}

func (s *trackingStore) ListActiveCheckIns(ctx context.Context) ([]*types.CheckIn, error) {
	return nil, nil
}

func (s *trackingStore) ListExpiredCheckIns(ctx context.Context, now time.Time) ([]*types.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredServed {
		return nil, nil
	}
	s.expiredServed = true
	return []*types.CheckIn{{
		ID:         "ci-1",
		UserID:     "alice",
		RoomName:   "CAB 239",
		ExpiryTime: now.Add(-time.Minute),
		IsActive:   true,
	}}, nil
}

func (s *trackingStore) UpdateCheckInDisplayName(ctx context.Context, userID, name string) error {
	return nil
}

func (s *trackingStore) ListRoomCounts(ctx context.Context) ([]*types.RoomCount, error) {
	return nil, nil
}

func (s *trackingStore) GetRoomCount(ctx context.Context, room string) (*types.RoomCount, error) {
	return nil, interfaces.ErrRoomNotFound
}

func (s *trackingStore) ListRecentEvents(ctx context.Context, limit int) ([]*types.ActivityEvent, error) {
	return nil, nil
}

func (s *trackingStore) ListRoomEvents(ctx context.Context, room string, limit int) ([]*types.ActivityEvent, error) {
	return nil, nil
}

func (s *trackingStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	return 0, 0, nil
}

func (s *trackingStore) ReconcileRoomCounts(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles++
	return 0, nil
}

func (s *trackingStore) HealthCheck(ctx context.Context) error { return nil }
func (s *trackingStore) Close() error                          { return nil }

func (s *trackingStore) snapshot() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOuts, s.purges, s.reconciles
}

func TestSweeperRunsBothLoops(t *testing.T) {
	store := &trackingStore{}
	manager := occupancy.NewManager(store, occupancy.DefaultConfig(), zerolog.Nop())

	s := New(manager, store, Config{
		ExpiryInterval:    10 * time.Millisecond,
		RetentionInterval: 10 * time.Millisecond,
		Retention:         24 * time.Hour,
	}, zerolog.Nop())

	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		checkOuts, purges, reconciles := store.snapshot()
		return checkOuts >= 1 && purges >= 1 && reconciles >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
}

func TestSweeperStopIsIdempotentAcrossContextCancel(t *testing.T) {
	store := &trackingStore{}
	manager := occupancy.NewManager(store, occupancy.DefaultConfig(), zerolog.Nop())

	s := New(manager, store, Config{
		ExpiryInterval:    10 * time.Millisecond,
		RetentionInterval: 10 * time.Millisecond,
		Retention:         24 * time.Hour,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	// Stop after the parent context is already cancelled must not hang.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Minute, cfg.ExpiryInterval)
	assert.Equal(t, time.Hour, cfg.RetentionInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
}
