package occupancy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacons/pkg/interfaces"
	"beacons/pkg/types"
)

// fakeConn records everything written to it and can be told to fail.
type fakeConn struct {
	mu     sync.Mutex
	writes []interface{}
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return assert.AnError
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, w := range c.writes {
		if e, ok := w.(types.Event); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) history() *types.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if h, ok := w.(*types.History); ok {
			return h
		}
	}
	return nil
}

// fakeStore is an in-memory OccupancyStore.
type fakeStore struct {
	mu       sync.Mutex
	checkIns map[string]*types.CheckIn
	counts   map[string]int
	events   []*types.ActivityEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkIns: make(map[string]*types.CheckIn),
		counts:   make(map[string]int),
	}
}

func (s *fakeStore) CheckIn(ctx context.Context, checkIn *types.CheckIn, event *types.ActivityEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *checkIn
	s.checkIns[checkIn.ID] = &copied
	s.counts[checkIn.RoomName]++
	s.events = append(s.events, event)
	return s.counts[checkIn.RoomName], nil
}

func (s *fakeStore) CheckOut(ctx context.Context, checkInID string, event *types.ActivityEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkIn, ok := s.checkIns[checkInID]
	if !ok || !checkIn.IsActive {
		return 0, interfaces.ErrNoActiveCheckIn
	}
	checkIn.IsActive = false
	if s.counts[checkIn.RoomName] > 0 {
		s.counts[checkIn.RoomName]--
	}
	s.events = append(s.events, event)
	return s.counts[checkIn.RoomName], nil
}

func (s *fakeStore) GetActiveCheckIn(ctx context.Context, userID string) (*types.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, checkIn := range s.checkIns {
		if checkIn.UserID == userID && checkIn.IsActive {
			copied := *checkIn
			return &copied, nil
		}
	}
	return nil, interfaces.ErrNoActiveCheckIn
}

func (s *fakeStore) ListActiveCheckIns(ctx context.Context) ([]*types.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.CheckIn
	for _, checkIn := range s.checkIns {
		if checkIn.IsActive {
			copied := *checkIn
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpiredCheckIns(ctx context.Context, now time.Time) ([]*types.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.CheckIn
	for _, checkIn := range s.checkIns {
		if checkIn.IsActive && checkIn.ExpiryTime.Before(now) {
			copied := *checkIn
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateCheckInDisplayName(ctx context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, checkIn := range s.checkIns {
		if checkIn.UserID == userID && checkIn.IsActive {
			checkIn.DisplayName = displayName
		}
	}
	return nil
}

func (s *fakeStore) ListRoomCounts(ctx context.Context) ([]*types.RoomCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RoomCount
	for room, count := range s.counts {
		out = append(out, &types.RoomCount{RoomName: room, OccupantCount: count})
	}
	return out, nil
}

func (s *fakeStore) GetRoomCount(ctx context.Context, roomName string) (*types.RoomCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[roomName]
	if !ok {
		return nil, interfaces.ErrRoomNotFound
	}
	return &types.RoomCount{RoomName: roomName, OccupantCount: count}, nil
}

func (s *fakeStore) ListRecentEvents(ctx context.Context, limit int) ([]*types.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ActivityEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *fakeStore) ListRoomEvents(ctx context.Context, roomName string, limit int) ([]*types.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ActivityEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].RoomName == roomName {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *fakeStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	return 0, 0, nil
}

func (s *fakeStore) ReconcileRoomCounts(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeStore) HealthCheck(ctx context.Context) error               { return nil }
func (s *fakeStore) Close() error                                        { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	manager := NewManager(store, DefaultConfig(), zerolog.Nop())
	return manager, store
}

func TestConnectAssignsGuestID(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}

	userID := manager.Connect(context.Background(), conn, "", "")
	assert.Len(t, userID, 8)
}

func TestConnectKeepsAuthenticatedID(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}

	userID := manager.Connect(context.Background(), conn, "Alice", "alice")
	assert.Equal(t, "alice", userID)
}

func TestConnectBroadcastsAndSendsHistory(t *testing.T) {
	manager, _ := newTestManager(t)
	existing := &fakeConn{}
	manager.Connect(context.Background(), existing, "Bob", "bob")

	newcomer := &fakeConn{}
	manager.Connect(context.Background(), newcomer, "Alice", "alice")

	// Both sockets see the connection event, newcomer included.
	existingEvents := existing.events()
	require.NotEmpty(t, existingEvents)
	last := existingEvents[len(existingEvents)-1]
	assert.Equal(t, types.EventTypeConnection, last.Type)
	assert.Equal(t, "User Alice has joined the feed!", last.Message)

	newcomerEvents := newcomer.events()
	require.Len(t, newcomerEvents, 1)
	assert.Equal(t, types.EventTypeConnection, newcomerEvents[0].Type)

	// Only the newcomer gets the history payload.
	history := newcomer.history()
	require.NotNil(t, history)
	assert.Equal(t, types.EventTypeHistory, history.Type)
	assert.Equal(t, "alice", history.UserID)
	assert.Equal(t, "Alice", history.DisplayName)
	assert.NotNil(t, history.CurrentCheckIns)
	assert.Nil(t, existing.history())

	// Feed in the history holds both connection events, newest first.
	require.Len(t, history.Feed, 2)
	assert.Equal(t, "alice", history.Feed[0].UserID)
	assert.Equal(t, "bob", history.Feed[1].UserID)
}

func TestCheckInFresh(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")

	manager.HandleCheckIn(context.Background(), conn, types.Command{
		Type:       types.CommandCheckIn,
		RoomName:   "CAB 239",
		StudyTopic: "calculus",
	})

	events := conn.events()
	require.NotEmpty(t, events)
	checkin := events[len(events)-1]
	assert.Equal(t, types.EventTypeCheckIn, checkin.Type)
	assert.Equal(t, "@Alice started studying calculus at CAB 239", checkin.Message)
	require.NotNil(t, checkin.CurrentOccupancy)
	assert.Equal(t, 1, *checkin.CurrentOccupancy)
	require.NotNil(t, checkin.ExpiryTime)

	active, err := store.GetActiveCheckIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "CAB 239", active.RoomName)
}

func TestCheckInSameRoomIsPrivateNoOp(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}
	other := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")
	manager.Connect(context.Background(), other, "Bob", "bob")

	cmd := types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"}
	manager.HandleCheckIn(context.Background(), conn, cmd)

	before := len(other.events())
	manager.HandleCheckIn(context.Background(), conn, cmd)

	// Other sockets see nothing new.
	assert.Len(t, other.events(), before)

	// The requester gets a private info reply.
	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeInfo, last.Type)
	assert.Equal(t, "You are already checked into CAB 239", last.Message)
}

func TestCheckInSwitchRoomsAutoCheckout(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")

	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})
	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "ETLC 1-001"})

	events := conn.events()
	require.GreaterOrEqual(t, len(events), 2)
	checkout := events[len(events)-2]
	checkin := events[len(events)-1]

	// Checkout of the old room precedes check-in to the new one.
	assert.Equal(t, types.EventTypeCheckOut, checkout.Type)
	assert.Equal(t, "CAB 239", checkout.RoomName)
	assert.Equal(t, "@Alice has checked out from CAB 239", checkout.Message)
	require.NotNil(t, checkout.CurrentOccupancy)
	assert.Equal(t, 0, *checkout.CurrentOccupancy)

	assert.Equal(t, types.EventTypeCheckIn, checkin.Type)
	assert.Equal(t, "ETLC 1-001", checkin.RoomName)

	active, err := store.GetActiveCheckIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "ETLC 1-001", active.RoomName)
}

func TestCheckOutWithoutCheckIn(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")

	manager.HandleCheckOut(context.Background(), conn, types.Command{Type: types.CommandCheckOut})

	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeError, last.Type)
	assert.Equal(t, "You are not checked in to any room", last.Message)
}

func TestCheckOutMismatchedRoom(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")
	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})

	manager.HandleCheckOut(context.Background(), conn, types.Command{Type: types.CommandCheckOut, RoomName: "ETLC 1-001"})

	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeError, last.Type)
	assert.Equal(t, "You are checked into CAB 239, not ETLC 1-001", last.Message)

	// Still checked in.
	_, err := store.GetActiveCheckIn(context.Background(), "alice")
	assert.NoError(t, err)
}

func TestDisconnectKeepsCheckInActive(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")
	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})

	event, ok := manager.Disconnect(conn)
	require.True(t, ok)
	assert.Equal(t, types.EventTypeDisconnection, event.Type)
	assert.Equal(t, "User Alice has left the feed.", event.Message)

	active, err := store.GetActiveCheckIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, active.IsActive)
}

func TestDisconnectUnknownConn(t *testing.T) {
	manager, _ := newTestManager(t)
	_, ok := manager.Disconnect(&fakeConn{})
	assert.False(t, ok)
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	manager, _ := newTestManager(t)
	healthy := &fakeConn{}
	dead := &fakeConn{}
	manager.Connect(context.Background(), healthy, "Bob", "bob")
	manager.Connect(context.Background(), dead, "Alice", "alice")

	dead.mu.Lock()
	dead.fail = true
	dead.mu.Unlock()

	manager.Broadcast(types.Event{Type: types.EventTypeInfo, Timestamp: time.Now(), Message: "hello"})

	assert.Equal(t, 1, manager.Stats()["total_connections"])
	assert.True(t, dead.closed)

	// Survivors are told about the pruned socket.
	events := healthy.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeDisconnection, last.Type)
	assert.Equal(t, "alice", last.UserID)
}

func TestExpireCheckIns(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")
	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})

	// Force the check-in past its expiry.
	store.mu.Lock()
	for _, checkIn := range store.checkIns {
		checkIn.ExpiryTime = time.Now().Add(-time.Minute)
	}
	store.mu.Unlock()

	expired, err := manager.ExpireCheckIns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	_, err = store.GetActiveCheckIn(context.Background(), "alice")
	assert.ErrorIs(t, err, interfaces.ErrNoActiveCheckIn)

	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeCheckOut, last.Type)
	assert.True(t, strings.HasSuffix(last.Message, "check-in at CAB 239 has expired"))
}

func TestSetDisplayName(t *testing.T) {
	manager, store := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "", "alice")
	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})

	manager.SetDisplayName(context.Background(), conn, "Alice")

	active, err := store.GetActiveCheckIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", active.DisplayName)

	// Subsequent events use the new name.
	manager.HandleCheckOut(context.Background(), conn, types.Command{Type: types.CommandCheckOut})
	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, "@Alice has checked out from CAB 239", last.Message)
}

func TestCheckInWithoutRoom(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}
	manager.Connect(context.Background(), conn, "Alice", "alice")

	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn})

	events := conn.events()
	last := events[len(events)-1]
	assert.Equal(t, types.EventTypeError, last.Type)
	assert.Equal(t, "Missing user_id or room_name for check-in", last.Message)
}

func TestCheckInUnregisteredConnection(t *testing.T) {
	manager, _ := newTestManager(t)
	conn := &fakeConn{}

	manager.HandleCheckIn(context.Background(), conn, types.Command{Type: types.CommandCheckIn, RoomName: "CAB 239"})

	events := conn.events()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTypeError, events[0].Type)
}
