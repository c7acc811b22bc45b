package occupancy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"beacons/pkg/interfaces"
	"beacons/pkg/types"
)

// Config holds the manager's tunables.
type Config struct {
	// CheckInTTL is how long a check-in lives before the sweeper expires it.
	CheckInTTL time.Duration
	// FeedRetention is the in-memory feed window.
	FeedRetention time.Duration
	// HistoryLimit caps the merged feed sent to a newly connected client.
	HistoryLimit int
}

// DefaultConfig returns the production defaults: 4-hour check-ins, a
// 24-hour feed window, and 100 history entries.
func DefaultConfig() Config {
	return Config{
		CheckInTTL:    4 * time.Hour,
		FeedRetention: 24 * time.Hour,
		HistoryLimit:  100,
	}
}

// identity is the in-memory record for one registered connection.
type identity struct {
	userID      string
	displayName string
}

// Manager owns the connection registry, the volatile activity feed, and
// the per-user check-in state machine. It is the sole hot-path writer of
// the occupancy store and the single broadcast point for all events.
type Manager struct {
	store  interfaces.OccupancyStore
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[interfaces.Conn]*identity
	feed  *memoryFeed
}

// NewManager creates a connection manager backed by the given store.
func NewManager(store interfaces.OccupancyStore, config Config, logger zerolog.Logger) *Manager {
	if config.CheckInTTL <= 0 {
		config.CheckInTTL = 4 * time.Hour
	}
	if config.FeedRetention <= 0 {
		config.FeedRetention = 24 * time.Hour
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 100
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "occupancy").Logger(),
		conns:  make(map[interfaces.Conn]*identity),
		feed:   newMemoryFeed(config.FeedRetention),
	}
}

// Connect registers a connection and assigns its identity: the caller's
// persistent user ID when authentication supplied one, otherwise a fresh
// guest ID scoped to this process. The connection event is broadcast to
// every socket including the new one, then the merged history payload is
// sent privately to the newcomer. A failed history read is logged and the
// connect still succeeds.
func (m *Manager) Connect(ctx context.Context, conn interfaces.Conn, displayName, userID string) string {
	if userID == "" {
		userID = uuid.New().String()[:8]
	}

	m.mu.Lock()
	m.conns[conn] = &identity{userID: userID, displayName: displayName}
	m.mu.Unlock()

	now := time.Now()
	event := newConnectionEvent(userID, displayName, now)
	m.feed.Append(event)
	m.Broadcast(event)

	history, err := m.buildHistory(ctx, userID, displayName)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", userID).Msg("failed to build history payload")
		return userID
	}
	if err := conn.WriteJSON(history); err != nil {
		m.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to send history payload")
	}

	m.logger.Info().Str("user_id", userID).Str("username", displayName).Msg("connection registered")
	return userID
}

// Disconnect removes a connection from the registry and returns its
// disconnection event for the caller to broadcast. The broadcast is not
// performed here so that fan-out cleanup cannot recurse through
// Disconnect. A user's active check-in deliberately survives disconnect:
// they may reconnect from another tab or device and remain checked in.
func (m *Manager) Disconnect(conn interfaces.Conn) (types.Event, bool) {
	m.mu.Lock()
	ident, ok := m.conns[conn]
	if ok {
		delete(m.conns, conn)
	}
	m.mu.Unlock()

	if !ok {
		return types.Event{}, false
	}

	event := newDisconnectionEvent(ident.userID, ident.displayName, time.Now())
	m.feed.Append(event)

	m.logger.Info().Str("user_id", ident.userID).Msg("connection removed")
	return event, true
}

// Broadcast sends an event to every registered connection. Sockets that
// fail to receive are removed after the fan-out pass, and a disconnection
// notice is broadcast for each removed socket. Cleanup cannot recurse
// indefinitely: a removed socket is already out of the registry when its
// notice is sent, so it cannot fail a second time.
func (m *Manager) Broadcast(event types.Event) {
	m.mu.RLock()
	targets := make([]interfaces.Conn, 0, len(m.conns))
	for conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	var failed []interfaces.Conn
	for _, conn := range targets {
		if err := conn.WriteJSON(event); err != nil {
			m.logger.Warn().Err(err).Msg("broadcast send failed, pruning connection")
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		disconnectEvent, ok := m.Disconnect(conn)
		_ = conn.Close()
		if ok {
			m.Broadcast(disconnectEvent)
		}
	}
}

// HandleCheckIn processes a check-in command for a connection. Checking
// into the current room again yields a private info reply only; checking
// into a different room auto-checks-out of the old one first, producing a
// checkout broadcast followed by the checkin broadcast.
func (m *Manager) HandleCheckIn(ctx context.Context, conn interfaces.Conn, cmd types.Command) {
	ident, ok := m.lookup(conn)
	if !ok || cmd.RoomName == "" {
		m.replyError(conn, msgMissingCheckInFields)
		return
	}

	displayName := ident.displayName
	if displayName == "" {
		displayName = cmd.Username
	}

	active, err := m.activeCheckIn(ctx, ident.userID)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", ident.userID).Msg("check-in lookup failed")
		m.replyError(conn, msgStorageFailure)
		return
	}

	switch planCheckIn(active, cmd.RoomName) {
	case planCheckInSameRoom:
		m.replyInfo(conn, "You are already checked into "+cmd.RoomName)
		return
	case planCheckInSwitch:
		if !m.checkOut(ctx, conn, active, checkOutAuto) {
			return
		}
	}

	now := time.Now()
	checkIn := &types.CheckIn{
		ID:          uuid.New().String(),
		UserID:      ident.userID,
		RoomName:    cmd.RoomName,
		StudyTopic:  cmd.StudyTopic,
		DisplayName: displayName,
		CheckInTime: now,
		ExpiryTime:  now.Add(m.config.CheckInTTL),
		IsActive:    true,
	}
	activity := newCheckInActivity(checkIn)

	count, err := m.store.CheckIn(ctx, checkIn, activity)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", ident.userID).Str("room", cmd.RoomName).Msg("check-in failed")
		m.replyError(conn, msgStorageFailure)
		return
	}

	event := types.EventFromActivity(activity)
	event.CurrentOccupancy = &count
	m.Broadcast(event)

	m.logger.Info().
		Str("user_id", ident.userID).
		Str("room", cmd.RoomName).
		Int("occupancy", count).
		Msg("checked in")
}

// HandleCheckOut processes a checkout command for a connection. A room
// name, if supplied, must match the user's actual active room.
func (m *Manager) HandleCheckOut(ctx context.Context, conn interfaces.Conn, cmd types.Command) {
	ident, ok := m.lookup(conn)
	if !ok {
		m.replyError(conn, msgUserNotFound)
		return
	}

	active, err := m.activeCheckIn(ctx, ident.userID)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", ident.userID).Msg("checkout lookup failed")
		m.replyError(conn, msgStorageFailure)
		return
	}

	if ok, reason := planCheckOut(active, cmd.RoomName, false); !ok {
		m.replyError(conn, reason)
		return
	}

	m.checkOut(ctx, conn, active, checkOutManual)
}

// checkOut executes the checkout transition for an active check-in and
// broadcasts the resulting event. Auto (system-initiated) checkouts
// suppress user-facing error replies. Returns false when the transition
// failed and the caller should stop.
func (m *Manager) checkOut(ctx context.Context, conn interfaces.Conn, active *types.CheckIn, reason checkOutReason) bool {
	activity := newCheckOutActivity(active, reason, time.Now())

	count, err := m.store.CheckOut(ctx, active.ID, activity)
	if err != nil {
		if errors.Is(err, interfaces.ErrNoActiveCheckIn) {
			// Lost a race with the sweeper; the check-in is already gone.
			return true
		}
		m.logger.Error().Err(err).Str("user_id", active.UserID).Str("room", active.RoomName).Msg("checkout failed")
		if reason == checkOutManual && conn != nil {
			m.replyError(conn, msgStorageFailure)
		}
		return false
	}

	event := types.EventFromActivity(activity)
	event.CurrentOccupancy = &count
	m.Broadcast(event)

	m.logger.Info().
		Str("user_id", active.UserID).
		Str("room", active.RoomName).
		Int("occupancy", count).
		Msg("checked out")
	return true
}

// SetDisplayName updates the display name for a live connection and, when
// the user has an active check-in, the denormalized name on that row.
func (m *Manager) SetDisplayName(ctx context.Context, conn interfaces.Conn, displayName string) {
	m.mu.Lock()
	ident, ok := m.conns[conn]
	if ok {
		ident.displayName = displayName
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.store.UpdateCheckInDisplayName(ctx, ident.userID, displayName); err != nil {
		m.logger.Error().Err(err).Str("user_id", ident.userID).Msg("failed to update check-in display name")
	}
}

// ExpireCheckIns transitions every active check-in whose expiry time has
// passed, broadcasting one checkout event per expiry. Each expiry commits
// independently, so a failure or cancellation mid-sweep loses at most the
// in-flight row; the next sweep picks it up.
func (m *Manager) ExpireCheckIns(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredCheckIns(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, checkIn := range expired {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if m.checkOut(ctx, nil, checkIn, checkOutExpired) {
			count++
		}
	}
	return count, nil
}

// buildHistory assembles the one-time private payload for a new client:
// durable activity events merged with the in-memory feed (newest first,
// capped), the current active check-ins, and the room occupancy snapshot.
func (m *Manager) buildHistory(ctx context.Context, userID, displayName string) (*types.History, error) {
	durable, err := m.store.ListRecentEvents(ctx, m.config.HistoryLimit)
	if err != nil {
		return nil, err
	}

	feed := m.feed.Snapshot()
	for _, row := range durable {
		feed = append(feed, types.EventFromActivity(row))
	}
	sort.SliceStable(feed, func(i, j int) bool {
		return feed[i].Timestamp.After(feed[j].Timestamp)
	})
	if len(feed) > m.config.HistoryLimit {
		feed = feed[:m.config.HistoryLimit]
	}

	checkIns, err := m.store.ListActiveCheckIns(ctx)
	if err != nil {
		return nil, err
	}
	if checkIns == nil {
		checkIns = []*types.CheckIn{}
	}

	counts, err := m.store.ListRoomCounts(ctx)
	if err != nil {
		return nil, err
	}
	roomOccupancy := make(map[string]int, len(counts))
	for _, rc := range counts {
		roomOccupancy[rc.RoomName] = rc.OccupantCount
	}

	return &types.History{
		Type:            types.EventTypeHistory,
		Feed:            feed,
		UserID:          userID,
		DisplayName:     displayName,
		CurrentCheckIns: checkIns,
		RoomOccupancy:   roomOccupancy,
	}, nil
}

// Stats returns registry statistics for the health endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	connections := len(m.conns)
	m.mu.RUnlock()

	return map[string]int{
		"total_connections": connections,
		"feed_events":       m.feed.Len(),
	}
}

// lookup returns the identity for a registered connection.
func (m *Manager) lookup(conn interfaces.Conn) (identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.conns[conn]
	if !ok {
		return identity{}, false
	}
	return *ident, true
}

// activeCheckIn fetches the user's active check-in, mapping "none" to nil.
func (m *Manager) activeCheckIn(ctx context.Context, userID string) (*types.CheckIn, error) {
	active, err := m.store.GetActiveCheckIn(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNoActiveCheckIn) {
			return nil, nil
		}
		return nil, err
	}
	return active, nil
}

func (m *Manager) replyError(conn interfaces.Conn, message string) {
	if err := conn.WriteJSON(newErrorEvent(message, time.Now())); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send error reply")
	}
}

func (m *Manager) replyInfo(conn interfaces.Conn, message string) {
	if err := conn.WriteJSON(newInfoEvent(message, time.Now())); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send info reply")
	}
}
