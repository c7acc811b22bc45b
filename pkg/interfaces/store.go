package interfaces

import (
	"context"
	"time"

	"beacons/pkg/types"
)

// OccupancyStore handles all durable occupancy state: the check-in ledger,
// the per-room live counters, and the append-only activity log.
//
// CheckIn and CheckOut are composite operations: each runs its ledger
// mutation, counter update, and activity-log append in a single scoped
// transaction and returns the post-mutation occupant count for the room.
// No transaction spans a broadcast.
type OccupancyStore interface {
	// CheckIn inserts a new active check-in row, atomically increments the
	// room counter, and appends the checkin activity event.
	CheckIn(ctx context.Context, checkIn *types.CheckIn, event *types.ActivityEvent) (int, error)

	// CheckOut flips the identified check-in row inactive, atomically
	// decrements the room counter (floored at zero), and appends the
	// checkout activity event.
	CheckOut(ctx context.Context, checkInID string, event *types.ActivityEvent) (int, error)

	// GetActiveCheckIn returns the user's active check-in, or
	// ErrNoActiveCheckIn when the user is not checked in anywhere.
	GetActiveCheckIn(ctx context.Context, userID string) (*types.CheckIn, error)

	// ListActiveCheckIns returns all currently active check-ins.
	ListActiveCheckIns(ctx context.Context) ([]*types.CheckIn, error)

	// ListExpiredCheckIns returns active check-ins whose expiry time has
	// passed as of now.
	ListExpiredCheckIns(ctx context.Context, now time.Time) ([]*types.CheckIn, error)

	// UpdateCheckInDisplayName updates the denormalized display name on the
	// user's active check-in, if any.
	UpdateCheckInDisplayName(ctx context.Context, userID, displayName string) error

	// ListRoomCounts returns counters for all rooms ever seen.
	ListRoomCounts(ctx context.Context) ([]*types.RoomCount, error)

	// GetRoomCount returns the counter for one room, or ErrRoomNotFound.
	GetRoomCount(ctx context.Context, roomName string) (*types.RoomCount, error)

	// ListRecentEvents returns up to limit durable activity events, newest
	// first.
	ListRecentEvents(ctx context.Context, limit int) ([]*types.ActivityEvent, error)

	// ListRoomEvents returns up to limit activity events for one room,
	// newest first.
	ListRoomEvents(ctx context.Context, roomName string, limit int) ([]*types.ActivityEvent, error)

	// PurgeBefore deletes activity events and inactive check-in rows older
	// than cutoff, returning how many of each were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (events int64, checkIns int64, err error)

	// ReconcileRoomCounts recomputes every room counter from the active
	// check-in rows and returns the number of rooms corrected.
	ReconcileRoomCounts(ctx context.Context) (int, error)

	// HealthCheck verifies connectivity and basic read access.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the database.
	Close() error
}
