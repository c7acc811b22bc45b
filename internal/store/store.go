package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"beacons/pkg/database"
	"beacons/pkg/interfaces"
	"beacons/pkg/types"
)

// Store implements interfaces.OccupancyStore on SQLite. All writes funnel
// through a single-writer goroutine to avoid SQLite write contention; reads
// run concurrently on the connection pool.
type Store struct {
	db           *sql.DB
	config       *database.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation is one queued database write.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// New opens the database, applies pragmas and pending migrations, and
// starts the write loop.
func New(config *database.Config, logger zerolog.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := database.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &Store{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "store").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine, retrying
// each failed write exactly once after five seconds.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				s.logger.Warn().Err(err).Msg("database write failed, retrying in 5 seconds")
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					s.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-s.shutdown:
			s.logger.Debug().Msg("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// CheckIn inserts the check-in row, increments the room counter, and
// appends the activity event in one transaction. Returns the new occupant
// count for the room.
func (s *Store) CheckIn(ctx context.Context, checkIn *types.CheckIn, event *types.ActivityEvent) (int, error) {
	var count int
	err := s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO check_ins (id, user_id, room_name, study_topic, display_name, checkin_time, expiry_time, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		`,
			checkIn.ID,
			checkIn.UserID,
			checkIn.RoomName,
			nullString(checkIn.StudyTopic),
			nullString(checkIn.DisplayName),
			checkIn.CheckInTime,
			checkIn.ExpiryTime,
		)
		if err != nil {
			return fmt.Errorf("failed to insert check-in: %w", err)
		}

		count, err = incrementRoomCount(ctx, tx, checkIn.RoomName, checkIn.CheckInTime)
		if err != nil {
			return err
		}

		if err := insertActivityEvent(ctx, tx, event); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit check-in: %w", err)
		}
		return nil
	})
	return count, err
}

// CheckOut deactivates the check-in row, decrements the room counter
// (floored at zero), and appends the activity event in one transaction.
// Returns interfaces.ErrNoActiveCheckIn if the row was already inactive,
// which happens when a checkout races the expiry sweeper.
func (s *Store) CheckOut(ctx context.Context, checkInID string, event *types.ActivityEvent) (int, error) {
	var count int
	err := s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			"UPDATE check_ins SET is_active = 0 WHERE id = ? AND is_active = 1",
			checkInID,
		)
		if err != nil {
			return fmt.Errorf("failed to deactivate check-in: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrNoActiveCheckIn
		}

		count, err = decrementRoomCount(ctx, tx, event.RoomName, event.Timestamp)
		if err != nil {
			return err
		}

		if err := insertActivityEvent(ctx, tx, event); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit check-out: %w", err)
		}
		return nil
	})
	return count, err
}

// GetActiveCheckIn returns the user's active check-in.
func (s *Store) GetActiveCheckIn(ctx context.Context, userID string) (*types.CheckIn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, room_name, study_topic, display_name, checkin_time, expiry_time, is_active
		FROM check_ins
		WHERE user_id = ? AND is_active = 1
		ORDER BY checkin_time DESC
		LIMIT 1
	`, userID)

	checkIn, err := scanCheckIn(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNoActiveCheckIn
		}
		return nil, fmt.Errorf("failed to query active check-in: %w", err)
	}
	return checkIn, nil
}

// ListActiveCheckIns returns all currently active check-ins, newest first.
func (s *Store) ListActiveCheckIns(ctx context.Context) ([]*types.CheckIn, error) {
	return s.queryCheckIns(ctx, `
		SELECT id, user_id, room_name, study_topic, display_name, checkin_time, expiry_time, is_active
		FROM check_ins
		WHERE is_active = 1
		ORDER BY checkin_time DESC
	`)
}

// ListExpiredCheckIns returns active check-ins whose expiry has passed.
func (s *Store) ListExpiredCheckIns(ctx context.Context, now time.Time) ([]*types.CheckIn, error) {
	return s.queryCheckIns(ctx, `
		SELECT id, user_id, room_name, study_topic, display_name, checkin_time, expiry_time, is_active
		FROM check_ins
		WHERE is_active = 1 AND expiry_time < ?
		ORDER BY expiry_time ASC
	`, now)
}

// UpdateCheckInDisplayName updates the denormalized name on the user's
// active check-in. A user with no active check-in is a no-op.
func (s *Store) UpdateCheckInDisplayName(ctx context.Context, userID, displayName string) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"UPDATE check_ins SET display_name = ? WHERE user_id = ? AND is_active = 1",
			nullString(displayName), userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update display name: %w", err)
		}
		return nil
	})
}

// ListRoomCounts returns counters for all rooms ever seen.
func (s *Store) ListRoomCounts(ctx context.Context) ([]*types.RoomCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_name, occupant_count, last_updated
		FROM room_counts
		ORDER BY room_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query room counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []*types.RoomCount
	for rows.Next() {
		var rc types.RoomCount
		if err := rows.Scan(&rc.RoomName, &rc.OccupantCount, &rc.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan room count row: %w", err)
		}
		counts = append(counts, &rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room count rows: %w", err)
	}
	return counts, nil
}

// GetRoomCount returns the counter for one room.
func (s *Store) GetRoomCount(ctx context.Context, roomName string) (*types.RoomCount, error) {
	var rc types.RoomCount
	err := s.db.QueryRowContext(ctx, `
		SELECT room_name, occupant_count, last_updated
		FROM room_counts
		WHERE room_name = ?
	`, roomName).Scan(&rc.RoomName, &rc.OccupantCount, &rc.LastUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room count: %w", err)
	}
	return &rc, nil
}

// ListRecentEvents returns up to limit durable activity events, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]*types.ActivityEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, type, user_id, display_name, room_name, study_topic, timestamp, expiry_time, message
		FROM activity_events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
}

// ListRoomEvents returns up to limit activity events for one room, newest
// first.
func (s *Store) ListRoomEvents(ctx context.Context, roomName string, limit int) ([]*types.ActivityEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, type, user_id, display_name, room_name, study_topic, timestamp, expiry_time, message
		FROM activity_events
		WHERE room_name = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, roomName, limit)
}

// PurgeBefore deletes activity events older than cutoff and inactive
// check-in rows whose check-in time is older than cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	var events, checkIns int64
	err := s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, "DELETE FROM activity_events WHERE timestamp < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge activity events: %w", err)
		}
		events, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, "DELETE FROM check_ins WHERE is_active = 0 AND checkin_time < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge inactive check-ins: %w", err)
		}
		checkIns, _ = res.RowsAffected()

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit purge: %w", err)
		}
		return nil
	})
	return events, checkIns, err
}

// ReconcileRoomCounts recomputes every room counter from the active
// check-in rows, correcting any drift from counter races.
func (s *Store) ReconcileRoomCounts(ctx context.Context) (int, error) {
	var corrected int
	err := s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE room_counts
			SET occupant_count = (
					SELECT COUNT(*) FROM check_ins
					WHERE check_ins.room_name = room_counts.room_name AND check_ins.is_active = 1
				),
				last_updated = ?
			WHERE occupant_count <> (
					SELECT COUNT(*) FROM check_ins
					WHERE check_ins.room_name = room_counts.room_name AND check_ins.is_active = 1
				)
		`, time.Now())
		if err != nil {
			return fmt.Errorf("failed to reconcile room counts: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		corrected = int(affected)
		return nil
	})
	return corrected, err
}

// HealthCheck validates database connectivity and read access.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_counts").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying connection, used by schema validation.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the write loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// incrementRoomCount bumps a room counter atomically in a single UPSERT,
// creating the row lazily, and returns the new count.
func incrementRoomCount(ctx context.Context, tx *sql.Tx, roomName string, now time.Time) (int, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO room_counts (room_name, occupant_count, last_updated)
		VALUES (?, 1, ?)
		ON CONFLICT(room_name) DO UPDATE SET
			occupant_count = occupant_count + 1,
			last_updated = excluded.last_updated
	`, roomName, now)
	if err != nil {
		return 0, fmt.Errorf("failed to increment room count: %w", err)
	}
	return selectRoomCount(ctx, tx, roomName)
}

// decrementRoomCount lowers a room counter atomically, flooring at zero.
// A missing row is created with count zero.
func decrementRoomCount(ctx context.Context, tx *sql.Tx, roomName string, now time.Time) (int, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO room_counts (room_name, occupant_count, last_updated)
		VALUES (?, 0, ?)
		ON CONFLICT(room_name) DO UPDATE SET
			occupant_count = MAX(occupant_count - 1, 0),
			last_updated = excluded.last_updated
	`, roomName, now)
	if err != nil {
		return 0, fmt.Errorf("failed to decrement room count: %w", err)
	}
	return selectRoomCount(ctx, tx, roomName)
}

func selectRoomCount(ctx context.Context, tx *sql.Tx, roomName string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT occupant_count FROM room_counts WHERE room_name = ?", roomName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read room count: %w", err)
	}
	return count, nil
}

func insertActivityEvent(ctx context.Context, tx *sql.Tx, event *types.ActivityEvent) error {
	var expiry interface{}
	if event.ExpiryTime != nil {
		expiry = *event.ExpiryTime
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_events (id, type, user_id, display_name, room_name, study_topic, timestamp, expiry_time, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		event.UserID,
		nullString(event.DisplayName),
		event.RoomName,
		nullString(event.StudyTopic),
		event.Timestamp,
		expiry,
		event.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity event: %w", err)
	}
	return nil
}

func (s *Store) queryCheckIns(ctx context.Context, query string, args ...interface{}) ([]*types.CheckIn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query check-ins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkIns []*types.CheckIn
	for rows.Next() {
		checkIn, err := scanCheckIn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check-in row: %w", err)
		}
		checkIns = append(checkIns, checkIn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check-in rows: %w", err)
	}
	return checkIns, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*types.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.ActivityEvent
	for rows.Next() {
		var (
			event       types.ActivityEvent
			displayName sql.NullString
			studyTopic  sql.NullString
			expiry      sql.NullTime
		)
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.UserID,
			&displayName,
			&event.RoomName,
			&studyTopic,
			&event.Timestamp,
			&expiry,
			&event.Message,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity event row: %w", err)
		}
		event.DisplayName = displayName.String
		event.StudyTopic = studyTopic.String
		if expiry.Valid {
			t := expiry.Time
			event.ExpiryTime = &t
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity event rows: %w", err)
	}
	return events, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckIn(row scanner) (*types.CheckIn, error) {
	var (
		checkIn     types.CheckIn
		studyTopic  sql.NullString
		displayName sql.NullString
	)
	err := row.Scan(
		&checkIn.ID,
		&checkIn.UserID,
		&checkIn.RoomName,
		&studyTopic,
		&displayName,
		&checkIn.CheckInTime,
		&checkIn.ExpiryTime,
		&checkIn.IsActive,
	)
	if err != nil {
		return nil, err
	}
	checkIn.StudyTopic = studyTopic.String
	checkIn.DisplayName = displayName.String
	return &checkIn, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// applySQLiteOptimizations applies performance pragmas.
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
