package database

import (
	"database/sql"
	"fmt"
)

// Migration represents one schema migration step.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations is the ordered, embedded migration set. Versions already
// recorded in schema_migrations are skipped on startup.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "occupancy_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS check_ins (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				room_name TEXT NOT NULL,
				study_topic TEXT,
				display_name TEXT,
				checkin_time DATETIME NOT NULL,
				expiry_time DATETIME NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT 1
			);
			CREATE INDEX IF NOT EXISTS idx_check_ins_user_active ON check_ins(user_id, is_active);
			CREATE INDEX IF NOT EXISTS idx_check_ins_room_active ON check_ins(room_name, is_active);
			CREATE INDEX IF NOT EXISTS idx_check_ins_expiry ON check_ins(expiry_time);

			CREATE TABLE IF NOT EXISTS room_counts (
				room_name TEXT PRIMARY KEY,
				occupant_count INTEGER NOT NULL DEFAULT 0 CHECK (occupant_count >= 0),
				last_updated DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS activity_events (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL CHECK (type IN ('checkin', 'checkout')),
				user_id TEXT NOT NULL,
				display_name TEXT,
				room_name TEXT NOT NULL,
				study_topic TEXT,
				timestamp DATETIME NOT NULL,
				expiry_time DATETIME,
				message TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_activity_events_time ON activity_events(timestamp);
			CREATE INDEX IF NOT EXISTS idx_activity_events_room_time ON activity_events(room_name, timestamp);
		`,
	},
}

// MigrationManager applies embedded migrations to a database.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies all pending migrations in version order. Each
// migration runs in its own transaction: either the step and its version
// record both commit, or neither does.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// ValidateSchema ensures the database matches the expected structure.
func (m *MigrationManager) ValidateSchema() error {
	requiredTables := []string{"check_ins", "room_counts", "activity_events"}
	for _, table := range requiredTables {
		exists, err := m.tableExists(table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	requiredIndexes := []string{
		"idx_check_ins_user_active",
		"idx_check_ins_room_active",
		"idx_check_ins_expiry",
		"idx_activity_events_time",
		"idx_activity_events_room_time",
	}
	for _, index := range requiredIndexes {
		exists, err := m.indexExists(index)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MigrationManager) tableExists(tableName string) (bool, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *MigrationManager) indexExists(indexName string) (bool, error) {
	var count int
	err := m.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
