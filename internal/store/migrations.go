package store

import (
	"database/sql"
	"fmt"
)

// migration is a single named, idempotent schema change applied after
// EnsureSchema, in order. New columns/tables added after the initial
// release go here rather than into schema.go, so existing databases
// pick them up without losing data.
type migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations to run during
// database initialization.
var migrationsList = []migration{
	{"task_queue_attempt_count", migrateTaskQueueAttemptCount},
}

// migrateTaskQueueAttemptCount backstops databases created before the
// attempt_count column existed; fresh databases already get it from
// schema.go, so this is a no-op there.
func migrateTaskQueueAttemptCount(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('task_queue') WHERE name = 'attempt_count'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check attempt_count column: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE task_queue ADD COLUMN attempt_count INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add attempt_count column: %w", err)
	}
	return nil
}

// runMigrations applies every migration in order against db.
func runMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %q: %w", m.Name, err)
		}
	}
	return nil
}
