package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is created idempotently on first open of a database file.
// Vectors are stored as raw little-endian IEEE-754 float32 blobs of
// length core.VectorDim*4 bytes; encryption of the payload columns
// (summary_vector_blob, chunks.content, chunks.vector_blob) happens at
// the application layer (see internal/cryptoenv), not in the schema.
const schema = `
CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    original_path TEXT NOT NULL DEFAULT '',
    file_hash TEXT NOT NULL DEFAULT '',
    processing_status TEXT NOT NULL DEFAULT 'QUEUED',
    summary_vector_blob BLOB,
    suggested_category TEXT NOT NULL DEFAULT '',
    suggested_filename TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    last_modified INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0,
    file_type TEXT NOT NULL DEFAULT 'Unknown',
    file_size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    content BLOB,
    vector_blob BLOB,
    UNIQUE(file_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_file_id ON chunks(file_id);

CREATE TABLE IF NOT EXISTS task_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_type TEXT NOT NULL,
    file_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    priority INTEGER NOT NULL DEFAULT 10,
    error_message TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_path_status ON task_queue(file_path, status);
`

// EnsureSchema applies the schema to db. It is idempotent: running it
// against an already-migrated database is a no-op.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", classify("ensure_schema", err))
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}
