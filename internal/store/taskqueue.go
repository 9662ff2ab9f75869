package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// timeLayout matches the original repository's GMT "%Y-%m-%d
// %H:%M:%S" format exactly, so an operator inspecting the raw database
// file sees the same timestamps a migrated install would have written.
const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// TaskQueue is the durable, priority-then-FIFO task queue. Every
// operation opens its own pooled connection; fetch_and_claim_next_task
// is the one atomicity point, wrapped in BEGIN IMMEDIATE so concurrent
// workers never observe the same PENDING row.
type TaskQueue struct {
	pool connPool
}

// connPool is the subset of dbpool.Pool the store layer depends on, so
// tests can substitute a fake pool without importing dbpool.
type connPool interface {
	WithConn(ctx context.Context, fn func(*sql.DB) error) error
}

// NewTaskQueue builds a TaskQueue over an already-migrated pool.
func NewTaskQueue(pool connPool) *TaskQueue {
	return &TaskQueue{pool: pool}
}

// CreateTask inserts a PENDING row, unless an open (PENDING or
// PROCESSING) task already targets the same path — the idempotent
// enqueue contract is enforced here, caller-side, rather than with a
// unique index (see the idempotent-enqueue design note).
func (q *TaskQueue) CreateTask(ctx context.Context, taskType core.TaskType, path string, priority int) (int64, error) {
	var id int64
	err := q.pool.WithConn(ctx, func(db *sql.DB) error {
		var existing int64
		err := db.QueryRowContext(ctx,
			`SELECT id FROM task_queue WHERE file_path = ? AND status IN ('PENDING','PROCESSING') LIMIT 1`,
			path,
		).Scan(&existing)
		if err == nil {
			id = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return classify("create_task", err)
		}

		now := formatTime(time.Now())
		res, err := db.ExecContext(ctx,
			`INSERT INTO task_queue (task_type, file_path, status, priority, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
			string(taskType), path, string(core.TaskPending), priority, now, now,
		)
		if err != nil {
			return classify("create_task", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return classify("create_task", err)
		}
		return nil
	})
	return id, err
}

// FetchAndClaimNextTask claims the oldest PENDING row ordered by
// (priority ASC, created_at ASC), inside a single BEGIN IMMEDIATE
// transaction. Returns (nil, nil) if the queue is empty.
func (q *TaskQueue) FetchAndClaimNextTask(ctx context.Context) (*core.Task, error) {
	var task *core.Task
	err := q.pool.WithConn(ctx, func(db *sql.DB) error {
		// The pool hands out a *sql.DB pinned to a single connection
		// (SetMaxOpenConns(1)), so issuing BEGIN IMMEDIATE/COMMIT as
		// plain statements on it is equivalent to running them on one
		// dedicated connection — this is the atomicity point where a
		// concurrent claim from another worker must see a consistent
		// PENDING set.
		if _, err := db.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
			return classify("fetch_and_claim_next_task", err)
		}
		committed := false
		defer func() {
			if !committed {
				_, _ = db.ExecContext(ctx, `ROLLBACK`)
			}
		}()

		row := db.QueryRowContext(ctx,
			`SELECT id, task_type, file_path, status, priority, error_message, attempt_count, created_at, updated_at
			   FROM task_queue WHERE status = ? ORDER BY priority ASC, created_at ASC LIMIT 1`,
			string(core.TaskPending),
		)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			if _, cErr := db.ExecContext(ctx, `COMMIT`); cErr != nil {
				return classify("fetch_and_claim_next_task", cErr)
			}
			committed = true
			return nil
		}
		if err != nil {
			return classify("fetch_and_claim_next_task", err)
		}

		now := time.Now()
		nowStr := formatTime(now)
		if _, err := db.ExecContext(ctx,
			`UPDATE task_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(core.TaskProcessing), nowStr, t.ID,
		); err != nil {
			return classify("fetch_and_claim_next_task", err)
		}
		t.Status = core.TaskProcessing
		t.UpdatedAt = now.UTC()

		if _, err := db.ExecContext(ctx, `COMMIT`); err != nil {
			return classify("fetch_and_claim_next_task", err)
		}
		committed = true
		task = t
		return nil
	})
	return task, err
}

// UpdateTaskStatus sets status and bumps updated_at.
func (q *TaskQueue) UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus) error {
	return q.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE task_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), id,
		)
		if err != nil {
			return classify("update_task_status", err)
		}
		return nil
	})
}

// MarkTaskAsFailed sets FAILED + the error message + updated_at.
func (q *TaskQueue) MarkTaskAsFailed(ctx context.Context, id int64, errMsg string) error {
	return q.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE task_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(core.TaskFailed), errMsg, formatTime(time.Now()), id,
		)
		if err != nil {
			return classify("mark_task_as_failed", err)
		}
		return nil
	})
}

// GetTasksByStatus returns every task in status, ordered by
// (priority ASC, created_at ASC).
func (q *TaskQueue) GetTasksByStatus(ctx context.Context, status core.TaskStatus) ([]core.Task, error) {
	var tasks []core.Task
	err := q.pool.WithConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, task_type, file_path, status, priority, error_message, attempt_count, created_at, updated_at
			   FROM task_queue WHERE status = ? ORDER BY priority ASC, created_at ASC`,
			string(status),
		)
		if err != nil {
			return classify("get_tasks_by_status", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return classify("get_tasks_by_status", err)
			}
			tasks = append(tasks, *t)
		}
		return classify("get_tasks_by_status", rows.Err())
	})
	return tasks, err
}

// ClearCompletedTasks deletes terminal rows (COMPLETED or FAILED) whose
// updated_at is older than olderThanDays.
func (q *TaskQueue) ClearCompletedTasks(ctx context.Context, olderThanDays int) (int64, error) {
	var affected int64
	err := q.pool.WithConn(ctx, func(db *sql.DB) error {
		cutoff := formatTime(time.Now().Add(-24 * time.Hour * time.Duration(olderThanDays)))
		res, err := db.ExecContext(ctx,
			`DELETE FROM task_queue WHERE status IN (?, ?) AND updated_at <= ?`,
			string(core.TaskCompleted), string(core.TaskFailed), cutoff,
		)
		if err != nil {
			return classify("clear_completed_tasks", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return classify("clear_completed_tasks", err)
		}
		return nil
	})
	return affected, err
}

// ResetStuckTasks implements the crash-recovery policy: any task still
// PROCESSING at startup is reset to PENDING and its attempt_count is
// incremented; rows whose attempt_count has already crossed
// maxAttempts are instead marked FAILED, to avoid a poison message
// looping forever.
func (q *TaskQueue) ResetStuckTasks(ctx context.Context, maxAttempts int) (int, error) {
	var resetCount int
	err := q.pool.WithConn(ctx, func(db *sql.DB) error {
		now := formatTime(time.Now())
		res, err := db.ExecContext(ctx,
			`UPDATE task_queue SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
			   WHERE status = ? AND attempt_count < ?`,
			string(core.TaskPending), now, string(core.TaskProcessing), maxAttempts,
		)
		if err != nil {
			return classify("reset_stuck_tasks", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("reset_stuck_tasks", err)
		}
		resetCount = int(n)

		if _, err := db.ExecContext(ctx,
			`UPDATE task_queue SET status = ?, error_message = 'exceeded max retry attempts', updated_at = ?
			   WHERE status = ? AND attempt_count >= ?`,
			string(core.TaskFailed), now, string(core.TaskProcessing), maxAttempts,
		); err != nil {
			return classify("reset_stuck_tasks", err)
		}
		return nil
	})
	return resetCount, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		t            core.Task
		taskType     string
		status       string
		errMsg       sql.NullString
		createdAtStr string
		updatedAtStr string
	)
	if err := row.Scan(&t.ID, &taskType, &t.TargetPath, &status, &t.Priority, &errMsg, &t.AttemptCount, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	t.TaskType = core.TaskType(taskType)
	t.Status = core.TaskStatus(status)
	t.ErrorMessage = errMsg.String
	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = createdAt, updatedAt
	return &t, nil
}
