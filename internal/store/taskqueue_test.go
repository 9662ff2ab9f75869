package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
	"github.com/cgorski03/magic-folder-sub000/internal/dbpool"
)

// testDBKey is the fixed key used to open every test pool. It must
// match newTestSeal in metadata_test.go: both wrap the same on-disk
// database, so a mismatched key would fail dbpool's own key-check
// probe at Open.
func testDBKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestPool(t *testing.T) *dbpool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := dbpool.Open(dbpool.Config{Path: path, Size: 2, Key: testDBKey()})
	if err != nil {
		t.Fatalf("dbpool.Open failed: %v", err)
	}
	t.Cleanup(func() { pool.Shutdown() })

	ctx := context.Background()
	if err := pool.WithConn(ctx, func(db *sql.DB) error {
		return EnsureSchema(ctx, db)
	}); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return pool
}

func TestCreateTaskAndClaim(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if id == 0 {
		t.Fatal("CreateTask returned id 0")
	}

	task, err := q.FetchAndClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("FetchAndClaimNextTask failed: %v", err)
	}
	if task == nil {
		t.Fatal("FetchAndClaimNextTask returned nil, want a claimed task")
	}
	if task.ID != id || task.Status != core.TaskProcessing || task.TargetPath != "/docs/a.md" {
		t.Errorf("claimed task = %+v, want id=%d PROCESSING /docs/a.md", task, id)
	}
}

func TestFetchAndClaimNextTaskEmptyQueueReturnsNil(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)

	task, err := q.FetchAndClaimNextTask(context.Background())
	if err != nil {
		t.Fatalf("FetchAndClaimNextTask failed: %v", err)
	}
	if task != nil {
		t.Errorf("FetchAndClaimNextTask = %+v, want nil for an empty queue", task)
	}
}

func TestCreateTaskCoalescesOpenDuplicates(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	id1, err := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if err != nil {
		t.Fatalf("first CreateTask failed: %v", err)
	}
	id2, err := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if err != nil {
		t.Fatalf("second CreateTask failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("CreateTask created a second row (%d) for an already-open path, want coalesced id %d", id2, id1)
	}

	tasks, err := q.GetTasksByStatus(ctx, core.TaskPending)
	if err != nil {
		t.Fatalf("GetTasksByStatus failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("len(tasks) = %d, want 1", len(tasks))
	}
}

func TestMarkTaskAsFailedRecordsMessage(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	id, _ := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if err := q.MarkTaskAsFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("MarkTaskAsFailed failed: %v", err)
	}

	tasks, err := q.GetTasksByStatus(ctx, core.TaskFailed)
	if err != nil {
		t.Fatalf("GetTasksByStatus failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ErrorMessage != "boom" {
		t.Errorf("GetTasksByStatus(FAILED) = %+v, want one task with error_message=boom", tasks)
	}
}

func TestResetStuckTasksRequeuesBelowMaxAttempts(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	id, _ := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if _, err := q.FetchAndClaimNextTask(ctx); err != nil {
		t.Fatalf("FetchAndClaimNextTask failed: %v", err)
	}

	n, err := q.ResetStuckTasks(ctx, 5)
	if err != nil {
		t.Fatalf("ResetStuckTasks failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetStuckTasks reset count = %d, want 1", n)
	}

	tasks, err := q.GetTasksByStatus(ctx, core.TaskPending)
	if err != nil {
		t.Fatalf("GetTasksByStatus failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Errorf("GetTasksByStatus(PENDING) = %+v, want the reset task back", tasks)
	}
}

func TestResetStuckTasksFailsWhenAttemptsExhausted(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	q.FetchAndClaimNextTask(ctx)

	if _, err := q.ResetStuckTasks(ctx, 0); err != nil {
		t.Fatalf("ResetStuckTasks failed: %v", err)
	}

	tasks, err := q.GetTasksByStatus(ctx, core.TaskFailed)
	if err != nil {
		t.Fatalf("GetTasksByStatus failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("GetTasksByStatus(FAILED) = %+v, want the exhausted task marked failed", tasks)
	}
}

func TestClearCompletedTasksDeletesOldTerminalRows(t *testing.T) {
	pool := newTestPool(t)
	q := NewTaskQueue(pool)
	ctx := context.Background()

	id, _ := q.CreateTask(ctx, core.TaskProcessFile, "/docs/a.md", core.PriorityProcess)
	if err := q.UpdateTaskStatus(ctx, id, core.TaskCompleted); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	n, err := q.ClearCompletedTasks(ctx, -1) // cutoff in the future: everything qualifies
	if err != nil {
		t.Fatalf("ClearCompletedTasks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ClearCompletedTasks affected = %d, want 1", n)
	}
}
