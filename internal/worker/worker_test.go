package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

type fakeQueue struct {
	mu        sync.Mutex
	tasks     []*core.Task
	completed []int64
	failed    []int64
}

func (q *fakeQueue) FetchAndClaimNextTask(ctx context.Context) (*core.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, nil
}

func (q *fakeQueue) UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if status == core.TaskCompleted {
		q.completed = append(q.completed, id)
	}
	return nil
}

func (q *fakeQueue) MarkTaskAsFailed(ctx context.Context, id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return nil
}

type fakeRunner struct{ fail bool }

func (r fakeRunner) Run(ctx context.Context, path string, progress func(float64, string)) error {
	if r.fail {
		return fmt.Errorf("boom")
	}
	return nil
}

func TestWorkerCompletesClaimedTasks(t *testing.T) {
	q := &fakeQueue{tasks: []*core.Task{{ID: 1, TargetPath: "a.txt"}}}
	w := &Worker{ID: 0, Queue: q, Runner: fakeRunner{}}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		q.mu.Lock()
		done := len(q.completed) == 1
		q.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task completion")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Stop()
	cancel()
	w.Wait()
}

func TestWorkerMarksFailedTasksFailed(t *testing.T) {
	q := &fakeQueue{tasks: []*core.Task{{ID: 7, TargetPath: "bad.txt"}}}
	w := &Worker{ID: 0, Queue: q, Runner: fakeRunner{fail: true}}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		q.mu.Lock()
		done := len(q.failed) == 1
		q.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task failure")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Stop()
	cancel()
	w.Wait()
}

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, &fakeQueue{}, fakeRunner{}, nil); err == nil {
		t.Fatal("expected an error for n=0")
	}
}

func TestPoolStartAndShutdown(t *testing.T) {
	q := &fakeQueue{}
	p, err := NewPool(3, q, fakeRunner{}, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p.Shutdown()
}
