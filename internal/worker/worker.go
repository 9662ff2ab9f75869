// Package worker runs the processing pipeline against tasks claimed
// from the durable queue, via a small pool of long-lived goroutines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// idleSleep is how long a worker sleeps after finding the queue empty
// before polling again.
const idleSleep = 5 * time.Second

// Queue is the subset of store.TaskQueue a Worker depends on.
type Queue interface {
	FetchAndClaimNextTask(ctx context.Context) (*core.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus) error
	MarkTaskAsFailed(ctx context.Context, id int64, errMsg string) error
}

// Runner executes one claimed task. Both PROCESS_FILE and REINDEX_FILE
// tasks dispatch to the same Runner (see the task-dispatch design
// note); the TaskType is carried only for logging.
type Runner interface {
	Run(ctx context.Context, path string, progress func(fraction float64, message string)) error
}

// Worker owns a single goroutine that repeatedly claims and executes
// tasks until stopped. Constructing a second Start on a running
// Worker is an error.
type Worker struct {
	ID     int
	Queue  Queue
	Runner Runner
	Logger *slog.Logger

	shouldStop atomic.Bool
	running    atomic.Bool
	wg         sync.WaitGroup
}

// Start launches the worker's goroutine. Returns an error if the
// worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker %d: already running", w.ID)
	}
	w.shouldStop.Store(false)
	w.wg.Add(1)
	go w.runLoop(ctx)
	return nil
}

// Stop flips the cooperative stop flag; the worker finishes any
// in-flight task before exiting.
func (w *Worker) Stop() { w.shouldStop.Store(true) }

// Wait blocks until the worker's goroutine has exited.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.running.Store(false)

	for !w.shouldStop.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.Queue.FetchAndClaimNextTask(ctx)
		if err != nil {
			w.logger().Error("fetch and claim next task", "worker", w.ID, "error", err)
			sleepOrDone(ctx, idleSleep)
			continue
		}
		if task == nil {
			sleepOrDone(ctx, idleSleep)
			continue
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task *core.Task) {
	logger := w.logger().With("worker", w.ID, "task_id", task.ID, "task_type", task.TaskType, "path", task.TargetPath)
	logger.Info("claimed task")

	err := w.Runner.Run(ctx, task.TargetPath, func(fraction float64, message string) {
		logger.Debug("progress", "fraction", fraction, "message", message)
	})
	if err != nil {
		logger.Error("task failed", "error", err)
		if markErr := w.Queue.MarkTaskAsFailed(ctx, task.ID, err.Error()); markErr != nil {
			logger.Error("mark task failed", "error", markErr)
		}
		return
	}
	if err := w.Queue.UpdateTaskStatus(ctx, task.ID, core.TaskCompleted); err != nil {
		logger.Error("mark task completed", "error", err)
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
