package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// Pool owns N Workers sharing one Queue and Runner. It rejects N=0
// and guarantees every worker is joined before Shutdown returns.
type Pool struct {
	workers []*Worker
}

// NewPool builds a Pool of n Workers, each with a distinct ID.
func NewPool(n int, queue Queue, runner Runner, logger *slog.Logger) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker: pool size must be > 0, got %d", n)
	}
	workers := make([]*Worker, n)
	for i := 0; i < n; i++ {
		workers[i] = &Worker{ID: i, Queue: queue, Runner: runner, Logger: logger}
	}
	return &Pool{workers: workers}, nil
}

// Start launches every worker's goroutine.
func (p *Pool) Start(ctx context.Context) error {
	for _, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("worker: start pool: %w", err)
		}
	}
	return nil
}

// Shutdown signals every worker to stop, then waits for all of them
// to finish their current task and exit.
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		w.Stop()
	}
	for _, w := range p.workers {
		w.Wait()
	}
}

// Size reports how many workers the pool owns.
func (p *Pool) Size() int { return len(p.workers) }
