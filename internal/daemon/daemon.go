// Package daemon wires the watcher, worker pool, and HTTP surface
// together into the long-running process started by `magicfolder
// serve`, guarded by a single-instance file lock adapted from the
// teacher's cross-process lock pattern (cmd/bd/sync.go's flock.New /
// TryLock / defer Unlock, previously also used by the teacher's own
// daemon registry).
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/cgorski03/magic-folder-sub000/internal/api"
	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/config"
	"github.com/cgorski03/magic-folder-sub000/internal/cryptoenv"
	"github.com/cgorski03/magic-folder-sub000/internal/dbkey"
	"github.com/cgorski03/magic-folder-sub000/internal/dbpool"
	"github.com/cgorski03/magic-folder-sub000/internal/embedclient"
	"github.com/cgorski03/magic-folder-sub000/internal/pipeline"
	"github.com/cgorski03/magic-folder-sub000/internal/search"
	"github.com/cgorski03/magic-folder-sub000/internal/store"
	"github.com/cgorski03/magic-folder-sub000/internal/watch"
	"github.com/cgorski03/magic-folder-sub000/internal/worker"
)

// maxTaskAttempts bounds ResetStuckTasks's retry ceiling before a
// PROCESSING row is given up on as a poison message.
const maxTaskAttempts = 5

// poolSize is the connection pool's handle count. All handles are
// shared by the workers, the watcher and the HTTP/search path; none is
// reserved for any one of them.
const poolSize = 4

// Daemon owns every long-lived collaborator started by `serve` and
// stops them all, in reverse dependency order, on Shutdown.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock *flock.Flock
	pool *dbpool.Pool

	Store   *store.MetadataStore
	Queue   *store.TaskQueue
	Workers *worker.Pool
	Watcher *watch.Watcher
	Server  *api.Server

	httpSrv *http.Server
}

// New assembles every collaborator described in the component design
// but does not yet start any goroutine or listener; call Run to go
// live.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	lockPath := cfg.MetadataDBPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create db directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon: acquire single-instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon: another instance is already running (lock held at %s)", lockPath)
	}

	d := &Daemon{cfg: cfg, logger: logger, lock: lock}
	if err := d.wire(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire() error {
	keyProvider, err := dbkey.Open()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	key, err := keyProvider.GetDatabaseKey()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	seal, err := cryptoenv.New(key)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	pool, err := dbpool.Open(dbpool.Config{Path: d.cfg.MetadataDBPath, Size: poolSize, Key: key})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	d.pool = pool

	ctx := context.Background()
	if err := pool.WithConn(ctx, func(db *sql.DB) error {
		if err := store.EnsureSchema(ctx, db); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("daemon: ensure schema: %w", err)
	}

	metaStore := store.NewMetadataStore(pool, seal)
	taskQueue := store.NewTaskQueue(pool)

	if reset, err := taskQueue.ResetStuckTasks(ctx, maxTaskAttempts); err != nil {
		d.logger.Error("reset stuck tasks", "error", err)
	} else if reset > 0 {
		d.logger.Info("reset stuck tasks to pending", "count", reset)
	}
	if err := metaStore.RebuildIndex(ctx); err != nil {
		d.logger.Error("rebuild ann index at startup", "error", err)
	}

	embedder, err := embedclient.New(d.cfg.OllamaURL, d.cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	c, err := codec.New(codec.DefaultLevel)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	pipe := pipeline.New(metaStore, embedder, c, nil)
	workers, err := worker.NewPool(d.cfg.NumWorkers, taskQueue, pipe, d.logger.With("component", "worker"))
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	searchSvc := search.New(embedder, metaStore, c)
	server := api.New(metaStore, taskQueue, searchSvc, d.logger.With("component", "api"))

	var watcher *watch.Watcher
	if d.cfg.WatcherEnabled {
		watcher, err = watch.New(watch.Config{
			DropRoot:      d.cfg.WatchDirectory,
			Recursive:     true,
			SettleWindow:  time.Duration(d.cfg.WatcherSettleMs) * time.Millisecond,
			ModifyQuiesce: time.Duration(d.cfg.ModifyQuiesceMinutes) * time.Minute,
		}, taskQueue, metaStore, d.logger.With("component", "watcher"))
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}

	d.Store = metaStore
	d.Queue = taskQueue
	d.Workers = workers
	d.Watcher = watcher
	d.Server = server
	return nil
}

// Run starts the worker pool, the watcher (if enabled), and the HTTP
// listener, and blocks until ctx is cancelled, then shuts everything
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Workers.Start(ctx); err != nil {
		return fmt.Errorf("daemon: start workers: %w", err)
	}
	if d.Watcher != nil {
		if err := d.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start watcher: %w", err)
		}
	}

	d.httpSrv = &http.Server{Addr: d.cfg.APIBaseURL, Handler: d.Server}
	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("http server listening", "addr", d.cfg.APIBaseURL)
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			d.logger.Error("http server failed", "error", err)
		}
	}
	return d.Shutdown()
}

// Shutdown stops every collaborator and releases the single-instance
// lock. Safe to call once; subsequent calls are no-ops beyond
// double-closing already-closed resources, which each collaborator
// tolerates.
func (d *Daemon) Shutdown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record(d.httpSrv.Shutdown(shutdownCtx))
	}
	if d.Watcher != nil {
		record(d.Watcher.Stop())
	}
	if d.Workers != nil {
		d.Workers.Shutdown()
	}
	if d.pool != nil {
		record(d.pool.Shutdown())
	}
	if d.lock != nil {
		record(d.lock.Unlock())
	}
	return firstErr
}
