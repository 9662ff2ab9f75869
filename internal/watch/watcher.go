// Package watch turns filesystem events under a drop root into
// PROCESS_FILE/REINDEX_FILE task submissions, debounced and coalesced
// so a burst of writes to one file produces a single task.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// TaskCreator is the subset of store.TaskQueue the watcher depends on.
type TaskCreator interface {
	CreateTask(ctx context.Context, taskType core.TaskType, path string, priority int) (int64, error)
}

// MetadataUpdater is the subset of store.MetadataStore the watcher
// uses to keep file rows in sync with rename/delete events.
type MetadataUpdater interface {
	UpdateFilePathIfExists(ctx context.Context, oldPath, newPath string) error
	MarkRemovedIfExists(ctx context.Context, path string) error
}

type seenEntry struct {
	size     int64
	modTime  time.Time
	lastSeen time.Time
}

// Watcher watches Config.DropRoot and submits tasks to Queue as files
// settle (new/renamed-in) or go quiet after edits (modified).
type Watcher struct {
	cfg    Config
	queue  TaskCreator
	meta   MetadataUpdater
	logger *slog.Logger

	fsw *fsnotify.Watcher

	seenMu sync.Mutex
	seen   map[string]seenEntry

	dirtyMu sync.Mutex
	dirty   map[string]time.Time

	stats statCounters

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Watcher. It does not start watching until Start is
// called.
func New(cfg Config, queue TaskCreator, meta MetadataUpdater, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		cfg:    cfg.withDefaults(),
		queue:  queue,
		meta:   meta,
		logger: logger,
		fsw:    fsw,
		seen:   make(map[string]seenEntry),
		dirty:  make(map[string]time.Time),
	}
	return w, nil
}

// Start begins watching the drop root: it performs an initial scan,
// adds the fsnotify watch, and launches the event loop, settle loop,
// and dirty sweeper goroutines.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatches(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.InitialScan()

	w.wg.Add(3)
	go w.eventLoop(ctx)
	go w.settleLoop(ctx)
	go w.dirtySweepLoop(ctx)
	return nil
}

// Stop cancels the watcher's goroutines and waits for them to exit,
// then closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return w.fsw.Close()
}

// Stats returns a point-in-time snapshot of the watcher's counters.
func (w *Watcher) Stats() Stats { return w.stats.snapshot() }

func (w *Watcher) addWatches() error {
	if w.cfg.Recursive {
		return filepath.WalkDir(w.cfg.DropRoot, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // best-effort: skip unreadable entries
			}
			if d.IsDir() {
				if addErr := w.fsw.Add(path); addErr != nil {
					w.logger.Warn("watch dir", "path", path, "error", addErr)
				}
			}
			return nil
		})
	}
	return w.fsw.Add(w.cfg.DropRoot)
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.handleOverflow()
				continue
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	w.stats.incEventsSeen()

	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()
	if isDir {
		return
	}
	if w.ignorePath(ev.Name, info) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.coalesceCreatedOrMovedIn(ev.Name)
	case ev.Has(fsnotify.Write):
		w.handleModified(ev.Name)
	case ev.Has(fsnotify.Rename):
		// fsnotify reports a rename as a Rename on the old path; a
		// subsequent Create on the new path arrives separately (if the
		// backend can observe it). The two are not paired: the old path
		// is handled as a deletion (its file row and chunks are
		// removed), and the new-path Create is coalesced as a new file
		// with a fresh row and id. Only RenamePath, which is given both
		// paths, keeps the existing row and id.
		w.handleDeleted(ctx, ev.Name)
	case ev.Has(fsnotify.Remove):
		w.handleDeleted(ctx, ev.Name)
	}
}

// RenamePath lets a caller with reliable old/new path pairs (e.g. a
// backend richer than fsnotify, or tests) drive the rename path
// explicitly, matching the original service's handle_renamed.
func (w *Watcher) RenamePath(ctx context.Context, from, to string) {
	if err := w.meta.UpdateFilePathIfExists(ctx, from, to); err != nil {
		w.logger.Error("update file path", "from", from, "to", to, "error", err)
	}
	w.coalesceCreatedOrMovedIn(to)
}

func (w *Watcher) ignorePath(path string, info os.FileInfo) bool {
	rel, err := filepath.Rel(w.cfg.DropRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	if info != nil && info.Mode()&os.ModeSymlink != 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pat := range w.cfg.IgnorePatterns {
		if base == pat {
			return true
		}
	}
	for _, suf := range w.cfg.IgnoreSuffixes {
		if strings.HasSuffix(base, suf) {
			return true
		}
	}
	return false
}

func (w *Watcher) coalesceCreatedOrMovedIn(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.seenMu.Lock()
	w.seen[path] = seenEntry{size: info.Size(), modTime: info.ModTime(), lastSeen: time.Now()}
	w.seenMu.Unlock()
}

func (w *Watcher) handleModified(path string) {
	w.dirtyMu.Lock()
	w.dirty[path] = time.Now()
	w.dirtyMu.Unlock()
	w.stats.incFilesMarkedDirty()
}

func (w *Watcher) handleDeleted(ctx context.Context, path string) {
	w.seenMu.Lock()
	delete(w.seen, path)
	w.seenMu.Unlock()

	w.dirtyMu.Lock()
	delete(w.dirty, path)
	w.dirtyMu.Unlock()

	if err := w.meta.MarkRemovedIfExists(ctx, path); err != nil {
		w.logger.Error("mark file removed", "path", path, "error", err)
	}
}

func (w *Watcher) handleOverflow() {
	w.stats.incOverflows()
	w.InitialScan()
}

// InitialScan enumerates regular files under DropRoot (recursively if
// configured) and feeds each one into the settle map as a Created
// event. It is also the overflow-recovery path.
func (w *Watcher) InitialScan() {
	w.stats.incScansPerformed()

	if _, err := os.Stat(w.cfg.DropRoot); err != nil {
		w.logger.Warn("drop root does not exist", "path", w.cfg.DropRoot, "error", err)
		return
	}

	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if w.ignorePath(path, info) {
			return nil
		}
		w.coalesceCreatedOrMovedIn(path)
		w.stats.incEventsSeen()
		return nil
	}

	if w.cfg.Recursive {
		_ = filepath.WalkDir(w.cfg.DropRoot, walk)
		return
	}
	entries, err := os.ReadDir(w.cfg.DropRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = walk(filepath.Join(w.cfg.DropRoot, e.Name()), e, nil)
	}
}

func (w *Watcher) settleLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.settleOnce(ctx)
		}
	}
}

func (w *Watcher) settleOnce(ctx context.Context) {
	var ready []string

	w.seenMu.Lock()
	now := time.Now()
	for path, e := range w.seen {
		info, err := os.Stat(path)
		unchanged := err == nil && info.Size() == e.size && info.ModTime().Equal(e.modTime)
		aged := now.Sub(e.lastSeen) >= w.cfg.SettleWindow
		switch {
		case unchanged && aged:
			ready = append(ready, path)
			delete(w.seen, path)
		case err == nil && (info.Size() != e.size || !info.ModTime().Equal(e.modTime)):
			w.seen[path] = seenEntry{size: info.Size(), modTime: info.ModTime(), lastSeen: now}
		}
	}
	w.seenMu.Unlock()

	for _, path := range ready {
		if _, err := w.queue.CreateTask(ctx, core.TaskProcessFile, path, core.PriorityProcess); err != nil {
			w.logger.Error("enqueue process_file", "path", path, "error", err)
			continue
		}
		w.stats.incFilesEnqueued()
	}
}

func (w *Watcher) dirtySweepLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Watcher) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.ModifyQuiesce)

	var ready []string
	readyAt := make(map[string]time.Time)
	w.dirtyMu.Lock()
	for path, lastModified := range w.dirty {
		if lastModified.Before(cutoff) || lastModified.Equal(cutoff) {
			ready = append(ready, path)
			readyAt[path] = lastModified
			delete(w.dirty, path)
		}
	}
	w.dirtyMu.Unlock()

	toReindex := ready
	if len(ready) > w.cfg.ReindexBatchSize {
		deferred := ready[w.cfg.ReindexBatchSize:]
		toReindex = ready[:w.cfg.ReindexBatchSize]

		w.dirtyMu.Lock()
		for _, path := range deferred {
			// Don't overwrite a newer write that landed in dirty while
			// this sweep was running.
			if _, stillDirty := w.dirty[path]; !stillDirty {
				w.dirty[path] = readyAt[path]
			}
		}
		w.dirtyMu.Unlock()

		w.logger.Warn("dirty sweep batch capped", "deferred", len(deferred))
	}

	for _, path := range toReindex {
		if _, err := w.queue.CreateTask(ctx, core.TaskReindexFile, path, core.PriorityReindex); err != nil {
			w.logger.Error("enqueue reindex_file", "path", path, "error", err)
		}
	}
}
