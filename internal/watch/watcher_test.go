package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

type fakeQueue struct {
	processed []string
	reindexed []string
}

func (f *fakeQueue) CreateTask(ctx context.Context, taskType core.TaskType, path string, priority int) (int64, error) {
	switch taskType {
	case core.TaskProcessFile:
		f.processed = append(f.processed, path)
	case core.TaskReindexFile:
		f.reindexed = append(f.reindexed, path)
	}
	return 1, nil
}

type fakeMeta struct {
	renamed []string
	removed []string
}

func (f *fakeMeta) UpdateFilePathIfExists(ctx context.Context, oldPath, newPath string) error {
	f.renamed = append(f.renamed, oldPath+"->"+newPath)
	return nil
}

func (f *fakeMeta) MarkRemovedIfExists(ctx context.Context, path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func newTestWatcher(t *testing.T, cfg Config) (*Watcher, *fakeQueue, *fakeMeta) {
	t.Helper()
	q := &fakeQueue{}
	m := &fakeMeta{}
	w, err := New(cfg.withDefaults(), q, m, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.fsw.Close() })
	return w, q, m
}

func TestSettleOnceEnqueuesUnchangedAgedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w, q, _ := newTestWatcher(t, Config{DropRoot: dir, SettleWindow: 10 * time.Millisecond})
	w.coalesceCreatedOrMovedIn(path)

	// not aged yet
	w.settleOnce(context.Background())
	if len(q.processed) != 0 {
		t.Fatalf("settleOnce enqueued before the settle window elapsed: %v", q.processed)
	}

	time.Sleep(20 * time.Millisecond)
	w.settleOnce(context.Background())
	if len(q.processed) != 1 || q.processed[0] != path {
		t.Fatalf("processed = %v, want [%s]", q.processed, path)
	}

	w.seenMu.Lock()
	_, stillSeen := w.seen[path]
	w.seenMu.Unlock()
	if stillSeen {
		t.Error("settled file was not removed from the seen map")
	}
}

func TestSettleOnceResetsTimerWhenFileStillChanging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("v1"), 0o644)

	w, q, _ := newTestWatcher(t, Config{DropRoot: dir, SettleWindow: 10 * time.Millisecond})
	w.coalesceCreatedOrMovedIn(path)

	time.Sleep(20 * time.Millisecond)
	os.WriteFile(path, []byte("v2, a longer write"), 0o644)
	w.settleOnce(context.Background())

	if len(q.processed) != 0 {
		t.Fatalf("settleOnce enqueued a file whose content changed underneath it: %v", q.processed)
	}
	w.seenMu.Lock()
	_, stillSeen := w.seen[path]
	w.seenMu.Unlock()
	if !stillSeen {
		t.Error("changed file should stay in the seen map with a refreshed timer")
	}
}

func TestSweepOnceReindexesFilesPastQuiescence(t *testing.T) {
	dir := t.TempDir()
	w, q, _ := newTestWatcher(t, Config{DropRoot: dir, ModifyQuiesce: 10 * time.Millisecond})

	w.handleModified(filepath.Join(dir, "a.txt"))
	time.Sleep(20 * time.Millisecond)
	w.sweepOnce(context.Background())

	if len(q.reindexed) != 1 {
		t.Fatalf("reindexed = %v, want exactly one path", q.reindexed)
	}
	w.dirtyMu.Lock()
	n := len(w.dirty)
	w.dirtyMu.Unlock()
	if n != 0 {
		t.Errorf("dirty map still has %d entries after sweep", n)
	}
}

func TestSweepOnceLeavesRecentEditsDirty(t *testing.T) {
	dir := t.TempDir()
	w, q, _ := newTestWatcher(t, Config{DropRoot: dir, ModifyQuiesce: time.Hour})

	w.handleModified(filepath.Join(dir, "a.txt"))
	w.sweepOnce(context.Background())

	if len(q.reindexed) != 0 {
		t.Fatalf("reindexed = %v, want none before quiescence elapses", q.reindexed)
	}
}

func TestSweepOnceCapsBatchSize(t *testing.T) {
	dir := t.TempDir()
	w, q, _ := newTestWatcher(t, Config{DropRoot: dir, ModifyQuiesce: time.Millisecond, ReindexBatchSize: 2})

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		w.handleModified(filepath.Join(dir, name))
	}
	time.Sleep(2 * time.Millisecond)
	w.sweepOnce(context.Background())

	if len(q.reindexed) != 2 {
		t.Fatalf("reindexed = %d files, want capped at 2", len(q.reindexed))
	}

	w.dirtyMu.Lock()
	deferred := len(w.dirty)
	w.dirtyMu.Unlock()
	if deferred != 1 {
		t.Fatalf("dirty entries left behind = %d, want the one overflow path deferred to the next sweep", deferred)
	}

	time.Sleep(2 * time.Millisecond)
	w.sweepOnce(context.Background())
	if len(q.reindexed) != 3 {
		t.Fatalf("reindexed after the follow-up sweep = %d, want the deferred path picked up", len(q.reindexed))
	}
}

func TestHandleDeletedClearsStateAndMarksRemoved(t *testing.T) {
	dir := t.TempDir()
	w, _, m := newTestWatcher(t, Config{DropRoot: dir})
	path := filepath.Join(dir, "a.txt")

	w.coalesceCreatedOrMovedIn(path)
	w.handleModified(path)
	w.handleDeleted(context.Background(), path)

	w.seenMu.Lock()
	_, seen := w.seen[path]
	w.seenMu.Unlock()
	w.dirtyMu.Lock()
	_, dirty := w.dirty[path]
	w.dirtyMu.Unlock()

	if seen || dirty {
		t.Errorf("handleDeleted left state behind: seen=%v dirty=%v", seen, dirty)
	}
	if len(m.removed) != 1 || m.removed[0] != path {
		t.Errorf("removed = %v, want [%s]", m.removed, path)
	}
}

func TestIgnorePathRejectsPatternsAndSuffixes(t *testing.T) {
	dir := t.TempDir()
	w, _, _ := newTestWatcher(t, Config{
		DropRoot:       dir,
		IgnorePatterns: []string{".DS_Store"},
		IgnoreSuffixes: []string{".tmp"},
	})

	cases := map[string]bool{
		filepath.Join(dir, "notes.md"):   false,
		filepath.Join(dir, ".DS_Store"):  true,
		filepath.Join(dir, "draft.tmp"):  true,
	}
	for path, want := range cases {
		if got := w.ignorePath(path, nil); got != want {
			t.Errorf("ignorePath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIgnorePathRejectsPathsOutsideDropRoot(t *testing.T) {
	dir := t.TempDir()
	w, _, _ := newTestWatcher(t, Config{DropRoot: filepath.Join(dir, "watched")})
	if !w.ignorePath(filepath.Join(dir, "elsewhere", "a.txt"), nil) {
		t.Error("expected a path outside DropRoot to be ignored")
	}
}

func TestInitialScanPopulatesSeenFromExistingFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("y"), 0o644)

	w, _, _ := newTestWatcher(t, Config{DropRoot: dir, Recursive: true})
	w.InitialScan()

	w.seenMu.Lock()
	n := len(w.seen)
	w.seenMu.Unlock()
	if n != 2 {
		t.Errorf("seen entries after InitialScan = %d, want 2", n)
	}
}

func TestRenamePathUpdatesMetaAndCoalesces(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "old.txt")
	to := filepath.Join(dir, "new.txt")
	os.WriteFile(to, []byte("x"), 0o644)

	w, _, m := newTestWatcher(t, Config{DropRoot: dir})
	w.RenamePath(context.Background(), from, to)

	if len(m.renamed) != 1 || m.renamed[0] != from+"->"+to {
		t.Errorf("renamed = %v, want one rename from %s to %s", m.renamed, from, to)
	}
	w.seenMu.Lock()
	_, seen := w.seen[to]
	w.seenMu.Unlock()
	if !seen {
		t.Error("RenamePath did not coalesce the new path")
	}
}
