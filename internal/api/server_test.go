package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
	"github.com/cgorski03/magic-folder-sub000/internal/cryptoenv"
	"github.com/cgorski03/magic-folder-sub000/internal/dbpool"
	"github.com/cgorski03/magic-folder-sub000/internal/search"
	"github.com/cgorski03/magic-folder-sub000/internal/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, core.VectorDim)
	v[0] = 1
	return v, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	pool, err := dbpool.Open(dbpool.Config{Path: dbPath, Size: 2, Key: make([]byte, 32)})
	if err != nil {
		t.Fatalf("dbpool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Shutdown() })

	if err := pool.WithConn(context.Background(), func(db *sql.DB) error {
		return store.EnsureSchema(context.Background(), db)
	}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	seal, err := cryptoenv.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("cryptoenv.New: %v", err)
	}

	ms := store.NewMetadataStore(pool, seal)
	tq := store.NewTaskQueue(pool)
	c, err := codec.New(codec.DefaultLevel)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	t.Cleanup(c.Close)

	svc := search.New(fakeEmbedder{}, ms, c)
	return New(ms, tq, svc, nil)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestHandleProcessFileEnqueuesTask(t *testing.T) {
	srv := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]string{"file_path": "/tmp/notes.md"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process_file", bytes.NewReader(reqBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	tasks, err := srv.Queue.GetTasksByStatus(context.Background(), core.TaskPending)
	if err != nil {
		t.Fatalf("GetTasksByStatus: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TargetPath != "/tmp/notes.md" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestHandleProcessFileRejectsMissingPath(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process_file", bytes.NewReader([]byte(`{}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetFileNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/does/not/exist.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListFilesEmpty(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var files []core.File
	if err := json.Unmarshal(rec.Body.Bytes(), &files); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %d", len(files))
	}
}

func TestHandleSearchEmptyStore(t *testing.T) {
	srv := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]any{"query": "hello", "top_k": 3})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(reqBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result search.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.FileResults) != 0 || len(result.ChunkResults) != 0 {
		t.Errorf("expected empty results on an empty store, got %+v", result)
	}
}
