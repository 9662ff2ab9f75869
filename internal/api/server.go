// Package api implements the daemon's HTTP surface: a health check, a
// process-file trigger, a search endpoint, and file CRUD-ish reads,
// all on top of the standard library's net/http mux (the teacher
// repo itself has no HTTP server package to imitate; no router from
// the retrieval pack is pulled in for this single mux).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
	"github.com/cgorski03/magic-folder-sub000/internal/search"
	"github.com/cgorski03/magic-folder-sub000/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server wires the metadata store, task queue, and search service to
// the HTTP surface described in the external interfaces section.
type Server struct {
	Store  *store.MetadataStore
	Queue  *store.TaskQueue
	Search *search.Service
	Logger *slog.Logger
	mux    *http.ServeMux
}

// New builds a Server and registers its routes.
func New(st *store.MetadataStore, q *store.TaskQueue, svc *search.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Store: st, Queue: q, Search: svc, Logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /", s.handleHealth)
	s.mux.HandleFunc("POST /process_file", s.handleProcessFile)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("GET /files", s.handleListFiles)
	s.mux.HandleFunc("GET /files/{path...}", s.handleGetFile)
	s.mux.HandleFunc("DELETE /files/{path...}", s.handleDeleteFile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "magic-folder is running",
		"status":  "ok",
		"version": Version,
	})
}

func (s *Server) handleProcessFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FilePath string `json:"file_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	taskID, err := s.Queue.CreateTask(r.Context(), core.TaskProcessFile, body.FilePath, core.PriorityProcess)
	if err != nil {
		s.Logger.Error("create task", "path", body.FilePath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "file_path": body.FilePath})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if body.TopK <= 0 {
		body.TopK = 5
	}

	result, err := s.Search.Search(r.Context(), body.Query, body.TopK)
	if err != nil {
		s.Logger.Error("search", "query", body.Query, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.Store.ListAllFiles(r.Context())
	if err != nil {
		s.Logger.Error("list files", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := filePathParam(r)
	file, err := s.Store.GetFileMetadata(r.Context(), path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.Logger.Error("get file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := filePathParam(r)
	if err := s.Store.DeleteFileMetadata(r.Context(), path); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.Logger.Error("delete file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": path})
}

func filePathParam(r *http.Request) string {
	return strings.TrimPrefix(r.PathValue("path"), "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
