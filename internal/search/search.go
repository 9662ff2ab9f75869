// Package search implements the natural-language query path: embed
// the query once, then fan it out to a top-k file search and, for
// search(), a top-k chunk search restricted to the matched files'
// chunks. Errors from either collaborator are wrapped in Error so
// callers (the HTTP surface, the CLI) can distinguish a search failure
// from any other kind.
package search

import (
	"context"
	"fmt"

	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// Error wraps any failure surfaced by the search service, whether it
// originated in the embedding client or the metadata store, so the
// HTTP surface can map it to a single 5xx error kind without caring
// which collaborator failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("search: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Embedder is the subset of embedclient.Client the search service
// depends on.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Store is the subset of store.MetadataStore the search service reads
// from.
type Store interface {
	SearchSimilarFiles(ctx context.Context, queryVec []float32, k int) ([]core.FileSearchResult, []string, error)
	SearchSimilarChunks(ctx context.Context, fileIDs []int64, queryVec []float32, k int) ([]core.ChunkSearchResult, error)
	FillChunkMetadata(ctx context.Context, results []core.ChunkSearchResult) error
}

// FileHit is one file-level search result returned to callers.
type FileHit struct {
	File     core.File
	Distance float32
}

// ChunkHit is one chunk-level search result, with content already
// decompressed for the caller.
type ChunkHit struct {
	FileID     int64
	ChunkIndex int
	Content    string
	Distance   float32
}

// Result is the full answer to search(): file hits plus, restricted to
// those files, their best-matching chunks.
type Result struct {
	FileResults  []FileHit
	ChunkResults []ChunkHit
}

// Service answers natural-language queries against the metadata store,
// embedding the query text exactly once per call and reusing the same
// vector for both the file-level and chunk-level searches in search().
type Service struct {
	Embedder Embedder
	Store    Store
	Codec    *codec.Codec
}

// New builds a Service.
func New(embedder Embedder, store Store, c *codec.Codec) *Service {
	return &Service{Embedder: embedder, Store: store, Codec: c}
}

// SearchFiles returns only the top-k file hits for q.
func (s *Service) SearchFiles(ctx context.Context, q string, k int) ([]FileHit, error) {
	vec, err := s.embedQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	hits, _, err := s.Store.SearchSimilarFiles(ctx, vec, k)
	if err != nil {
		return nil, &Error{Op: "search_similar_files", Err: err}
	}
	out := make([]FileHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, FileHit{File: h.File, Distance: h.Distance})
	}
	return out, nil
}

// Search returns both the top-k file hits for q and, restricted to
// those files' ids, the top-k chunk hits, with chunk content already
// decompressed.
func (s *Service) Search(ctx context.Context, q string, k int) (Result, error) {
	vec, err := s.embedQuery(ctx, q)
	if err != nil {
		return Result{}, err
	}

	fileHits, _, err := s.Store.SearchSimilarFiles(ctx, vec, k)
	if err != nil {
		return Result{}, &Error{Op: "search_similar_files", Err: err}
	}
	result := Result{FileResults: make([]FileHit, 0, len(fileHits))}
	fileIDs := make([]int64, 0, len(fileHits))
	for _, h := range fileHits {
		result.FileResults = append(result.FileResults, FileHit{File: h.File, Distance: h.Distance})
		fileIDs = append(fileIDs, h.File.ID)
	}

	if len(fileIDs) == 0 {
		// An empty store (or a query that matched nothing) yields empty
		// results on both granularities without erroring (S3).
		return result, nil
	}

	chunkHits, err := s.Store.SearchSimilarChunks(ctx, fileIDs, vec, k)
	if err != nil {
		return Result{}, &Error{Op: "search_similar_chunks", Err: err}
	}
	if err := s.Store.FillChunkMetadata(ctx, chunkHits); err != nil {
		return Result{}, &Error{Op: "fill_chunk_metadata", Err: err}
	}
	result.ChunkResults = make([]ChunkHit, 0, len(chunkHits))
	for _, c := range chunkHits {
		plain, err := s.Codec.Decompress(c.CompressedContent)
		if err != nil {
			return Result{}, &Error{Op: "decompress chunk content", Err: err}
		}
		result.ChunkResults = append(result.ChunkResults, ChunkHit{
			FileID:     c.FileID,
			ChunkIndex: c.ChunkIndex,
			Content:    string(plain),
			Distance:   c.Distance,
		})
	}
	return result, nil
}

func (s *Service) embedQuery(ctx context.Context, q string) ([]float32, error) {
	vec, err := s.Embedder.GetEmbedding(ctx, q)
	if err != nil {
		return nil, &Error{Op: "get_embedding", Err: err}
	}
	return vec, nil
}
