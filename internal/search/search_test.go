package search

import (
	"context"
	"testing"

	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type fakeStore struct {
	fileHits    []core.FileSearchResult
	chunkHits   []core.ChunkSearchResult
	fileErr     error
	chunkErr    error
	fillErr     error
	calledFiles [][]float32
	calledIDs   []int64
	filled      bool

	// content, keyed by chunk id, is what FillChunkMetadata hydrates.
	// SearchSimilarChunks never populates CompressedContent itself,
	// matching the real store's unhydrated contract.
	content map[int64][]byte
}

func (f *fakeStore) SearchSimilarFiles(ctx context.Context, queryVec []float32, k int) ([]core.FileSearchResult, []string, error) {
	f.calledFiles = append(f.calledFiles, queryVec)
	return f.fileHits, nil, f.fileErr
}

func (f *fakeStore) SearchSimilarChunks(ctx context.Context, fileIDs []int64, queryVec []float32, k int) ([]core.ChunkSearchResult, error) {
	f.calledIDs = fileIDs
	out := make([]core.ChunkSearchResult, len(f.chunkHits))
	for i, h := range f.chunkHits {
		h.CompressedContent = nil
		out[i] = h
	}
	return out, f.chunkErr
}

func (f *fakeStore) FillChunkMetadata(ctx context.Context, results []core.ChunkSearchResult) error {
	f.filled = true
	if f.fillErr != nil {
		return f.fillErr
	}
	for i := range results {
		results[i].CompressedContent = f.content[results[i].ID]
	}
	return nil
}

func newTestCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.DefaultLevel)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSearchFilesReturnsHits(t *testing.T) {
	st := &fakeStore{fileHits: []core.FileSearchResult{
		{File: core.File{ID: 1, Path: "a.md"}, Distance: 0.05},
	}}
	svc := New(fakeEmbedder{vec: make([]float32, core.VectorDim)}, st, newTestCodec(t))

	hits, err := svc.SearchFiles(context.Background(), "hello", 5)
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	if len(hits) != 1 || hits[0].File.ID != 1 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSearchEmptyStoreReturnsEmptyWithoutError(t *testing.T) {
	st := &fakeStore{}
	svc := New(fakeEmbedder{vec: make([]float32, core.VectorDim)}, st, newTestCodec(t))

	result, err := svc.Search(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Search over empty store must not error: %v", err)
	}
	if len(result.FileResults) != 0 || len(result.ChunkResults) != 0 {
		t.Fatalf("expected empty results, got %+v", result)
	}
	if st.calledIDs != nil {
		t.Error("chunk search should not run when there are no file hits")
	}
}

func TestSearchRestrictsChunksToMatchedFileIDs(t *testing.T) {
	c := newTestCodec(t)
	compressed := c.Compress([]byte("chunk body"))
	st := &fakeStore{
		fileHits: []core.FileSearchResult{{File: core.File{ID: 7}, Distance: 0.1}},
		chunkHits: []core.ChunkSearchResult{
			{ID: 1, FileID: 7, ChunkIndex: 0, Distance: 0.2},
		},
		content: map[int64][]byte{1: compressed},
	}
	svc := New(fakeEmbedder{vec: make([]float32, core.VectorDim)}, st, c)

	result, err := svc.Search(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(st.calledIDs) != 1 || st.calledIDs[0] != 7 {
		t.Fatalf("chunk search should be restricted to file id 7, got %v", st.calledIDs)
	}
	if !st.filled {
		t.Fatal("Search must hydrate chunk hits via FillChunkMetadata before decompressing")
	}
	if len(result.ChunkResults) != 1 || result.ChunkResults[0].Content != "chunk body" {
		t.Fatalf("expected decompressed chunk content, got %+v", result.ChunkResults)
	}
}

func TestSearchWrapsFillChunkMetadataError(t *testing.T) {
	st := &fakeStore{
		fileHits:  []core.FileSearchResult{{File: core.File{ID: 7}, Distance: 0.1}},
		chunkHits: []core.ChunkSearchResult{{ID: 1, FileID: 7, ChunkIndex: 0, Distance: 0.2}},
		fillErr:   errBoom,
	}
	svc := New(fakeEmbedder{vec: make([]float32, core.VectorDim)}, st, newTestCodec(t))

	_, err := svc.Search(context.Background(), "query", 5)
	if err == nil {
		t.Fatal("expected an error when FillChunkMetadata fails")
	}
	var searchErr *Error
	if !asSearchError(err, &searchErr) {
		t.Fatalf("expected a *search.Error, got %T: %v", err, err)
	}
}

func TestSearchWrapsEmbeddingError(t *testing.T) {
	st := &fakeStore{}
	svc := New(fakeEmbedder{err: errBoom}, st, newTestCodec(t))

	_, err := svc.Search(context.Background(), "q", 5)
	if err == nil {
		t.Fatal("expected an error")
	}
	var searchErr *Error
	if !asSearchError(err, &searchErr) {
		t.Fatalf("expected a *search.Error, got %T: %v", err, err)
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func asSearchError(err error, target **Error) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = se
	return true
}
