// Package pipeline implements the end-to-end per-file processing
// operation: resolve metadata, extract and chunk, embed and persist,
// derive a document-level summary vector, and rebuild the ANN index.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/annidx"
	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
	"github.com/cgorski03/magic-folder-sub000/internal/extract"
	"github.com/cgorski03/magic-folder-sub000/internal/store"
)

// chunkFlushBatchSize is the call-site batch cap noted in the store's
// upsert_chunk_metadata contract; the store itself imposes no cap.
const chunkFlushBatchSize = 64

// Embedder is the subset of embedclient.Client the pipeline depends
// on, so tests can substitute a fake.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Progress reports pipeline progress as a fraction in [0,1] plus a
// human-readable message. Declared as an alias (not a defined type) so
// Run satisfies worker.Runner, whose method signature names the
// unaliased func type directly.
type Progress = func(fraction float64, message string)

// MetadataStore is the subset of store.MetadataStore the pipeline
// depends on.
type MetadataStore interface {
	UpsertFileStub(ctx context.Context, stub core.FileStub) (int64, error)
	UpdateFileProcessingStatus(ctx context.Context, id int64, status core.ProcessingStatus) error
	UpdateFileContentHash(ctx context.Context, id int64, hash string) error
	UpsertChunkMetadata(ctx context.Context, fileID int64, chunks []core.ProcessedChunk) error
	UpdateFileAIAnalysis(ctx context.Context, id int64, vector []float32, category, filename string, status core.ProcessingStatus) error
	MarkFileFailed(ctx context.Context, id int64) error
	RebuildIndex(ctx context.Context) error
}

// Pipeline runs the processing operation for one file at a time; it
// holds no per-file state between calls.
type Pipeline struct {
	Store    MetadataStore
	Embedder Embedder
	Codec    *codec.Codec
}

// New builds a Pipeline. idx is accepted for symmetry with callers
// that also need direct access to the ANN index, but the pipeline
// itself only ever reaches it indirectly via Store.RebuildIndex.
func New(s MetadataStore, embedder Embedder, c *codec.Codec, _ *annidx.Index) *Pipeline {
	return &Pipeline{Store: s, Embedder: embedder, Codec: c}
}

// Run executes the PROCESS_FILE/REINDEX_FILE operation for path.
// Both task types run this identical pipeline (see the task-dispatch
// design note); progress, if non-nil, is invoked at each major step.
func (p *Pipeline) Run(ctx context.Context, path string, progress Progress) error {
	report := func(frac float64, msg string) {
		if progress != nil {
			progress(frac, msg)
		}
	}

	stub := core.FileStub{Path: path, OriginalPath: path, FileType: guessFileType(path)}
	if info, statErr := os.Stat(path); statErr == nil {
		stub.FileSize = info.Size()
		stub.LastModified = info.ModTime()
	} else {
		// A missing/unreadable file still gets a stub (first observation
		// creates the row per the data model's lifecycle note); the
		// actual read failure surfaces below and fails the task instead
		// of aborting before a row exists to mark FAILED.
		stub.LastModified = time.Now()
	}
	fileID, err := p.Store.UpsertFileStub(ctx, stub)
	if err != nil {
		return fmt.Errorf("pipeline: upsert file stub %q: %w", path, err)
	}
	report(0.0, "resolved file metadata")

	if err := p.Store.UpdateFileProcessingStatus(ctx, fileID, core.StatusProcessing); err != nil {
		return fmt.Errorf("pipeline: mark processing: %w", err)
	}

	file := &core.File{ID: fileID, Path: path}
	if runErr := p.process(ctx, file, report); runErr != nil {
		// Errors between here and completion fail the file, clearing
		// any stale summary vector rather than leaving it pointing at
		// content that no longer matches.
		if failErr := p.Store.MarkFileFailed(ctx, file.ID); failErr != nil {
			return fmt.Errorf("pipeline: %w (and failed to record failure: %v)", runErr, failErr)
		}
		return fmt.Errorf("pipeline: %w", runErr)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, file *core.File, report Progress) error {
	raw, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("read %q: %w", file.Path, err)
	}
	result, err := extract.Dispatch(file.Path, string(raw))
	if err != nil {
		return fmt.Errorf("extract %q: %w", file.Path, err)
	}
	if err := p.Store.UpdateFileContentHash(ctx, file.ID, result.ContentHash); err != nil {
		return fmt.Errorf("persist content hash: %w", err)
	}
	report(0.2, "extracted chunks")

	var (
		batch   []core.ProcessedChunk
		summary = make([]float64, core.VectorDim)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.Store.UpsertChunkMetadata(ctx, file.ID, batch); err != nil {
			return fmt.Errorf("flush chunk batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i, chunk := range result.Chunks {
		vec, err := p.Embedder.GetEmbedding(ctx, chunk.Content)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", chunk.ChunkIndex, err)
		}
		if len(vec) == 0 {
			return fmt.Errorf("embed chunk %d: empty vector", chunk.ChunkIndex)
		}
		for j, f := range vec {
			summary[j] += float64(f)
		}
		compressed := p.Codec.Compress([]byte(chunk.Content))
		batch = append(batch, core.ProcessedChunk{
			ChunkIndex:        chunk.ChunkIndex,
			CompressedContent: compressed,
			Vector:            vec,
		})
		if len(batch) >= chunkFlushBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if len(result.Chunks) > 0 {
			report(0.2+0.6*float64(i+1)/float64(len(result.Chunks)), "embedded chunk")
		}
	}
	if err := flush(); err != nil {
		return err
	}

	summaryVec := normalizeL2(summary)
	if len(result.Chunks) == 0 {
		// Zero-chunk files skip the summary step and are simply
		// marked PROCESSED.
		if err := p.Store.UpdateFileProcessingStatus(ctx, file.ID, core.StatusProcessed); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	}

	if err := p.Store.UpdateFileAIAnalysis(ctx, file.ID, summaryVec, "", "", core.StatusProcessed); err != nil {
		return fmt.Errorf("persist summary vector: %w", err)
	}
	report(0.9, "persisted summary vector")

	if err := p.Store.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("rebuild ann index: %w", err)
	}
	report(1.0, "done")
	return nil
}

// guessFileType classifies a path by extension for the File row's
// informational file_type column; it does not gate which extractor
// Dispatch picks (that happens purely by extension again, independently,
// once content is in hand).
func guessFileType(path string) core.FileType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return core.FileTypeMarkdown
	case ".txt", ".text", ".log", ".rst":
		return core.FileTypeText
	case ".go", ".py", ".js", ".ts", ".c", ".cpp", ".h", ".hpp", ".rs", ".java":
		return core.FileTypeCode
	case ".pdf":
		return core.FileTypePDF
	default:
		return core.FileTypeUnknown
	}
}

// normalizeL2 sums have already been accumulated by the caller; this
// normalizes the accumulated sum to unit length, leaving it
// unnormalized if the sum is the zero vector.
func normalizeL2(sum []float64) []float32 {
	var normSq float64
	for _, v := range sum {
		normSq += v * v
	}
	out := make([]float32, len(sum))
	if normSq == 0 {
		for i, v := range sum {
			out[i] = float32(v)
		}
		return out
	}
	norm := math.Sqrt(normSq)
	for i, v := range sum {
		out[i] = float32(v / norm)
	}
	return out
}
