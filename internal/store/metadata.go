package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cgorski03/magic-folder-sub000/internal/annidx"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
	"github.com/cgorski03/magic-folder-sub000/internal/cryptoenv"
)

// MetadataStore owns the relational store of files/chunks and the
// in-memory ANN index derived from it. The index's lifetime is tied to
// the store's; it is never authoritative, and is rebuilt wholesale
// from the files table (see the ANN-rebuild-policy design note). The
// three payload BLOB columns (summary_vector_blob, chunks.content,
// chunks.vector_blob) are sealed with AES-256-GCM via seal before ever
// reaching the database handle, per the application-layer encryption
// envelope design note; non-payload columns (paths, statuses,
// timestamps) stay plaintext so they remain indexable.
type MetadataStore struct {
	pool  connPool
	index *annidx.Index
	seal  *cryptoenv.Sealer
}

// NewMetadataStore builds a MetadataStore over an already-migrated
// pool, sealing payload blobs with seal. Callers should call
// RebuildIndex once at startup to populate the ANN index from existing
// rows.
func NewMetadataStore(pool connPool, seal *cryptoenv.Sealer) *MetadataStore {
	return &MetadataStore{pool: pool, index: annidx.New(), seal: seal}
}

// encodeVector packs a []float32 into a little-endian byte blob of
// exactly len(v)*4 bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector reverses encodeVector. Returns an error if blob's
// length isn't a multiple of 4, or doesn't match core.VectorDim when
// requireDim is true.
func decodeVector(blob []byte, requireDim bool) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("store: vector blob length %d not a multiple of 4", len(blob))
	}
	if requireDim && len(blob) != core.VectorDim*4 {
		return nil, fmt.Errorf("%w: got %d floats, want %d", ErrWrongDimension, len(blob)/4, core.VectorDim)
	}
	n := len(blob) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}

// sealBlob encrypts a payload blob before it is written to one of the
// three BLOB columns that carry vector/content data.
func (s *MetadataStore) sealBlob(plain []byte) ([]byte, error) {
	sealed, err := s.seal.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal payload blob: %w", err)
	}
	return sealed, nil
}

// openBlob decrypts a payload blob read back from one of the three
// BLOB columns; a nil/empty column (never written) passes through as
// nil rather than failing, since it represents "absent", not "sealed
// empty".
func (s *MetadataStore) openBlob(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	plain, err := s.seal.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open payload blob: %w", err)
	}
	return plain, nil
}

// UpsertFileStub inserts or updates a file row by path. On update, the
// AI-derived fields (summary vector, suggested category/filename) are
// reset and processing_status is set back to QUEUED, because the
// content identity has changed underneath the existing row.
func (s *MetadataStore) UpsertFileStub(ctx context.Context, stub core.FileStub) (int64, error) {
	var id int64
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		var existingID int64
		err := db.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, stub.Path).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			now := time.Now().Unix()
			res, insErr := db.ExecContext(ctx,
				`INSERT INTO files (path, original_path, processing_status, last_modified, created_at, file_type, file_size)
				   VALUES (?,?,?,?,?,?,?)`,
				stub.Path, stub.OriginalPath, string(core.StatusQueued), stub.LastModified.Unix(), now, string(stub.FileType), stub.FileSize,
			)
			if insErr != nil {
				return classify("upsert_file_stub", insErr)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return classify("upsert_file_stub", err)
			}
			return nil
		case err != nil:
			return classify("upsert_file_stub", err)
		default:
			_, updErr := db.ExecContext(ctx,
				`UPDATE files SET original_path = ?, processing_status = ?, summary_vector_blob = NULL,
				   suggested_category = '', suggested_filename = '', last_modified = ?, file_type = ?, file_size = ?
				   WHERE id = ?`,
				stub.OriginalPath, string(core.StatusQueued), stub.LastModified.Unix(), string(stub.FileType), stub.FileSize, existingID,
			)
			if updErr != nil {
				return classify("upsert_file_stub", updErr)
			}
			id = existingID
			return nil
		}
	})
	return id, err
}

// UpdateFileAIAnalysis persists the post-processing summary vector,
// suggested category/filename, and terminal status. Rejects vectors of
// the wrong dimension before touching the row.
func (s *MetadataStore) UpdateFileAIAnalysis(ctx context.Context, id int64, vector []float32, category, filename string, status core.ProcessingStatus) error {
	if len(vector) != core.VectorDim {
		return fmt.Errorf("update_file_ai_analysis: %w: got %d", ErrWrongDimension, len(vector))
	}
	sealed, err := s.sealBlob(encodeVector(vector))
	if err != nil {
		return fmt.Errorf("update_file_ai_analysis: %w", err)
	}
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE files SET summary_vector_blob = ?, suggested_category = ?, suggested_filename = ?, processing_status = ?, file_hash = file_hash
			   WHERE id = ?`,
			sealed, category, filename, string(status), id,
		)
		if err != nil {
			return classify("update_file_ai_analysis", err)
		}
		return nil
	})
}

// MarkFileFailed sets processing_status = FAILED and clears the
// summary vector and suggested fields, since they no longer correspond
// to any successfully processed content.
func (s *MetadataStore) MarkFileFailed(ctx context.Context, id int64) error {
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE files SET processing_status = ?, summary_vector_blob = NULL, suggested_category = '', suggested_filename = ''
			   WHERE id = ?`,
			string(core.StatusFailed), id,
		)
		if err != nil {
			return classify("mark_file_failed", err)
		}
		return nil
	})
}

// UpdateFileContentHash records the content hash computed by the
// extractor, independent of the AI analysis fields.
func (s *MetadataStore) UpdateFileContentHash(ctx context.Context, id int64, hash string) error {
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE files SET file_hash = ? WHERE id = ?`, hash, id)
		if err != nil {
			return classify("update_file_content_hash", err)
		}
		return nil
	})
}

// UpdateFileProcessingStatus is a narrow update that does not touch
// the vector or any AI-derived field.
func (s *MetadataStore) UpdateFileProcessingStatus(ctx context.Context, id int64, status core.ProcessingStatus) error {
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE files SET processing_status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return classify("update_file_processing_status", err)
		}
		return nil
	})
}

// UpsertChunkMetadata replaces the batch of chunks supplied for
// fileID, by (file_id, chunk_index), inside one transaction. An empty
// batch is a no-op.
func (s *MetadataStore) UpsertChunkMetadata(ctx context.Context, fileID int64, chunks []core.ProcessedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
			return classify("upsert_chunk_metadata", err)
		}
		committed := false
		defer func() {
			if !committed {
				_, _ = db.ExecContext(ctx, `ROLLBACK`)
			}
		}()
		for _, c := range chunks {
			sealedContent, err := s.sealBlob(c.CompressedContent)
			if err != nil {
				return fmt.Errorf("upsert_chunk_metadata: %w", err)
			}
			sealedVector, err := s.sealBlob(encodeVector(c.Vector))
			if err != nil {
				return fmt.Errorf("upsert_chunk_metadata: %w", err)
			}
			if _, err := db.ExecContext(ctx,
				`INSERT INTO chunks (file_id, chunk_index, content, vector_blob) VALUES (?,?,?,?)
				   ON CONFLICT(file_id, chunk_index) DO UPDATE SET content = excluded.content, vector_blob = excluded.vector_blob`,
				fileID, c.ChunkIndex, sealedContent, sealedVector,
			); err != nil {
				return classify("upsert_chunk_metadata", err)
			}
		}
		if _, err := db.ExecContext(ctx, `COMMIT`); err != nil {
			return classify("upsert_chunk_metadata", err)
		}
		committed = true
		return nil
	})
}

// UpdateFilePathIfExists renames a file row in place when oldPath is
// present; a missing oldPath is not an error. The watcher calls it
// from RenamePath; renames seen through fsnotify do not reach it.
func (s *MetadataStore) UpdateFilePathIfExists(ctx context.Context, oldPath, newPath string) error {
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE files SET path = ? WHERE path = ?`, newPath, oldPath)
		if err != nil {
			return classify("update_file_path_if_exists", err)
		}
		return nil
	})
}

// MarkRemovedIfExists deletes the file row for path, if present, along
// with its chunks (FK cascade) and its entry in the ANN index.
func (s *MetadataStore) MarkRemovedIfExists(ctx context.Context, path string) error {
	err := s.DeleteFileMetadata(ctx, path)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// GetFileMetadata looks up a file by path. Returns ErrNotFound if
// absent.
func (s *MetadataStore) GetFileMetadata(ctx context.Context, path string) (*core.File, error) {
	var f *core.File
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT id, path, original_path, file_hash, processing_status, summary_vector_blob,
			   suggested_category, suggested_filename, tags, last_modified, created_at, file_type, file_size
			   FROM files WHERE path = ?`, path)
		var err error
		f, err = s.scanFile(row)
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get_file_metadata", err)
	}
	return f, nil
}

// GetFileMetadataByID is the id-keyed counterpart of GetFileMetadata.
func (s *MetadataStore) GetFileMetadataByID(ctx context.Context, id int64) (*core.File, error) {
	var f *core.File
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT id, path, original_path, file_hash, processing_status, summary_vector_blob,
			   suggested_category, suggested_filename, tags, last_modified, created_at, file_type, file_size
			   FROM files WHERE id = ?`, id)
		var err error
		f, err = s.scanFile(row)
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get_file_metadata", err)
	}
	return f, nil
}

// ListAllFiles returns every file row.
func (s *MetadataStore) ListAllFiles(ctx context.Context) ([]core.File, error) {
	var files []core.File
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, path, original_path, file_hash, processing_status, summary_vector_blob,
			   suggested_category, suggested_filename, tags, last_modified, created_at, file_type, file_size
			   FROM files ORDER BY id ASC`)
		if err != nil {
			return classify("list_all_files", err)
		}
		defer rows.Close()
		for rows.Next() {
			f, err := s.scanFile(rows)
			if err != nil {
				return classify("list_all_files", err)
			}
			files = append(files, *f)
		}
		return classify("list_all_files", rows.Err())
	})
	return files, err
}

// DeleteFileMetadata removes the file row by path; chunks cascade via
// the foreign key. Also removes the file's id from the live ANN index.
func (s *MetadataStore) DeleteFileMetadata(ctx context.Context, path string) error {
	var deletedID int64
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path).Scan(&deletedID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return classify("delete_file_metadata", err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, deletedID); err != nil {
			return classify("delete_file_metadata", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.index.Remove(deletedID)
	return nil
}

// GetChunkMetadata is the bulk accessor supplemented from the original
// header's operation list (see SPEC_FULL.md SUPPLEMENTED FEATURES): it
// hydrates every chunk row owned by any of fileIDs.
func (s *MetadataStore) GetChunkMetadata(ctx context.Context, fileIDs []int64, decompress func([]byte) ([]byte, error)) ([]core.ChunkMetadata, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(fileIDs)*2)
	args := make([]any, 0, len(fileIDs))
	for i, id := range fileIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT id, file_id, chunk_index, content FROM chunks WHERE file_id IN (%s) ORDER BY file_id ASC, chunk_index ASC`, placeholders)

	var out []core.ChunkMetadata
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return classify("get_chunk_metadata", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cm      core.ChunkMetadata
				content []byte
			)
			if err := rows.Scan(&cm.ID, &cm.FileID, &cm.ChunkIndex, &content); err != nil {
				return classify("get_chunk_metadata", err)
			}
			opened, err := s.openBlob(content)
			if err != nil {
				return fmt.Errorf("get_chunk_metadata: open chunk %d: %w", cm.ID, err)
			}
			plain, err := decompress(opened)
			if err != nil {
				return fmt.Errorf("get_chunk_metadata: decompress chunk %d: %w", cm.ID, err)
			}
			cm.Content = string(plain)
			out = append(out, cm)
		}
		return classify("get_chunk_metadata", rows.Err())
	})
	return out, err
}

// SearchSimilarFiles returns at most min(k, index size) nearest
// neighbors of queryVec among file summary vectors, ordered by
// ascending distance. A file id present in the index but missing from
// the relational store (a db-missing-id condition) is skipped with a
// warning return value rather than failing the whole call.
func (s *MetadataStore) SearchSimilarFiles(ctx context.Context, queryVec []float32, k int) ([]core.FileSearchResult, []string, error) {
	if len(queryVec) != core.VectorDim {
		return nil, nil, fmt.Errorf("search_similar_files: %w: got %d", ErrWrongDimension, len(queryVec))
	}
	hits, err := s.index.Search(queryVec, k)
	if err != nil {
		return nil, nil, fmt.Errorf("search_similar_files: %w", err)
	}
	var (
		results  []core.FileSearchResult
		warnings []string
	)
	for _, h := range hits {
		f, err := s.GetFileMetadataByID(ctx, h.ID)
		if err == ErrNotFound {
			warnings = append(warnings, fmt.Sprintf("ann index referenced missing file id %d", h.ID))
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("search_similar_files: %w", err)
		}
		results = append(results, core.FileSearchResult{File: *f, Distance: h.Distance})
	}
	return results, warnings, nil
}

// SearchSimilarChunks searches the chunk-vector space restricted to
// fileIDs, computed at query time (not via a separate chunk ANN
// index — see the per-file-chunk-index open question). Results are
// unhydrated placeholders for content; call FillChunkMetadata or pass
// decompress to hydrate them in one step via GetChunkMetadata.
func (s *MetadataStore) SearchSimilarChunks(ctx context.Context, fileIDs []int64, queryVec []float32, k int) ([]core.ChunkSearchResult, error) {
	if len(queryVec) != core.VectorDim {
		return nil, fmt.Errorf("search_similar_chunks: %w: got %d", ErrWrongDimension, len(queryVec))
	}
	if len(fileIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(fileIDs)*2)
	args := make([]any, 0, len(fileIDs)+1)
	for i, id := range fileIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT id, file_id, chunk_index, vector_blob FROM chunks WHERE file_id IN (%s)`, placeholders)

	type candidate struct {
		id, fileID int64
		chunkIndex int
		vector     []float32
	}
	var candidates []candidate
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return classify("search_similar_chunks", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				c    candidate
				blob []byte
			)
			if err := rows.Scan(&c.id, &c.fileID, &c.chunkIndex, &blob); err != nil {
				return classify("search_similar_chunks", err)
			}
			plain, err := s.openBlob(blob)
			if err != nil {
				continue // skip malformed rows rather than failing the whole search
			}
			vec, err := decodeVector(plain, true)
			if err != nil {
				continue // skip malformed rows rather than failing the whole search
			}
			c.vector = vec
			candidates = append(candidates, c)
		}
		return classify("search_similar_chunks", rows.Err())
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		candidate
		dist float32
	}
	scoredRows := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		scoredRows = append(scoredRows, scored{candidate: c, dist: cosineDistance(queryVec, c.vector)})
	}
	sort.Slice(scoredRows, func(i, j int) bool { return scoredRows[i].dist < scoredRows[j].dist })
	if len(scoredRows) > k {
		scoredRows = scoredRows[:k]
	}

	results := make([]core.ChunkSearchResult, 0, len(scoredRows))
	for _, sr := range scoredRows {
		results = append(results, core.ChunkSearchResult{
			ID:         sr.id,
			Distance:   sr.dist,
			FileID:     sr.fileID,
			ChunkIndex: sr.chunkIndex,
		})
	}
	return results, nil
}

// FillChunkMetadata hydrates CompressedContent/FileID/ChunkIndex for
// every result whose ID is set. SearchSimilarChunks returns results
// without content, and the search service fills them in with this.
func (s *MetadataStore) FillChunkMetadata(ctx context.Context, results []core.ChunkSearchResult) error {
	return s.pool.WithConn(ctx, func(db *sql.DB) error {
		for i := range results {
			if results[i].ID == 0 {
				continue
			}
			var content []byte
			err := db.QueryRowContext(ctx, `SELECT file_id, chunk_index, content FROM chunks WHERE id = ?`, results[i].ID).
				Scan(&results[i].FileID, &results[i].ChunkIndex, &content)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return classify("fill_chunk_metadata", err)
			}
			plain, err := s.openBlob(content)
			if err != nil {
				return fmt.Errorf("fill_chunk_metadata: open chunk %d: %w", results[i].ID, err)
			}
			results[i].CompressedContent = plain
		}
		return nil
	})
}

// RebuildIndex drops the existing ANN index and bulk-inserts every
// (id, vector) pair from files whose sealed summary_vector_blob is
// exactly core.VectorDim*4 + cryptoenv.Overhead bytes.
func (s *MetadataStore) RebuildIndex(ctx context.Context) error {
	var entries []annidx.Entry
	err := s.pool.WithConn(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, summary_vector_blob FROM files WHERE summary_vector_blob IS NOT NULL AND length(summary_vector_blob) = ?`,
			core.VectorDim*4+cryptoenv.Overhead,
		)
		if err != nil {
			return classify("rebuild_faiss_index", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id   int64
				blob []byte
			)
			if err := rows.Scan(&id, &blob); err != nil {
				return classify("rebuild_faiss_index", err)
			}
			plain, err := s.openBlob(blob)
			if err != nil {
				continue
			}
			vec, err := decodeVector(plain, true)
			if err != nil {
				continue
			}
			entries = append(entries, annidx.Entry{ID: id, Vector: vec})
		}
		return classify("rebuild_faiss_index", rows.Err())
	})
	if err != nil {
		return err
	}
	s.index.Rebuild(entries)
	return nil
}

// IndexSize reports how many vectors the live ANN index holds.
func (s *MetadataStore) IndexSize() int { return s.index.Len() }

func (s *MetadataStore) scanFile(row scanner) (*core.File, error) {
	var (
		f                 core.File
		status            string
		vectorBlob        []byte
		lastModifiedUnix  int64
		createdAtUnix     int64
		fileType          string
	)
	if err := row.Scan(&f.ID, &f.Path, &f.OriginalPath, &f.ContentHash, &status, &vectorBlob,
		&f.SuggestedCategory, &f.SuggestedFilename, &f.Tags, &lastModifiedUnix, &createdAtUnix, &fileType, &f.FileSize); err != nil {
		return nil, err
	}
	f.ProcessingStatus = core.ProcessingStatus(status)
	f.FileType = core.FileType(fileType)
	f.LastModified = time.Unix(lastModifiedUnix, 0).UTC()
	f.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	if len(vectorBlob) > 0 {
		if plain, err := s.openBlob(vectorBlob); err == nil {
			if vec, err := decodeVector(plain, true); err == nil {
				f.SummaryVector = vec
			}
		}
	}
	return &f, nil
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
