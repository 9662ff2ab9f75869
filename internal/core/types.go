// Package core holds the domain types shared by every layer of the
// indexing pipeline: files, chunks, tasks and search results. The
// storage error kinds live in internal/store.
package core

import "time"

// VectorDim is the fixed embedding dimensionality the whole store is
// built around. Changing it requires rebuilding every persisted vector,
// so it is a compile-time constant rather than a runtime config value.
const VectorDim = 1024

// FileType classifies a File by how its content was extracted.
type FileType string

const (
	FileTypeText     FileType = "Text"
	FileTypeMarkdown FileType = "Markdown"
	FileTypeCode     FileType = "Code"
	FileTypePDF      FileType = "PDF"
	FileTypeUnknown  FileType = "Unknown"
)

// ProcessingStatus is the lifecycle state of a File.
type ProcessingStatus string

const (
	StatusQueued     ProcessingStatus = "QUEUED"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusProcessed  ProcessingStatus = "PROCESSED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// File is the relational row plus its optional summary embedding.
type File struct {
	ID                 int64
	Path               string
	OriginalPath       string
	ContentHash        string
	FileType           FileType
	FileSize           int64
	CreatedAt          time.Time
	LastModified       time.Time
	ProcessingStatus   ProcessingStatus
	Tags               string
	SummaryVector      []float32 // nil if absent
	SuggestedCategory  string
	SuggestedFilename  string
}

// FileStub is the minimal data the watcher/API has about a file before
// it has been processed.
type FileStub struct {
	Path         string
	OriginalPath string
	FileType     FileType
	FileSize     int64
	LastModified time.Time
}

// Chunk is a persisted, embedded slice of a File's extracted text.
type Chunk struct {
	ID                int64
	FileID            int64
	ChunkIndex         int
	CompressedContent []byte
	Vector            []float32
}

// ChunkMetadata is a hydrated chunk row returned by bulk lookups.
type ChunkMetadata struct {
	ID         int64
	FileID     int64
	ChunkIndex int
	Content    string
}

// ProcessedChunk is what the extraction+embedding stage produces for a
// single chunk before it is flushed to storage.
type ProcessedChunk struct {
	ChunkIndex        int
	CompressedContent []byte
	Vector            []float32
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// TaskType tags what pipeline a Task dispatches to. REINDEX_FILE and
// PROCESS_FILE run the identical pipeline; the tag exists purely for
// observability (see the task-dispatch design note).
type TaskType string

const (
	TaskProcessFile TaskType = "PROCESS_FILE"
	TaskReindexFile TaskType = "REINDEX_FILE"
)

// Default priorities used by the watcher when it enqueues work.
const (
	PriorityProcess = 10
	PriorityReindex = 8
)

// Task is a durable unit of work claimed by exactly one worker.
type Task struct {
	ID           int64
	TaskType     TaskType
	TargetPath   string
	Status       TaskStatus
	Priority     int
	ErrorMessage string
	AttemptCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FileSearchResult is one hit from a nearest-neighbor search over file
// summary vectors.
type FileSearchResult struct {
	File     File
	Distance float32
}

// ChunkSearchResult is one hit from a nearest-neighbor search over chunk
// vectors, restricted to a candidate set of file ids.
type ChunkSearchResult struct {
	ID                int64
	Distance          float32
	FileID            int64
	ChunkIndex        int
	CompressedContent []byte
}
