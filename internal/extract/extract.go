// Package extract turns raw file bytes into an ordered sequence of
// chunks plus a content hash, dispatching by path extension. Extractors
// work on content the caller has already read and decoded; they do no
// file I/O of their own.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cgorski03/magic-folder-sub000/internal/codec"
	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

// Token-approximated size policy: ~3.5 chars per token.
const (
	charsPerToken = 3.5
	minTokens     = 32
	maxTokens     = 512
	fixedTokens   = 384
	overlapTokens = 50
)

func tokensToChars(tokens int) int { return int(float64(tokens) * charsPerToken) }

var (
	minChars     = tokensToChars(minTokens)
	maxChars     = tokensToChars(maxTokens)
	fixedChars   = tokensToChars(fixedTokens)
	overlapChars = tokensToChars(overlapTokens)
)

// Chunk is one ordered slice of a file's extracted text, not yet
// embedded or compressed.
type Chunk struct {
	ChunkIndex int
	Content    string
}

// Result is what a single extractor call produces for one file.
type Result struct {
	ContentHash string
	Chunks      []Chunk
	FileType    core.FileType
}

// ErrUnsupportedExtension is returned by Dispatch when no extractor
// claims the path's extension.
var ErrUnsupportedExtension = fmt.Errorf("extract: no extractor for this file extension")

// Extractor turns decoded text into {hash, chunks, file_type}.
type Extractor interface {
	FileType() core.FileType
	Extract(content string) (Result, error)
}

// Dispatch picks an extractor by path's extension and runs it against
// content (already decoded as UTF-8 text by the caller).
func Dispatch(path string, content string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return (MarkdownExtractor{}).Extract(content)
	case ".txt", ".text", ".log", ".rst":
		return (PlainTextExtractor{}).Extract(content)
	default:
		return Result{}, fmt.Errorf("extract: %q: %w", ext, ErrUnsupportedExtension)
	}
}

// hashAndEmit builds a Result from already-merged sections, hashing
// the full decoded content exactly once.
func hashAndEmit(content string, sections []string, fileType core.FileType) Result {
	chunks := make([]Chunk, 0, len(sections))
	for i, s := range sections {
		chunks = append(chunks, Chunk{ChunkIndex: i, Content: s})
	}
	return Result{
		ContentHash: codec.HashContent(content),
		Chunks:      chunks,
		FileType:    fileType,
	}
}

// mergeSections implements the shared merge/emit policy: sections
// accumulate until they reach minChars; once the accumulator is within
// maxChars it's emitted as-is, otherwise it's re-split via the fixed
// fallback. The final accumulator is always emitted, even under
// minChars (the "last-section rule").
func mergeSections(rawSections []string) []string {
	var out []string
	var acc strings.Builder

	flush := func() {
		if acc.Len() == 0 {
			return
		}
		text := acc.String()
		if len(text) <= maxChars {
			out = append(out, text)
		} else {
			out = append(out, fixedSplit(text)...)
		}
		acc.Reset()
	}

	for _, sec := range rawSections {
		sec = strings.TrimSpace(sec)
		if sec == "" {
			continue
		}
		if acc.Len() > 0 {
			acc.WriteString("\n\n")
		}
		acc.WriteString(sec)
		if acc.Len() >= minChars {
			flush()
		}
	}
	flush() // last-section rule: always emit the residual accumulator
	return out
}

// fixedSplit is the UTF-8-safe sliding-window fallback splitter. It
// never splits inside a multi-byte rune, and always emits a non-empty
// final remainder.
func fixedSplit(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := fixedChars - overlapChars
	if step <= 0 {
		step = fixedChars
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + fixedChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
