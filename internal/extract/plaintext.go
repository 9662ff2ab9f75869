package extract

import (
	"regexp"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

var blankLinePattern = regexp.MustCompile(`\n\s*\n`)

// PlainTextExtractor splits text on one-or-more blank lines, then
// applies the shared merge/emit policy.
type PlainTextExtractor struct{}

func (PlainTextExtractor) FileType() core.FileType { return core.FileTypeText }

func (e PlainTextExtractor) Extract(content string) (Result, error) {
	sections := blankLinePattern.Split(content, -1)
	merged := mergeSections(sections)
	return hashAndEmit(content, merged, core.FileTypeText), nil
}
