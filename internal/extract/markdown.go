package extract

import (
	"regexp"

	"github.com/cgorski03/magic-folder-sub000/internal/core"
)

var headingPattern = regexp.MustCompile(`(?m)^#+\s.*$`)

// MarkdownExtractor splits text at heading lines (any level), then
// applies the shared merge/emit policy to the resulting sections.
type MarkdownExtractor struct{}

func (MarkdownExtractor) FileType() core.FileType { return core.FileTypeMarkdown }

func (e MarkdownExtractor) Extract(content string) (Result, error) {
	sections := splitAtHeadings(content)
	merged := mergeSections(sections)
	return hashAndEmit(content, merged, core.FileTypeMarkdown), nil
}

// splitAtHeadings breaks content into sections starting at each
// heading line; any text before the first heading is its own leading
// section.
func splitAtHeadings(content string) []string {
	locs := headingPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return []string{content}
	}
	var sections []string
	if locs[0][0] > 0 {
		sections = append(sections, content[:locs[0][0]])
	}
	for i, loc := range locs {
		start := loc[0]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, content[start:end])
	}
	return sections
}
