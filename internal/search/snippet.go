package search

import (
	"strings"
	"unicode/utf8"
)

const snippetWidth = 160

// makeSnippet extracts a window of content around the first occurrence
// of a query term, keeping rune boundaries intact.
func makeSnippet(content, query string) string {
	if utf8.RuneCountInString(content) <= snippetWidth {
		return content
	}

	lower := strings.ToLower(content)
	at := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at < 0 {
		at = 0
	}

	start := at - snippetWidth/3
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}

	end := start
	runes := 0
	for end < len(content) && runes < snippetWidth {
		_, w := utf8.DecodeRuneInString(content[end:])
		end += w
		runes++
	}

	snip := strings.TrimSpace(content[start:end])
	if start > 0 {
		snip = "…" + snip
	}
	if end < len(content) {
		snip += "…"
	}
	return snip
}
