package search

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMakeSnippetShortContentVerbatim(t *testing.T) {
	s := makeSnippet("short message", "message")
	assert.Equal(t, "short message", s)
}

func TestMakeSnippetCentersOnFirstTerm(t *testing.T) {
	content := strings.Repeat("pad ", 100) + "needle in the haystack " + strings.Repeat("pad ", 100)
	s := makeSnippet(content, "needle")
	assert.Contains(t, s, "needle")
	assert.True(t, strings.HasPrefix(s, "…"))
	assert.True(t, strings.HasSuffix(s, "…"))
	assert.LessOrEqual(t, utf8.RuneCountInString(s), snippetWidth+2)
}

func TestMakeSnippetNoTermFallsBackToStart(t *testing.T) {
	content := "leading words first " + strings.Repeat("filler ", 80)
	s := makeSnippet(content, "absent")
	assert.True(t, strings.HasPrefix(s, "leading words first"))
	assert.True(t, strings.HasSuffix(s, "…"))
}

func TestMakeSnippetKeepsRuneBoundaries(t *testing.T) {
	content := strings.Repeat("héllø wörld ", 60)
	s := makeSnippet(content, "wörld")
	assert.True(t, utf8.ValidString(s))
	assert.Contains(t, s, "wörld")
}
