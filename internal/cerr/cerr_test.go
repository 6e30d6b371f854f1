package cerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPropagatesThroughWrapping(t *testing.T) {
	base := New(Locked, errors.New("database is locked"))
	wrapped := fmt.Errorf("indexing: %w", base)

	assert.Equal(t, Locked, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHintsCarryRemediation(t *testing.T) {
	err := New(DataCorruption, errors.New("integrity check failed"))
	assert.NotEmpty(t, err.Hint)
	assert.False(t, err.Retryable)

	err = New(IncompatibleVersion, errors.New("format v9"))
	assert.NotEmpty(t, err.Hint)
}

func TestNewfFormats(t *testing.T) {
	err := Newf(UsageError, "bad limit %d", -1)
	assert.Equal(t, UsageError, KindOf(err))
	assert.Contains(t, err.Error(), "bad limit -1")
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(IndexMissing, errors.New("no index")))
	assert.True(t, errors.Is(err, &Error{Kind: IndexMissing}))
	assert.False(t, errors.Is(err, &Error{Kind: Locked}))
}
