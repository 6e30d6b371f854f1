// Package cerr defines the error taxonomy surfaced by the cass core.
// Every externally visible failure carries a machine-readable kind, a
// human remediation hint, and a retryable flag so callers can automate
// recovery.
package cerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error condition.
type Kind string

const (
	// IndexMissing means no index is present; the caller should run a full index.
	IndexMissing Kind = "index_missing"

	// DataCorruption means a store or index failed an integrity check.
	// Never auto-recovered; the only remedy is a forced full rebuild.
	DataCorruption Kind = "data_corruption"

	// IncompatibleVersion means an on-disk format is newer or older than
	// this build supports.
	IncompatibleVersion Kind = "incompatible_version"

	// Locked means another writer holds the index lock. Retryable.
	Locked Kind = "locked"

	// PartialResult means a query timed out before completing; the result
	// is valid but incomplete.
	PartialResult Kind = "partial_result"

	// UsageError means the caller supplied invalid parameters.
	UsageError Kind = "usage_error"
)

// Error is the concrete error type carried across the core's boundaries.
type Error struct {
	Kind      Kind
	Hint      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can use errors.Is with sentinel errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	switch kind {
	case IndexMissing:
		e.Hint = "run 'cass index -full' to build the index"
	case DataCorruption:
		e.Hint = "index is corrupt; run 'cass index -rebuild' to rebuild it"
	case IncompatibleVersion:
		e.Hint = "on-disk format version not supported by this build; run 'cass index -rebuild'"
	case Locked:
		e.Hint = "another indexer is running; retry after backoff"
		e.Retryable = true
	case PartialResult:
		e.Hint = "query timed out; results are valid but incomplete"
	case UsageError:
		e.Hint = "invalid parameters"
	}
	return e
}

// Newf constructs an Error of the given kind from a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// KindOf returns the kind of err, or "" if err carries no taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
