package store

import (
	"context"
	"time"

	"github.com/cass-search/cass/internal/cerr"
)

// retry policy for the Locked condition: bounded backoff before the error
// is surfaced to the caller.
const (
	retryAttempts = 5
	retryBase     = 50 * time.Millisecond
)

// WithRetry runs fn, retrying with exponential backoff while it returns a
// retryable error. The last error is surfaced unchanged once attempts are
// exhausted or ctx is done.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !cerr.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
