package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowc/pkg/schema"
)

// IsRetryableError classifies whether a failed attempt should be retried.
// Cancellation and compile-class errors never retry; attempt timeouts and
// plain execution failures do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fErr *schema.FlowcError
	if errors.As(err, &fErr) {
		switch fErr.Code {
		case schema.ErrCodeCancelled, schema.ErrCodeValidation,
			schema.ErrCodeStructural, schema.ErrCodeUnsupportedPolicy,
			schema.ErrCodeParameter, schema.ErrCodeExecution:
			return false
		}
	}
	return true
}

// WaitForBackoff sleeps for the retry delay or returns early if the context
// is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
