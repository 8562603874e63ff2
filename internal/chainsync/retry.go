package chainsync

import (
	"context"
	"fmt"
)

// RetryPolicy is a bounded retry loop shared by the sync engines.
type RetryPolicy struct {
	// MaxAttempts bounds how often op runs, including the first attempt.
	MaxAttempts int
}

// DefaultRetryPolicy matches the bound used for re-requesting a block
// window after a validation failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5}
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// context is done, or MaxAttempts is reached. A nil retryable treats no
// error as retryable. On exhaustion the last error is returned wrapped
// with the attempt count.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error, retryable func(error) bool) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: MaxAttempts must be at least 1, got %d", p.MaxAttempts)
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = op(attempt); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, err)
}
