package chainsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyStopsAtMaxAttempts(t *testing.T) {
	errFlaky := errors.New("flaky")
	policy := RetryPolicy{MaxAttempts: 5}

	calls := 0
	err := policy.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errFlaky
	}, func(err error) bool { return true })

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 5, calls)
}

func TestRetryPolicySucceedsMidway(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5}

	calls := 0
	err := policy.Do(context.Background(), func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(err error) bool { return true })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyNonRetryableStopsImmediately(t *testing.T) {
	errFatal := errors.New("fatal")
	policy := RetryPolicy{MaxAttempts: 5}

	calls := 0
	err := policy.Do(context.Background(), func(attempt int) error {
		calls++
		return errFatal
	}, func(err error) bool { return false })

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 100}

	calls := 0
	err := policy.Do(ctx, func(attempt int) error {
		calls++
		cancel()
		return errors.New("keep going")
	}, func(err error) bool { return true })

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRejectsZeroAttempts(t *testing.T) {
	err := RetryPolicy{}.Do(context.Background(), func(int) error { return nil }, nil)
	require.Error(t, err)
}
