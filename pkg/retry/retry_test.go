package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	var retries []int
	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("broker down")
	}, func(attempt int, err error, next time.Duration) {
		retries = append(retries, attempt)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Contains(t, err.Error(), "broker down")
}

func TestRetry_FatalStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewFatalError(errors.New("bad credentials"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, Policy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second}, func() error {
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSequenceBackOff(t *testing.T) {
	b := NewSequenceBackOff(20*time.Second, 30*time.Second)

	assert.Equal(t, 20*time.Second, b.NextBackOff())
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 20*time.Second, b.NextBackOff())
	assert.Equal(t, 2, b.Len())
}

func TestDo_WithSequence(t *testing.T) {
	calls := 0
	err := Do(context.Background(), NewSequenceBackOff(time.Millisecond, time.Millisecond), func() error {
		calls++
		return errors.New("503")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
