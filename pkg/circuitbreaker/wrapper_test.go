package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapper_TripsAfterFailureRatio(t *testing.T) {
	w := NewWrapper(DefaultConfig("test-trip").WithSettings(1, time.Minute, time.Minute, 0.5, 2))
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	assert.True(t, w.IsOpen())
	_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) { return "never", nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestWrapper_CancellationIsNotAFailure(t *testing.T) {
	w := NewWrapper(DefaultConfig("test-cancel").WithSettings(1, time.Minute, time.Minute, 0.5, 1))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := w.ExecuteWithContext(ctx, func() (interface{}, error) {
		cancel()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, w.State())
	assert.Equal(t, uint32(0), w.Counts().TotalFailures)
}

func TestWrapper_IsSuccessful(t *testing.T) {
	ignored := errors.New("client error")
	cfg := DefaultConfig("test-success").WithSettings(1, time.Minute, time.Minute, 0.5, 1)
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, ignored) }
	w := NewWrapper(cfg)

	_, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) { return nil, ignored })
	assert.ErrorIs(t, err, ignored)
	assert.False(t, w.IsOpen())
}
