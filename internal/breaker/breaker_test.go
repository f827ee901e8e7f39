package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreeFailures(t *testing.T) {
	b := New()
	assert.Equal(t, Closed, b.State())

	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State(), "two failures must not trip the breaker")

	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreaker_ClosedResetsOnSuccess(t *testing.T) {
	b := New()
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.State(), "a success resets the consecutive-failure count")
}

func TestBreaker_HalfOpenClosesOnTwoSuccesses(t *testing.T) {
	b := New()
	b.state = HalfOpen

	b.Success()
	assert.Equal(t, HalfOpen, b.State(), "one success keeps it half_open")

	b.Success()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := New()
	b.state = HalfOpen

	b.Failure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ManualReset(t *testing.T) {
	b := New()
	b.Failure()
	b.Failure()
	b.Failure()
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_ReconnectSucceedsEventually(t *testing.T) {
	b := New()
	attempts := 0

	err := b.Reconnect(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial failed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_ReconnectRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Reconnect(ctx, func(ctx context.Context) error {
		return errors.New("should not be retried")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
