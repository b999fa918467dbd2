package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("test")

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := NewBreaker("test")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "success must reset the consecutive count")
}

func TestBreakerHalfClosesAfterCooldown(t *testing.T) {
	b := NewBreaker("test")
	b.cooldown = 10 * time.Millisecond

	for i := 0; i < DefaultBreakerThreshold; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(), "breaker past cooldown lets the probe call through")
	assert.False(t, b.IsOpen())
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "v", "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewError(KindTransport, "v", "op", errors.New("reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "v", "op", func(ctx context.Context) error {
		calls++
		return NewError(KindValidation, "v", "op", errors.New("bad size"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindValidation))
}

func TestDoFailsFastWhenBreakerOpen(t *testing.T) {
	b := NewBreaker("v")
	for i := 0; i < DefaultBreakerThreshold; i++ {
		b.RecordFailure()
	}

	calls := 0
	err := Do(context.Background(), b, "v", "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.True(t, IsKind(err, KindTransport))
}
