package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindAuth, KindForStatus(401))
	assert.Equal(t, KindAuth, KindForStatus(403))
	assert.Equal(t, KindRateLimit, KindForStatus(429))
	assert.Equal(t, KindConflict, KindForStatus(409))
	assert.Equal(t, KindValidation, KindForStatus(400))
	assert.Equal(t, KindValidation, KindForStatus(422))
	assert.Equal(t, KindTransport, KindForStatus(500))
	assert.Equal(t, KindTransport, KindForStatus(503))
}

func TestKindOfUntaggedDefaultsTransport(t *testing.T) {
	assert.Equal(t, KindTransport, KindOf(errors.New("dial tcp: timeout")))
}

func TestKindOfUnwrapsTaggedError(t *testing.T) {
	inner := NewError(KindAuth, "clob_rest", "get_balance", errors.New("bad key"))
	wrapped := fmt.Errorf("sweep failed: %w", inner)
	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindAuth))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewError(KindTransport, "v", "op", errors.New("reset"))))
	assert.True(t, Retryable(NewError(KindRateLimit, "v", "op", errors.New("429"))))
	assert.False(t, Retryable(NewError(KindValidation, "v", "op", errors.New("bad price"))))
	assert.False(t, Retryable(NewError(KindAuth, "v", "op", errors.New("expired"))))
	assert.False(t, Retryable(NewError(KindConflict, "v", "op", errors.New("dup"))))
	assert.False(t, Retryable(NewError(KindInsufficientBalance, "v", "op", errors.New("broke"))))
	assert.False(t, Retryable(NewError(KindFatal, "v", "op", errors.New("panic"))))
}

func TestErrorString(t *testing.T) {
	err := NewError(KindRateLimit, "evm_clob", "place_order", errors.New("too many requests"))
	assert.Contains(t, err.Error(), "evm_clob")
	assert.Contains(t, err.Error(), "place_order")

	bare := &Error{Kind: KindAuth, Venue: "clob_rest", Op: "sign"}
	assert.Contains(t, bare.Error(), "auth")
}
