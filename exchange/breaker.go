package exchange

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Fail fast when a venue is misbehaving
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens
	// the breaker.
	DefaultBreakerThreshold = 3
	// DefaultBreakerCooldown is how long calls fail fast once open.
	DefaultBreakerCooldown = 30 * time.Second
)

// Breaker is a per-adapter circuit breaker. Three consecutive transport
// failures open it for the cooldown window; during that window calls fail
// fast with a transport-tagged error instead of hitting the network.
type Breaker struct {
	mu sync.Mutex

	venue     string
	threshold int
	cooldown  time.Duration

	consecutive int
	openedAt    time.Time
	open        bool
}

// NewBreaker creates a breaker with the default threshold and cooldown.
func NewBreaker(venue string) *Breaker {
	return &Breaker{
		venue:     venue,
		threshold: DefaultBreakerThreshold,
		cooldown:  DefaultBreakerCooldown,
	}
}

// Allow reports whether a call may proceed. A breaker past its cooldown
// half-closes: the next call is let through and its result decides.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.open = false
		b.consecutive = 0
		log.Info().Str("venue", b.venue).Msg("Circuit breaker half-closed")
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
}

// RecordFailure counts a transport failure and opens the breaker at the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	if b.consecutive >= b.threshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
		log.Warn().
			Str("venue", b.venue).
			Int("consecutive_failures", b.consecutive).
			Dur("cooldown", b.cooldown).
			Msg("🚨 CIRCUIT BREAKER OPEN")
	}
}

// IsOpen returns the current breaker state without side effects.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && time.Since(b.openedAt) < b.cooldown
}
