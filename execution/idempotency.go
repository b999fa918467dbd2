// Package execution submits orders, confirms fills, and reconciles local
// positions against exchange state.
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

const idempotencyTTL = 60 * time.Second

// IdempotencyKey derives a stable key for one order intent. The credential
// hash scopes the key per account so two accounts placing the same order are
// distinct; the time bucket lets a genuine re-entry through after the TTL.
func IdempotencyKey(credHash, tokenID string, side types.Side, price, size decimal.Decimal, at time.Time) string {
	bucket := at.Unix() / int64(idempotencyTTL.Seconds())
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		credHash, tokenID, side, price.StringFixed(4), size.StringFixed(4), bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type cachedOrder struct {
	order *exchange.Order // nil while a submission holds the key unresolved
	at    time.Time
}

// orderCache is the process-wide recent-orders map. It spans all engines so
// a duplicate submission is suppressed even across users sharing an account.
type orderCache struct {
	mu     sync.Mutex
	orders map[string]cachedOrder
}

var recentOrders = &orderCache{orders: make(map[string]cachedOrder)}

// Get returns the cached order for a key while it is inside the TTL.
func (c *orderCache) Get(key string) (*exchange.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	co, ok := c.orders[key]
	if !ok || co.order == nil || time.Since(co.at) > idempotencyTTL {
		return nil, false
	}
	return co.order, true
}

// Claim reserves a key before the order goes out. The reservation must exist
// before submission: an order accepted by the venue whose response is lost in
// transit would otherwise leave no trace, and a retry inside the bucket would
// place it twice. Claim returns the resolved order when a previous submission
// finished, claimed=true when the caller now owns the key, and (nil, false)
// when another submission holds it unresolved.
func (c *orderCache) Claim(key string) (*exchange.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	co, ok := c.orders[key]
	if ok && time.Since(co.at) <= idempotencyTTL {
		return co.order, false
	}
	c.orders[key] = cachedOrder{at: time.Now()}
	return nil, true
}

// Release frees a claim whose order definitely never reached the exchange.
func (c *orderCache) Release(key string) {
	c.mu.Lock()
	delete(c.orders, key)
	c.mu.Unlock()
}

// Put stores an order result and prunes expired entries.
func (c *orderCache) Put(key string, order *exchange.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, co := range c.orders {
		if now.Sub(co.at) > idempotencyTTL {
			delete(c.orders, k)
		}
	}
	c.orders[key] = cachedOrder{order: order, at: now}
}
