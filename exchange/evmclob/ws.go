package evmclob

// ws.go: live midpoint feed.
//
// Subscribes to the venue's market channel over websocket and keeps a small
// price cache keyed by token id. GetMidpoint consults the cache first; stale
// entries (older than priceTTL) fall through to REST.

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	priceTTL       = 10 * time.Second
)

type cachedPrice struct {
	mid decimal.Decimal
	at  time.Time
}

// priceCache holds the latest midpoint per token id.
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

func newPriceCache() *priceCache {
	return &priceCache{prices: make(map[string]cachedPrice)}
}

// Get returns a midpoint only while it is fresh.
func (p *priceCache) Get(tokenID string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp, ok := p.prices[tokenID]
	if !ok || time.Since(cp.at) > priceTTL {
		return decimal.Zero, false
	}
	return cp.mid, true
}

func (p *priceCache) Set(tokenID string, mid decimal.Decimal) {
	p.mu.Lock()
	p.prices[tokenID] = cachedPrice{mid: mid, at: time.Now()}
	p.mu.Unlock()
}

// Feed maintains the websocket connection and fills the price cache.
type Feed struct {
	mu sync.Mutex

	wsURL  string
	cache  *priceCache
	conn   *websocket.Conn
	stopCh chan struct{}

	running bool
	tokens  map[string]struct{}
}

// StartFeed connects the live price feed. No-op when no websocket URL is
// configured; GetMidpoint then always uses REST.
func (c *Client) StartFeed() {
	if c.wsURL == "" {
		return
	}
	if c.feed == nil {
		c.feed = &Feed{
			wsURL:  c.wsURL,
			cache:  c.prices,
			stopCh: make(chan struct{}),
			tokens: make(map[string]struct{}),
		}
	}
	c.feed.Start()
}

// StopFeed tears down the websocket connection.
func (c *Client) StopFeed() {
	if c.feed != nil {
		c.feed.Stop()
	}
}

// WatchToken adds a token to the live subscription set.
func (c *Client) WatchToken(tokenID string) {
	if c.feed != nil {
		c.feed.Watch(tokenID)
	}
}

// Start begins the connection loop.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.wsURL).Msg("📡 Price feed started")
}

// Stop closes the connection and halts reconnects.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Price feed stopped")
}

// Watch subscribes to one token's market channel.
func (f *Feed) Watch(tokenID string) {
	f.mu.Lock()
	f.tokens[tokenID] = struct{}{}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.subscribe(conn, []string{tokenID})
	}
}

func (f *Feed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Feed connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	tokens := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		tokens = append(tokens, t)
	}
	f.mu.Unlock()

	log.Info().Msg("🔌 Price feed connected")

	if len(tokens) > 0 {
		f.subscribe(conn, tokens)
	}
	go f.pingLoop(conn)
	return nil
}

func (f *Feed) subscribe(conn *websocket.Conn, tokens []string) {
	msg := map[string]any{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokens,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("Feed subscribe failed")
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

func (f *Feed) readLoop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Feed read error")
			return
		}
		f.processMessage(message)
	}
}

func (f *Feed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		if msg.AssetID == "" {
			continue
		}
		switch msg.EventType {
		case "price_change", "last_trade_price":
			if mid, err := decimal.NewFromString(msg.Price); err == nil && mid.IsPositive() {
				f.cache.Set(msg.AssetID, mid)
			}
		case "book":
			bid, berr := decimal.NewFromString(msg.BestBid)
			ask, aerr := decimal.NewFromString(msg.BestAsk)
			if berr == nil && aerr == nil && bid.IsPositive() && ask.IsPositive() {
				f.cache.Set(msg.AssetID, bid.Add(ask).Div(decimal.NewFromInt(2)))
			}
		}
	}
}
