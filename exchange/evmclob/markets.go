package evmclob

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
)

type wireToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"` // "Yes" or "No"
	Price   float64 `json:"price"`
}

type wireMarket struct {
	ConditionID   string      `json:"condition_id"`
	QuestionID    string      `json:"question_id"`
	Question      string      `json:"question"`
	Description   string      `json:"description"`
	MarketSlug    string      `json:"market_slug"`
	Tags          []string    `json:"tags"`
	Tokens        []wireToken `json:"tokens"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
	AcceptingOrders bool      `json:"accepting_orders"`
	EndDateISO    string      `json:"end_date_iso"`
	GameStartTime string      `json:"game_start_time"`
	MinTickSize   string      `json:"minimum_tick_size"`
	Liquidity     string      `json:"liquidity"`
	Volume24h     string      `json:"volume_24hr"`
}

type marketsResponse struct {
	Data       []wireMarket `json:"data"`
	NextCursor string       `json:"next_cursor"`
	Count      int          `json:"count"`
}

// GetMarkets fetches one page of /markets. Closed markets are filtered out
// here so discovery never sees them.
func (c *Client) GetMarkets(ctx context.Context, filter exchange.MarketFilter) (exchange.MarketPage, error) {
	q := url.Values{}
	if filter.Cursor != "" {
		q.Set("next_cursor", filter.Cursor)
	}

	path := "/markets"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp marketsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return exchange.MarketPage{}, err
	}

	markets := make([]exchange.Market, 0, len(resp.Data))
	for _, wm := range resp.Data {
		if wm.Closed || !wm.Active {
			continue
		}
		m := normalizeMarket(wm)
		if filter.Series != "" && m.SeriesTag != filter.Series {
			continue
		}
		markets = append(markets, m)
		if filter.Limit > 0 && len(markets) >= filter.Limit {
			break
		}
	}

	// The venue signals the end of the listing with "LTE=" (-1 in base64).
	next := resp.NextCursor
	if next == "LTE=" {
		next = ""
	}
	return exchange.MarketPage{Markets: markets, NextCursor: next}, nil
}

// GetMarket fetches one market by condition id.
func (c *Client) GetMarket(ctx context.Context, id string) (*exchange.Market, error) {
	var wm wireMarket
	if err := c.get(ctx, "/markets/"+id, &wm); err != nil {
		return nil, err
	}
	m := normalizeMarket(wm)
	return &m, nil
}

type wireBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market string          `json:"market"`
	Bids   []wireBookLevel `json:"bids"`
	Asks   []wireBookLevel `json:"asks"`
}

// GetOrderBook returns both sides for one token, best price first. The wire
// book lists bids ascending, so they are reversed.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
	var resp bookResponse
	if err := c.get(ctx, "/book?token_id="+url.QueryEscape(tokenID), &resp); err != nil {
		return nil, err
	}

	book := &exchange.OrderBook{}
	for i := len(resp.Bids) - 1; i >= 0; i-- {
		lvl, err := parseLevel(resp.Bids[i])
		if err != nil {
			return nil, exchange.NewError(exchange.KindValidation, venueName, "order_book", err)
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, wl := range resp.Asks {
		lvl, err := parseLevel(wl)
		if err != nil {
			return nil, exchange.NewError(exchange.KindValidation, venueName, "order_book", err)
		}
		book.Asks = append(book.Asks, lvl)
	}
	return book, nil
}

type midpointResponse struct {
	Mid string `json:"mid"`
}

// GetMidpoint prefers the websocket price cache when it holds a fresh value
// and falls back to the REST midpoint endpoint.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if mid, ok := c.prices.Get(tokenID); ok {
		return mid, nil
	}

	var resp midpointResponse
	if err := c.get(ctx, "/midpoint?token_id="+url.QueryEscape(tokenID), &resp); err != nil {
		return decimal.Zero, err
	}
	mid, err := decimal.NewFromString(resp.Mid)
	if err != nil {
		return decimal.Zero, exchange.NewError(exchange.KindValidation, venueName, "midpoint",
			fmt.Errorf("bad midpoint %q: %w", resp.Mid, err))
	}
	return mid, nil
}

func parseLevel(wl wireBookLevel) (exchange.BookLevel, error) {
	price, err := decimal.NewFromString(wl.Price)
	if err != nil {
		return exchange.BookLevel{}, fmt.Errorf("bad level price %q: %w", wl.Price, err)
	}
	size, err := decimal.NewFromString(wl.Size)
	if err != nil {
		return exchange.BookLevel{}, fmt.Errorf("bad level size %q: %w", wl.Size, err)
	}
	return exchange.BookLevel{Price: price, Size: size}, nil
}

func normalizeMarket(wm wireMarket) exchange.Market {
	m := exchange.Market{
		ID:          wm.ConditionID,
		Ticker:      wm.MarketSlug,
		Title:       wm.Question,
		Description: wm.Description,
		Liquidity:   parseDecimalOrZero(wm.Liquidity),
		Volume24h:   parseDecimalOrZero(wm.Volume24h),
	}

	switch {
	case wm.Closed:
		m.Status = "closed"
	case wm.Active && wm.AcceptingOrders:
		m.Status = "active"
	default:
		m.Status = "paused"
	}

	if len(wm.Tags) > 0 {
		m.SeriesTag = wm.Tags[0]
	}

	for _, tok := range wm.Tokens {
		price := decimal.NewFromFloat(tok.Price)
		switch tok.Outcome {
		case "Yes", "YES", "yes":
			m.YesTokenID = tok.TokenID
			m.YesPrice = price
		case "No", "NO", "no":
			m.NoTokenID = tok.TokenID
			m.NoPrice = price
		}
	}

	if t, err := time.Parse(time.RFC3339, wm.EndDateISO); err == nil {
		m.EndTime = t
	}
	if t, err := time.Parse(time.RFC3339, wm.GameStartTime); err == nil {
		m.GameStartTime = t
	}
	return m
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return decimal.NewFromFloat(f)
	}
	return decimal.Zero
}
