package clobrest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
)

// wireMarket is the /markets JSON shape. Prices and money fields are integer
// cents.
type wireMarket struct {
	Ticker         string `json:"ticker"`
	SeriesTicker   string `json:"series_ticker"`
	Title          string `json:"title"`
	Subtitle       string `json:"subtitle"`
	Status         string `json:"status"`
	YesBid         int64  `json:"yes_bid"`
	YesAsk         int64  `json:"yes_ask"`
	NoBid          int64  `json:"no_bid"`
	NoAsk          int64  `json:"no_ask"`
	Liquidity      int64  `json:"liquidity"`
	Volume24h      int64  `json:"volume_24h"`
	CloseTime      string `json:"close_time"`
	ExpectedExpiry string `json:"expected_expiration_time"`
}

type marketsResponse struct {
	Markets []wireMarket `json:"markets"`
	Cursor  string       `json:"cursor"`
}

type marketResponse struct {
	Market wireMarket `json:"market"`
}

// GetMarkets fetches one page of candidate markets. The returned cursor
// points at the next page; the venue sends an empty one on the last page.
func (c *Client) GetMarkets(ctx context.Context, filter exchange.MarketFilter) (exchange.MarketPage, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Series != "" {
		q.Set("series_ticker", filter.Series)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}

	var resp marketsResponse
	if err := c.get(ctx, "/markets?"+q.Encode(), &resp); err != nil {
		return exchange.MarketPage{}, err
	}

	markets := make([]exchange.Market, 0, len(resp.Markets))
	for _, wm := range resp.Markets {
		markets = append(markets, normalizeMarket(wm))
	}
	return exchange.MarketPage{Markets: markets, NextCursor: resp.Cursor}, nil
}

// GetMarket fetches one market by ticker.
func (c *Client) GetMarket(ctx context.Context, id string) (*exchange.Market, error) {
	var resp marketResponse
	if err := c.get(ctx, "/markets/"+id, &resp); err != nil {
		return nil, err
	}
	m := normalizeMarket(resp.Market)
	return &m, nil
}

// wireOrderBook levels are [price_cents, size] pairs, yes side and no side.
type wireOrderBook struct {
	OrderBook struct {
		Yes [][]int64 `json:"yes"`
		No  [][]int64 `json:"no"`
	} `json:"orderbook"`
}

// GetOrderBook returns the book for one outcome token. The token id for this
// venue is "<ticker>:yes" or "<ticker>:no"; bids come from the requested side
// and asks are the complement of the opposite side's bids.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
	ticker, side, err := splitToken(tokenID)
	if err != nil {
		return nil, exchange.NewError(exchange.KindValidation, venueName, "orderbook", err)
	}

	var resp wireOrderBook
	if err := c.get(ctx, "/markets/"+ticker+"/orderbook", &resp); err != nil {
		return nil, err
	}

	own, opp := resp.OrderBook.Yes, resp.OrderBook.No
	if side == "no" {
		own, opp = resp.OrderBook.No, resp.OrderBook.Yes
	}

	book := &exchange.OrderBook{}
	// Wire bids are sorted ascending; best bid is the last level.
	for i := len(own) - 1; i >= 0; i-- {
		lvl := own[i]
		if len(lvl) < 2 {
			continue
		}
		book.Bids = append(book.Bids, exchange.BookLevel{
			Price: centsToPrice(lvl[0]),
			Size:  decimal.NewFromInt(lvl[1]),
		})
	}
	// A resting bid of x cents on the opposite side is an ask of 100-x here.
	for i := len(opp) - 1; i >= 0; i-- {
		lvl := opp[i]
		if len(lvl) < 2 {
			continue
		}
		book.Asks = append(book.Asks, exchange.BookLevel{
			Price: centsToPrice(100 - lvl[0]),
			Size:  decimal.NewFromInt(lvl[1]),
		})
	}
	return book, nil
}

// GetMidpoint returns the book midpoint for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	mid := book.Mid()
	if mid.IsZero() {
		return decimal.Zero, exchange.NewError(exchange.KindValidation, venueName, "midpoint",
			fmt.Errorf("empty book for %s", tokenID))
	}
	return mid, nil
}

func normalizeMarket(wm wireMarket) exchange.Market {
	yes := centsToPrice((wm.YesBid + wm.YesAsk) / 2)
	no := centsToPrice((wm.NoBid + wm.NoAsk) / 2)
	spread := centsToPrice(wm.YesAsk - wm.YesBid)

	endTime := parseWireTime(wm.CloseTime)
	if endTime.IsZero() {
		endTime = parseWireTime(wm.ExpectedExpiry)
	}

	return exchange.Market{
		ID:         wm.Ticker,
		Ticker:     wm.Ticker,
		SeriesTag:  wm.SeriesTicker,
		Title:      wm.Title,
		Description: wm.Subtitle,
		YesTokenID: wm.Ticker + ":yes",
		NoTokenID:  wm.Ticker + ":no",
		YesPrice:   yes,
		NoPrice:    no,
		Spread:     spread,
		Liquidity:  centsToPrice(wm.Liquidity),
		Volume24h:  decimal.NewFromInt(wm.Volume24h),
		Status:     wm.Status,
		EndTime:    endTime,
	}
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func splitToken(tokenID string) (ticker, side string, err error) {
	for i := len(tokenID) - 1; i >= 0; i-- {
		if tokenID[i] == ':' {
			ticker, side = tokenID[:i], tokenID[i+1:]
			if side != "yes" && side != "no" {
				return "", "", fmt.Errorf("bad token side %q", side)
			}
			return ticker, side, nil
		}
	}
	return "", "", fmt.Errorf("token id %q missing side suffix", tokenID)
}
