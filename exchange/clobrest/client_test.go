package clobrest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

func TestCentsConversion(t *testing.T) {
	assert.True(t, centsToPrice(45).Equal(decimal.NewFromFloat(0.45)))
	assert.True(t, centsToPrice(0).IsZero())
	assert.True(t, centsToPrice(100).Equal(decimal.NewFromInt(1)))

	assert.Equal(t, int64(45), priceToCents(decimal.NewFromFloat(0.45)))
	assert.Equal(t, int64(46), priceToCents(decimal.NewFromFloat(0.456)))
	assert.Equal(t, int64(0), priceToCents(decimal.Zero))
}

func TestLooksLikeInsufficientBalance(t *testing.T) {
	assert.True(t, looksLikeInsufficientBalance(`{"error":{"code":"insufficient_balance"}}`))
	assert.True(t, looksLikeInsufficientBalance("Insufficient Funds for order"))
	assert.False(t, looksLikeInsufficientBalance(`{"error":"bad ticker"}`))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, exchange.StatusResting, mapStatus("resting", 0, 10))
	assert.Equal(t, exchange.StatusPartial, mapStatus("resting", 4, 6))
	assert.Equal(t, exchange.StatusFilled, mapStatus("executed", 10, 0))
	assert.Equal(t, exchange.StatusCancelled, mapStatus("canceled", 0, 10))
	assert.Equal(t, exchange.StatusPartial, mapStatus("canceled", 4, 6))
	assert.Equal(t, exchange.StatusRejected, mapStatus("rejected", 0, 10))
	assert.Equal(t, exchange.StatusPending, mapStatus("weird", 0, 10))
}

func TestSplitToken(t *testing.T) {
	ticker, side, err := splitToken("KXNBAGAME-25DEC25LALBOS:yes")
	require.NoError(t, err)
	assert.Equal(t, "KXNBAGAME-25DEC25LALBOS", ticker)
	assert.Equal(t, "yes", side)

	_, _, err = splitToken("KXNBAGAME-25DEC25LALBOS")
	assert.Error(t, err)
	_, _, err = splitToken("TICKER:maybe")
	assert.Error(t, err)
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, DryRun: true})
	require.NoError(t, err)
	return c
}

func TestNewLiveRequiresKey(t *testing.T) {
	_, err := New(Config{BaseURL: "http://localhost", DryRun: false})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindAuth))
}

func TestGetMarketsNormalization(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Write([]byte(`{"markets":[{
			"ticker":"KXNBAGAME-25DEC25LALBOS",
			"series_ticker":"KXNBAGAME",
			"title":"Lakers vs Celtics",
			"status":"active",
			"yes_bid":44,"yes_ask":46,"no_bid":54,"no_ask":56,
			"liquidity":250000,"volume_24h":8000,
			"close_time":"2026-12-26T04:00:00Z"
		}],"cursor":"next-page"}`))
	}))

	page, err := c.GetMarkets(context.Background(), exchange.MarketFilter{Status: "open"})
	require.NoError(t, err)
	require.Len(t, page.Markets, 1)
	assert.Equal(t, "next-page", page.NextCursor)

	m := page.Markets[0]
	assert.Equal(t, "KXNBAGAME-25DEC25LALBOS", m.ID)
	assert.Equal(t, "KXNBAGAME", m.SeriesTag)
	assert.True(t, m.YesPrice.Equal(decimal.NewFromFloat(0.45)))
	assert.True(t, m.NoPrice.Equal(decimal.NewFromFloat(0.55)))
	assert.True(t, m.Spread.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, m.Liquidity.Equal(decimal.NewFromInt(2500)), "liquidity cents -> dollars")
	assert.Equal(t, "KXNBAGAME-25DEC25LALBOS:yes", m.YesTokenID)
	assert.Equal(t, 2026, m.EndTime.Year())
}

func TestGetOrderBookComplementAsks(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/orderbook"))
		w.Write([]byte(`{"orderbook":{
			"yes":[[40,100],[45,50]],
			"no":[[50,10],[52,20]]
		}}`))
	}))

	book, err := c.GetOrderBook(context.Background(), "TICKER:yes")
	require.NoError(t, err)

	// Bids come back best-first.
	require.Len(t, book.Bids, 2)
	assert.True(t, book.Bids[0].Price.Equal(decimal.NewFromFloat(0.45)))
	assert.True(t, book.Bids[1].Price.Equal(decimal.NewFromFloat(0.40)))

	// A 52c no bid is a 48c yes ask.
	require.Len(t, book.Asks, 2)
	assert.True(t, book.Asks[0].Price.Equal(decimal.NewFromFloat(0.48)))
	assert.True(t, book.Asks[1].Price.Equal(decimal.NewFromFloat(0.50)))

	mid, err := c.GetMidpoint(context.Background(), "TICKER:yes")
	require.NoError(t, err)
	assert.True(t, mid.Equal(decimal.NewFromFloat(0.465)), "got %s", mid)
}

func TestDryRunPlaceOrder(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run order must not reach the network")
	}))

	order, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		MarketID: "TICKER",
		TokenID:  "TICKER:yes",
		Side:     types.SideYes,
		Action:   types.ActionBuy,
		Price:    decimal.NewFromFloat(0.45),
		Size:     decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(order.ID, "DRY_"))
	assert.Equal(t, exchange.StatusFilled, order.Status)
	assert.True(t, order.FilledSize.Equal(decimal.NewFromInt(10)))

	// Synthetic orders resolve without the exchange.
	filled, err := c.WaitForFill(context.Background(), order.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, filled.Status)

	assert.NoError(t, c.CancelOrder(context.Background(), order.ID))

	_, err = c.GetOrder(context.Background(), order.ID)
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindValidation))
}

func TestErrorMapping(t *testing.T) {
	status := http.StatusUnauthorized
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"unauthorized"}`))
	}))

	_, err := c.GetMarket(context.Background(), "TICKER")
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindAuth))

	status = http.StatusBadRequest
	_, err = c.GetMarket(context.Background(), "TICKER")
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindValidation))
}
