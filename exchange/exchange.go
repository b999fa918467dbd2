// Package exchange defines the capability set every venue adapter implements
// and the normalized types the engine trades against. Concrete adapters live
// in the clobrest and evmclob subpackages.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/types"
)

// OrderStatus is the normalized lifecycle state reported by an adapter.
// Wire statuses are mapped into this set at the boundary.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusResting   OrderStatus = "resting"
	StatusFilled    OrderStatus = "filled"
	StatusPartial   OrderStatus = "partial"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the exchange will never change this status again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Market is a candidate binary market as seen by discovery. Prices are
// normalized to [0,1] regardless of the venue's wire format.
type Market struct {
	ID            string // condition id or ticker
	Ticker        string
	SeriesTag     string // explicit sport/series tag when the venue has one
	Title         string
	Description   string
	YesTokenID    string
	NoTokenID     string
	YesPrice      decimal.Decimal
	NoPrice       decimal.Decimal
	Spread        decimal.Decimal
	Liquidity     decimal.Decimal
	Volume24h     decimal.Decimal
	Status        string // open, active, closed, settled
	EndTime       time.Time
	GameStartTime time.Time
}

// Open reports whether the market accepts orders.
func (m Market) Open() bool {
	return m.Status == "open" || m.Status == "active"
}

// MarketFilter narrows a GetMarkets call.
type MarketFilter struct {
	Status string
	Series string
	Limit  int
	Cursor string
}

// MarketPage is one page of a market listing. NextCursor is empty on the
// last page.
type MarketPage struct {
	Markets    []Market
	NextCursor string
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds both sides for one outcome token, best first.
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// Mid returns the midpoint of best bid and ask, zero when either side is empty.
func (b OrderBook) Mid() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// OrderRequest is a normalized order submission.
type OrderRequest struct {
	ClientID string // client-chosen idempotent order id
	MarketID string
	TokenID  string
	Side     types.Side
	Action   types.Action
	Price    decimal.Decimal // [0,1]
	Size     decimal.Decimal // contracts
}

// Order is the normalized view of an on-exchange order.
type Order struct {
	ID           string
	ClientID     string
	MarketID     string
	TokenID      string
	Side         types.Side
	Action       types.Action
	Price        decimal.Decimal
	Size         decimal.Decimal
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
}

// Position is an on-exchange holding used by reconciliation.
type Position struct {
	MarketID string
	TokenID  string
	Side     types.Side
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// Exchange is the adapter capability set. All calls are cancellable via ctx
// and return either a payload or an *Error carrying a Kind tag.
type Exchange interface {
	Name() string
	DryRun() bool

	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetMarkets(ctx context.Context, filter MarketFilter) (MarketPage, error)
	GetMarket(ctx context.Context, id string) (*Market, error)
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (*Order, error)
}
