package clobrest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

type createOrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type wireOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	YesPrice      int64  `json:"yes_price"`
	NoPrice       int64  `json:"no_price"`
	Count         int64  `json:"initial_count"`
	RemainingCount int64 `json:"remaining_count"`
	CreatedTime   string `json:"created_time"`
}

type orderEnvelope struct {
	Order wireOrder `json:"order"`
}

// PlaceOrder submits a limit order. In dry-run mode no network call is made;
// a synthetic filled order with a DRY_ id comes back instead.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if c.dryRun {
		order := dryRunOrder(req)
		log.Info().
			Str("order_id", order.ID).
			Str("market", req.MarketID).
			Str("side", string(req.Side)).
			Str("price", req.Price.StringFixed(2)).
			Str("size", req.Size.StringFixed(0)).
			Msg("📝 DRY RUN: Order would be placed")
		return order, nil
	}

	wireReq := createOrderRequest{
		Ticker:        req.MarketID,
		Action:        strings.ToLower(string(req.Action)),
		Side:          strings.ToLower(string(req.Side)),
		Type:          "limit",
		Count:         req.Size.Round(0).IntPart(),
		ClientOrderID: req.ClientID,
	}
	cents := priceToCents(req.Price)
	if req.Side == types.SideYes {
		wireReq.YesPrice = cents
	} else {
		wireReq.NoPrice = cents
	}

	var resp orderEnvelope
	err := exchange.Do(ctx, c.breaker, venueName, "place_order", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/portfolio/orders", wireReq, &resp)
	})
	if err != nil {
		return nil, err
	}

	order := normalizeOrder(resp.Order)
	log.Info().
		Str("order_id", order.ID).
		Str("market", req.MarketID).
		Str("status", string(order.Status)).
		Msg("✅ Order placed")
	return order, nil
}

// GetOrder polls one order's status.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	if strings.HasPrefix(orderID, "DRY_") {
		return nil, exchange.NewError(exchange.KindValidation, venueName, "get_order",
			fmt.Errorf("dry-run order %s has no exchange state", orderID))
	}

	var resp orderEnvelope
	if err := c.get(ctx, "/portfolio/orders/"+orderID, &resp); err != nil {
		return nil, err
	}
	return normalizeOrder(resp.Order), nil
}

// CancelOrder cancels a resting order. Cancelling a dry-run order is a no-op.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if strings.HasPrefix(orderID, "DRY_") {
		return nil
	}
	return exchange.Do(ctx, c.breaker, venueName, "cancel_order", func(ctx context.Context) error {
		return c.do(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil)
	})
}

// WaitForFill polls every 2 s until the order is terminal or the timeout
// elapses. Dry-run orders return immediately as filled.
func (c *Client) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (*exchange.Order, error) {
	if strings.HasPrefix(orderID, "DRY_") {
		return &exchange.Order{ID: orderID, Status: exchange.StatusFilled}, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		order, err := c.GetOrder(ctx, orderID)
		if err == nil && order.Status.Terminal() {
			return order, nil
		}
		if time.Now().After(deadline) {
			if order != nil {
				return order, nil
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, exchange.NewError(exchange.KindTransport, venueName, "wait_for_fill", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func dryRunOrder(req exchange.OrderRequest) *exchange.Order {
	return &exchange.Order{
		ID:           fmt.Sprintf("DRY_%d", time.Now().UnixNano()),
		ClientID:     req.ClientID,
		MarketID:     req.MarketID,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Action:       req.Action,
		Price:        req.Price,
		Size:         req.Size,
		FilledSize:   req.Size,
		AvgFillPrice: req.Price,
		Status:       exchange.StatusFilled,
		CreatedAt:    time.Now(),
	}
}

// mapStatus translates wire statuses to the normalized set.
func mapStatus(wire string, filled, remaining int64) exchange.OrderStatus {
	switch wire {
	case "pending":
		return exchange.StatusPending
	case "resting", "open":
		if filled > 0 {
			return exchange.StatusPartial
		}
		return exchange.StatusResting
	case "executed", "filled":
		return exchange.StatusFilled
	case "canceled", "cancelled":
		if filled > 0 && remaining > 0 {
			return exchange.StatusPartial
		}
		return exchange.StatusCancelled
	case "rejected":
		return exchange.StatusRejected
	default:
		return exchange.StatusPending
	}
}

func normalizeOrder(wo wireOrder) *exchange.Order {
	side := types.SideYes
	price := centsToPrice(wo.YesPrice)
	tokenID := wo.Ticker + ":yes"
	if wo.Side == "no" {
		side = types.SideNo
		price = centsToPrice(wo.NoPrice)
		tokenID = wo.Ticker + ":no"
	}

	action := types.ActionBuy
	if wo.Action == "sell" {
		action = types.ActionSell
	}

	filled := wo.Count - wo.RemainingCount
	order := &exchange.Order{
		ID:         wo.OrderID,
		ClientID:   wo.ClientOrderID,
		MarketID:   wo.Ticker,
		TokenID:    tokenID,
		Side:       side,
		Action:     action,
		Price:      price,
		Size:       decimal.NewFromInt(wo.Count),
		FilledSize: decimal.NewFromInt(filled),
		Status:     mapStatus(wo.Status, filled, wo.RemainingCount),
		CreatedAt:  parseWireTime(wo.CreatedTime),
	}
	if filled > 0 {
		// The venue fills limit orders at the resting price.
		order.AvgFillPrice = price
	}
	return order
}
