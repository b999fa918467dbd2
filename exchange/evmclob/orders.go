package evmclob

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

type placeOrderResponse struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg"`
	OrderID      string   `json:"orderID"`
	Status       string   `json:"status"`
	MakingAmount string   `json:"makingAmount"`
	TakingAmount string   `json:"takingAmount"`
	TransactionHashes []string `json:"transactionsHashes"`
}

// PlaceOrder signs an EIP-712 order and submits it. Dry-run skips signing and
// network entirely; a synthetic filled order with a DRY_ id comes back.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if c.dryRun {
		order := dryRunOrder(req)
		log.Info().
			Str("order_id", order.ID).
			Str("token", req.TokenID).
			Str("side", string(req.Side)).
			Str("price", req.Price.StringFixed(3)).
			Str("size", req.Size.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return order, nil
	}

	creds, err := c.ensureCreds(ctx)
	if err != nil {
		return nil, err
	}

	typed, err := c.signer.BuildOrder(req.TokenID, req.Action, req.Price, req.Size)
	if err != nil {
		return nil, exchange.NewError(exchange.KindValidation, venueName, "place_order", err)
	}
	signed, err := c.signer.Sign(typed)
	if err != nil {
		return nil, exchange.NewError(exchange.KindAuth, venueName, "place_order", err)
	}

	var resp placeOrderResponse
	if err := c.doAuthed(ctx, http.MethodPost, "/order", signed.apiPayload(creds.APIKey), &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		kind := exchange.KindValidation
		if strings.Contains(strings.ToLower(resp.ErrorMsg), "balance") ||
			strings.Contains(strings.ToLower(resp.ErrorMsg), "allowance") {
			kind = exchange.KindInsufficientBalance
		}
		return nil, exchange.NewError(kind, venueName, "place_order",
			fmt.Errorf("order rejected: %s", resp.ErrorMsg))
	}

	order := &exchange.Order{
		ID:        resp.OrderID,
		ClientID:  req.ClientID,
		MarketID:  req.MarketID,
		TokenID:   req.TokenID,
		Side:      req.Side,
		Action:    req.Action,
		Price:     req.Price,
		Size:      req.Size,
		Status:    mapOrderStatus(resp.Status, decimal.Zero, req.Size),
		CreatedAt: time.Now(),
	}
	if resp.Status == "matched" {
		order.FilledSize = req.Size
		order.AvgFillPrice = req.Price
	}

	log.Info().
		Str("order_id", order.ID).
		Str("token", req.TokenID).
		Str("status", string(order.Status)).
		Msg("✅ Order placed")
	return order, nil
}

type wireOpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Outcome      string `json:"outcome"`
	CreatedAt    int64  `json:"created_at"`
}

// GetOrder polls one order. A 404 from the venue means the order left the
// book; callers see that as a Validation error and should check positions.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	if strings.HasPrefix(orderID, "DRY_") {
		return nil, exchange.NewError(exchange.KindValidation, venueName, "get_order",
			fmt.Errorf("dry-run order %s has no exchange state", orderID))
	}

	var wo wireOpenOrder
	if err := c.doAuthed(ctx, http.MethodGet, "/data/order/"+orderID, nil, &wo); err != nil {
		return nil, err
	}
	return normalizeOrder(wo), nil
}

// CancelOrder cancels a resting order. Cancelling a dry-run order is a no-op.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if strings.HasPrefix(orderID, "DRY_") {
		return nil
	}
	return c.doAuthed(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID}, nil)
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

func mapOrderStatus(wire string, matched, size decimal.Decimal) exchange.OrderStatus {
	switch wire {
	case "live", "open":
		if matched.GreaterThan(decimal.Zero) {
			return exchange.StatusPartial
		}
		return exchange.StatusResting
	case "matched", "filled":
		return exchange.StatusFilled
	case "delayed", "unmatched", "pending":
		return exchange.StatusPending
	case "canceled", "cancelled":
		if matched.GreaterThan(decimal.Zero) && matched.LessThan(size) {
			return exchange.StatusPartial
		}
		return exchange.StatusCancelled
	case "rejected":
		return exchange.StatusRejected
	default:
		return exchange.StatusPending
	}
}

func normalizeOrder(wo wireOpenOrder) *exchange.Order {
	price, _ := decimal.NewFromString(wo.Price)
	size, _ := decimal.NewFromString(wo.OriginalSize)
	matched, _ := decimal.NewFromString(wo.SizeMatched)

	side := types.SideYes
	if strings.EqualFold(wo.Outcome, "no") {
		side = types.SideNo
	}
	action := types.ActionBuy
	if strings.EqualFold(wo.Side, "sell") {
		action = types.ActionSell
	}

	status := mapOrderStatus(wo.Status, matched, size)
	if status == exchange.StatusResting && matched.Equal(size) && size.GreaterThan(decimal.Zero) {
		status = exchange.StatusFilled
	}

	order := &exchange.Order{
		ID:         wo.ID,
		MarketID:   wo.Market,
		TokenID:    wo.AssetID,
		Side:       side,
		Action:     action,
		Price:      price,
		Size:       size,
		FilledSize: matched,
		Status:     status,
	}
	if wo.CreatedAt > 0 {
		order.CreatedAt = time.Unix(wo.CreatedAt, 0)
	}
	if matched.GreaterThan(decimal.Zero) {
		order.AvgFillPrice = price
	}
	return order
}
