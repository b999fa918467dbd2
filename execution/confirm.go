package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

// Confirmation tuning.
const (
	DefaultMaxSlippage    = 0.02 // 2% of requested price
	DefaultPollInterval   = 2 * time.Second
	DefaultConfirmTimeout = 30 * time.Second
	MaxConfirmAttempts    = 5
	MinPartialFraction    = 0.80
)

// SubmitRequest is one order intent from the engine.
type SubmitRequest struct {
	CredHash string // identifies the account's credentials
	MarketID string
	TokenID  string
	Side     types.Side
	Action   types.Action
	Price    decimal.Decimal
	Size     decimal.Decimal
}

// Result is the confirmed outcome of one submission.
type Result struct {
	Order      *exchange.Order
	FillStatus types.FillStatus
	FillPrice  decimal.Decimal
	FillSize   decimal.Decimal
	Slippage   decimal.Decimal // signed, actual - requested
	Attempts   int

	lowPartial bool // below-threshold partial, eligible for one retry
}

// Submitter places orders through an adapter with idempotency, a slippage
// guard, and fill confirmation.
type Submitter struct {
	client      exchange.Exchange
	maxSlippage decimal.Decimal

	pollInterval   time.Duration
	confirmTimeout time.Duration
}

// NewSubmitter wraps one adapter. maxSlippage zero means the 2% default.
func NewSubmitter(client exchange.Exchange, maxSlippage decimal.Decimal) *Submitter {
	if maxSlippage.IsZero() {
		maxSlippage = decimal.NewFromFloat(DefaultMaxSlippage)
	}
	return &Submitter{
		client:         client,
		maxSlippage:    maxSlippage,
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmTimeout,
	}
}

// Submit places one order and waits for a terminal outcome. A below-threshold
// partial fill gets one retry for the remainder at the fresh mid.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	result, err := s.submitOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.lowPartial {
		return result, nil
	}

	mid, merr := s.client.GetMidpoint(ctx, req.TokenID)
	if merr != nil || !mid.IsPositive() {
		return result, nil
	}
	retryReq := req
	retryReq.Price = mid
	retryReq.Size = req.Size.Sub(result.FillSize)
	if !retryReq.Size.IsPositive() {
		return result, nil
	}

	log.Info().
		Str("token", req.TokenID).
		Str("size", retryReq.Size.StringFixed(2)).
		Str("price", mid.StringFixed(3)).
		Msg("Retrying remainder at new mid")
	retry, rerr := s.submitOnce(ctx, retryReq)
	if rerr != nil {
		return result, nil
	}
	return retry, nil
}

// submitOnce places one order with idempotency and the slippage guard. A
// duplicate intent inside the idempotency TTL returns the cached result
// without a network call. The key is claimed before submission so a lost
// response still blocks a resubmit for the rest of the bucket.
func (s *Submitter) submitOnce(ctx context.Context, req SubmitRequest) (*Result, error) {
	key := IdempotencyKey(req.CredHash, req.TokenID, req.Side, req.Price, req.Size, time.Now())
	cached, claimed := recentOrders.Claim(key)
	if !claimed {
		if cached != nil {
			log.Warn().
				Str("token", req.TokenID).
				Str("order_id", cached.ID).
				Msg("⚠️ Duplicate order suppressed")
			return resultFromOrder(cached, req.Price), nil
		}
		return nil, exchange.NewError(exchange.KindConflict, s.client.Name(), "submit",
			fmt.Errorf("order intent for %s unresolved, refusing resubmit", req.TokenID))
	}

	if err := s.slippageGuard(ctx, req); err != nil {
		recentOrders.Release(key)
		return nil, err
	}

	order, err := s.client.PlaceOrder(ctx, exchange.OrderRequest{
		ClientID: key[:32],
		MarketID: req.MarketID,
		TokenID:  req.TokenID,
		Side:     req.Side,
		Action:   req.Action,
		Price:    req.Price,
		Size:     req.Size,
	})
	if err != nil {
		// A transport failure is ambiguous: the venue may hold the order even
		// though the response was lost. Keep the claim so a retry inside the
		// bucket cannot place a second order. Everything else means the order
		// was refused, so the claim is freed.
		if !exchange.IsKind(err, exchange.KindTransport) {
			recentOrders.Release(key)
		}
		return nil, err
	}
	recentOrders.Put(key, order)

	result, err := s.confirm(ctx, order, req)
	if err != nil {
		return nil, err
	}
	recentOrders.Put(key, result.Order)
	return result, nil
}

// slippageGuard refuses submission when the book has already moved away
// from the requested price.
func (s *Submitter) slippageGuard(ctx context.Context, req SubmitRequest) error {
	mid, err := s.client.GetMidpoint(ctx, req.TokenID)
	if err != nil || mid.IsZero() {
		// No fresh mid is not a reason to refuse; the limit price protects us.
		return nil
	}

	drift := mid.Sub(req.Price).Abs().Div(req.Price)
	if drift.GreaterThan(s.maxSlippage) {
		return exchange.NewError(exchange.KindValidation, s.client.Name(), "slippage_guard",
			fmt.Errorf("price moved %s%% from requested %s (mid %s)",
				drift.Mul(decimal.NewFromInt(100)).StringFixed(2),
				req.Price.StringFixed(3), mid.StringFixed(3)))
	}
	return nil
}

// confirm polls the order until terminal, the timeout lapses, or the attempt
// budget is spent.
func (s *Submitter) confirm(ctx context.Context, order *exchange.Order, req SubmitRequest) (*Result, error) {
	if order.Status.Terminal() {
		return s.finalize(ctx, order, req, 0)
	}

	deadline := time.Now().Add(s.confirmTimeout)
	attempts := 0
	current := order
	for attempts < MaxConfirmAttempts && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
		attempts++

		polled, err := s.client.GetOrder(ctx, order.ID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Int("attempt", attempts).
				Msg("Order poll failed")
			continue
		}
		current = polled
		if current.Status.Terminal() {
			return s.finalize(ctx, current, req, attempts)
		}
	}

	// Still resting: cancel explicitly and record the timeout.
	if err := s.client.CancelOrder(ctx, order.ID); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Timeout cancel failed")
	}
	log.Warn().Str("order_id", order.ID).Msg("⏱️ Order confirmation timed out")
	return &Result{
		Order:      current,
		FillStatus: types.FillTimeout,
		FillSize:   current.FilledSize,
		FillPrice:  current.AvgFillPrice,
		Attempts:   attempts,
	}, nil
}

// finalize maps a terminal order to a Result, handling the partial-fill rule:
// ≥80% filled is accepted as partial, less gets the remainder cancelled.
func (s *Submitter) finalize(ctx context.Context, order *exchange.Order, req SubmitRequest, attempts int) (*Result, error) {
	result := resultFromOrder(order, req.Price)
	result.Attempts = attempts

	if order.Status == exchange.StatusFilled {
		log.Info().
			Str("order_id", order.ID).
			Str("fill_price", result.FillPrice.StringFixed(3)).
			Str("slippage", result.Slippage.StringFixed(4)).
			Msg("✅ Order filled")
		return result, nil
	}

	if order.Status == exchange.StatusPartial || order.FilledSize.IsPositive() {
		fraction := order.FilledSize.Div(order.Size)
		if fraction.GreaterThanOrEqual(decimal.NewFromFloat(MinPartialFraction)) {
			result.FillStatus = types.FillPartial
			log.Info().
				Str("order_id", order.ID).
				Str("fraction", fraction.StringFixed(2)).
				Msg("✅ Partial fill accepted")
			return result, nil
		}
		if err := s.client.CancelOrder(ctx, order.ID); err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("Remainder cancel failed")
		}
		result.FillStatus = types.FillCancelled
		result.lowPartial = true
		log.Warn().
			Str("order_id", order.ID).
			Str("fraction", fraction.StringFixed(2)).
			Msg("Partial fill below threshold, remainder cancelled")
		return result, nil
	}

	return result, nil
}

func resultFromOrder(order *exchange.Order, requested decimal.Decimal) *Result {
	r := &Result{
		Order:     order,
		FillSize:  order.FilledSize,
		FillPrice: order.AvgFillPrice,
	}
	switch order.Status {
	case exchange.StatusFilled:
		r.FillStatus = types.FillFilled
	case exchange.StatusPartial:
		r.FillStatus = types.FillPartial
	case exchange.StatusCancelled:
		r.FillStatus = types.FillCancelled
	case exchange.StatusRejected:
		r.FillStatus = types.FillRejected
	default:
		r.FillStatus = types.FillPending
	}
	if r.FillPrice.IsPositive() {
		r.Slippage = r.FillPrice.Sub(requested)
	}
	return r
}
