package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/execution"
	"github.com/dkelsey/courtedge/storage"
	"github.com/dkelsey/courtedge/types"
)

// fallbackExitConfig manages positions that have no tracked market, which
// happens when the reconciler recovers a holding whose market was never
// discovered. Values are percent of entry price.
var fallbackExitConfig = types.SportConfig{
	TakeProfitPct: decimal.NewFromInt(20),
	StopLossPct:   decimal.NewFromInt(15),
}

// monitorLoop watches open positions for exit conditions. It keeps running
// while draining so exits complete even when entries are suppressed.
func (e *Engine) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := e.State(); s != StateRunning && s != StateDraining {
				continue
			}
			e.monitorOnce(ctx)
		}
	}
}

func (e *Engine) monitorOnce(ctx context.Context) {
	open, err := e.store.GetOpenPositions(ctx, e.userID)
	if err != nil {
		e.handleError("monitor", err)
		return
	}

	for _, pos := range open {
		if pos.FillStatus != types.FillFilled && pos.FillStatus != types.FillPartial {
			continue
		}
		if err := e.monitorPosition(ctx, pos); err != nil {
			e.handleError("monitor:"+pos.MarketID, err)
		}
	}
}

// monitorPosition checks one position against take-profit, stop-loss, and
// the time-remaining floor.
func (e *Engine) monitorPosition(ctx context.Context, pos *types.Position) error {
	adapter, err := e.adapterForMarket(ctx, pos.Platform)
	if err != nil {
		return err
	}

	if !e.acquireWorker(ctx, pos.Platform) {
		return nil
	}
	mid, err := adapter.GetMidpoint(ctx, pos.TokenID)
	e.releaseWorker(pos.Platform)
	if err != nil {
		return err
	}
	if !mid.IsPositive() {
		return nil
	}

	// Recovered positions may have no tracked market; they still get exit
	// management with the fallback thresholds.
	cfg := &fallbackExitConfig
	eventID := ""
	if pos.TrackedMarketID != "" {
		tm, err := e.store.GetTrackedMarket(ctx, pos.TrackedMarketID)
		switch {
		case err == nil:
			eventID = tm.EventID
			if sc, cerr := e.store.GetSportConfig(ctx, e.userID, tm.Sport); cerr == nil {
				cfg = sc
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	profitPct := pos.ProfitPct(mid).Mul(decimal.NewFromInt(100))

	var reason string
	switch {
	case !cfg.TakeProfitPct.IsZero() && profitPct.GreaterThanOrEqual(cfg.TakeProfitPct):
		reason = "take_profit"
	case !cfg.StopLossPct.IsZero() && profitPct.LessThanOrEqual(cfg.StopLossPct.Neg()):
		reason = "stop_loss"
	default:
		if cfg.ExitBeforeSec > 0 && eventID != "" {
			if game, ok := e.gameFor(eventID); ok && game.Live() {
				if estimateSecondsRemaining(game) < float64(cfg.ExitBeforeSec) {
					reason = "time_exit"
				}
			}
		}
	}
	if reason == "" {
		return nil
	}

	return e.exit(ctx, pos, mid, reason)
}

// exit sells the position at the current mid and closes it transactionally.
func (e *Engine) exit(ctx context.Context, pos *types.Position, price decimal.Decimal, reason string) error {
	submitter, ok := e.submitters[pos.AccountID]
	if !ok {
		return fmt.Errorf("no submitter for account %s", pos.AccountID)
	}

	if !e.acquireWorker(ctx, pos.Platform) {
		return nil
	}
	result, err := submitter.Submit(ctx, execution.SubmitRequest{
		CredHash: pos.AccountID,
		MarketID: pos.MarketID,
		TokenID:  pos.TokenID,
		Side:     pos.Side,
		Action:   types.ActionSell,
		Price:    price,
		Size:     pos.EntrySize,
	})
	e.releaseWorker(pos.Platform)
	if err != nil {
		return err
	}
	if result.FillStatus != types.FillFilled && result.FillStatus != types.FillPartial {
		log.Warn().
			Str("position", pos.ID).
			Str("status", string(result.FillStatus)).
			Msg("Exit did not fill, will retry next tick")
		return nil
	}

	now := time.Now()
	pos.ExitPrice = result.FillPrice
	pos.ExitSize = result.FillSize
	pos.ExitReason = reason
	pos.RealizedPnL = result.FillPrice.Sub(pos.EntryPrice).Mul(result.FillSize)
	pos.Status = types.PositionClosed
	pos.ClosedAt = &now

	trade := &types.Trade{
		UserID:     e.userID,
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		MarketID:   pos.MarketID,
		Side:       pos.Side,
		Action:     types.ActionSell,
		Price:      result.FillPrice,
		Size:       result.FillSize,
		PnL:        pos.RealizedPnL,
		Reason:     reason,
		ExecutedAt: now,
	}
	if err := e.store.ClosePosition(ctx, pos, trade); err != nil {
		return err
	}

	e.guardian.RecordClosedPosition(ctx, pos.RealizedPnL)

	emoji := "🔴"
	if pos.RealizedPnL.IsPositive() {
		emoji = "💰"
	}
	log.Info().
		Str("position", pos.ID).
		Str("market", pos.MarketID).
		Str("reason", reason).
		Str("pnl", pos.RealizedPnL.StringFixed(2)).
		Msg(emoji + " Position closed")
	return nil
}
