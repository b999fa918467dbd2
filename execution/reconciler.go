package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

// PositionStore is the slice of persistence the reconciler needs.
type PositionStore interface {
	GetOpenPositions(ctx context.Context, userID string) ([]*types.Position, error)
	GetTrackedMarkets(ctx context.Context, userID string) ([]*types.TrackedMarket, error)
	CreatePosition(ctx context.Context, p *types.Position) error
	UpdatePosition(ctx context.Context, p *types.Position) error
	ClosePosition(ctx context.Context, p *types.Position, trade *types.Trade) error
	SaveReconciliationRun(ctx context.Context, run *types.ReconciliationRun) error
}

// Reconciler compares local open positions against on-exchange holdings and
// repairs both directions of drift.
type Reconciler struct {
	userID   string
	store    PositionStore
	alerter  Alerter
	adapters func() map[string]exchange.Exchange // account id -> adapter
}

// Alerter delivers critical notifications.
type Alerter interface {
	Alert(ctx context.Context, level, message string)
}

// NewReconciler creates a reconciler for one user.
func NewReconciler(userID string, store PositionStore, alerter Alerter, adapters func() map[string]exchange.Exchange) *Reconciler {
	return &Reconciler{userID: userID, store: store, alerter: alerter, adapters: adapters}
}

// Run executes once immediately and then every interval until cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.Reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

type holdingKey struct {
	accountID string
	marketID  string
	side      types.Side
}

// Reconcile runs one pass. The pass is idempotent: when nothing changed on
// the exchange, a second run touches nothing.
func (r *Reconciler) Reconcile(ctx context.Context) {
	run := &types.ReconciliationRun{
		ID:        uuid.NewString(),
		UserID:    r.userID,
		StartedAt: time.Now(),
	}
	defer func() {
		run.FinishedAt = time.Now()
		if err := r.store.SaveReconciliationRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("Reconciliation audit write failed")
		}
	}()

	local, err := r.store.GetOpenPositions(ctx, r.userID)
	if err != nil {
		log.Error().Err(err).Msg("Reconciler cannot load local positions")
		run.Errors++
		return
	}

	// E: on-exchange holdings keyed by (account, market, side).
	onExchange := make(map[holdingKey]exchange.Position)
	fetched := make(map[string]bool)
	for accountID, adapter := range r.adapters() {
		positions, err := adapter.GetPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Position fetch failed")
			run.Errors++
			continue
		}
		fetched[accountID] = true
		for _, p := range positions {
			onExchange[holdingKey{accountID, p.MarketID, p.Side}] = p
		}
	}

	// L: local open positions keyed the same way.
	localKeys := make(map[holdingKey]*types.Position, len(local))
	for _, p := range local {
		localKeys[holdingKey{p.AccountID, p.MarketID, p.Side}] = p
	}

	// Tracked markets by venue market id, so recovered orphans can be linked
	// back into monitoring.
	trackedByMarket := make(map[string]*types.TrackedMarket)
	if tracked, terr := r.store.GetTrackedMarkets(ctx, r.userID); terr == nil {
		for _, tm := range tracked {
			trackedByMarket[tm.MarketID] = tm
		}
	}

	// E ∩ L and E \ L.
	for key, ep := range onExchange {
		if lp, ok := localKeys[key]; ok {
			if !ep.Quantity.Equal(lp.EntrySize) {
				// The exchange is the source of truth for held size.
				lp.SyncStatus = types.SyncDrift
				lp.EntrySize = ep.Quantity
				if err := r.store.UpdatePosition(ctx, lp); err != nil {
					run.Errors++
				}
				log.Warn().
					Str("position", lp.ID).
					Str("held", ep.Quantity.StringFixed(2)).
					Msg("⚠️ Position size drift, local size corrected")
				run.Synced++
				continue
			}
			if lp.SyncStatus != types.SyncSynced {
				lp.SyncStatus = types.SyncSynced
				if err := r.store.UpdatePosition(ctx, lp); err != nil {
					run.Errors++
				}
			}
			run.Synced++
			continue
		}
		if err := r.recoverOrphan(ctx, key, ep, trackedByMarket[ep.MarketID]); err != nil {
			log.Error().Err(err).Str("market", key.marketID).Msg("Orphan recovery failed")
			run.Errors++
			continue
		}
		run.Recovered++
	}

	// L \ E, only for accounts whose exchange state we actually saw this
	// pass, so a fetch failure never closes healthy positions.
	for key, lp := range localKeys {
		if _, ok := onExchange[key]; ok {
			continue
		}
		if !fetched[key.accountID] {
			continue
		}
		if err := r.closeStale(ctx, lp); err != nil {
			log.Error().Err(err).Str("position", lp.ID).Msg("Stale close failed")
			run.Errors++
			continue
		}
		run.ClosedLocal++
	}

	if run.ClosedLocal > 3 {
		msg := fmt.Sprintf("Reconciler closed %d local positions not found on exchange", run.ClosedLocal)
		log.Warn().Int("closed", run.ClosedLocal).Msg("⚠️ " + msg)
		r.alerter.Alert(ctx, "critical", msg)
	}

	log.Info().
		Int("synced", run.Synced).
		Int("recovered", run.Recovered).
		Int("closed_local", run.ClosedLocal).
		Int("errors", run.Errors).
		Msg("🔄 Reconciliation complete")
}

// recoverOrphan creates a local row for a holding the database forgot. When a
// tracked market matches the holding, the position is linked to it so the
// monitor manages its exit with the sport's thresholds; otherwise the monitor
// applies its fallback thresholds.
func (r *Reconciler) recoverOrphan(ctx context.Context, key holdingKey, ep exchange.Position, tm *types.TrackedMarket) error {
	adapter := r.adapters()[key.accountID]
	source := "unknown"
	if adapter != nil {
		source = adapter.Name()
	}

	pos := &types.Position{
		ID:             uuid.NewString(),
		UserID:         r.userID,
		AccountID:      key.accountID,
		Platform:       types.Platform(source),
		MarketID:       ep.MarketID,
		TokenID:        ep.TokenID,
		Side:           ep.Side,
		EntryPrice:     ep.AvgCost,
		EntrySize:      ep.Quantity,
		FillStatus:     types.FillFilled,
		SyncStatus:     types.SyncRecovered,
		RecoverySource: source,
		EntryReason:    "recovered_from_exchange",
		Status:         types.PositionOpen,
		OpenedAt:       time.Now(),
	}
	if tm != nil {
		pos.TrackedMarketID = tm.ID
		pos.Platform = tm.Platform
	}
	if err := r.store.CreatePosition(ctx, pos); err != nil {
		return err
	}

	msg := fmt.Sprintf("Recovered orphan position %s %s x%s on %s",
		ep.MarketID, ep.Side, ep.Quantity.StringFixed(0), source)
	log.Warn().Str("market", ep.MarketID).Msg("🔎 " + msg)
	r.alerter.Alert(ctx, "critical", msg)
	return nil
}

// closeStale closes a local position the exchange no longer holds.
func (r *Reconciler) closeStale(ctx context.Context, lp *types.Position) error {
	now := time.Now()
	lp.Status = types.PositionClosed
	lp.SyncStatus = types.SyncClosedReconciled
	lp.ExitReason = "not_found_on_exchange"
	lp.ClosedAt = &now

	trade := &types.Trade{
		ID:         uuid.NewString(),
		UserID:     lp.UserID,
		AccountID:  lp.AccountID,
		PositionID: lp.ID,
		MarketID:   lp.MarketID,
		Side:       lp.Side,
		Action:     types.ActionSell,
		Price:      lp.ExitPrice,
		Size:       lp.EntrySize,
		Reason:     "not_found_on_exchange",
		ExecutedAt: now,
	}
	log.Warn().
		Str("position", lp.ID).
		Str("market", lp.MarketID).
		Msg("⚠️ Closing local position missing on exchange")
	return r.store.ClosePosition(ctx, lp, trade)
}
