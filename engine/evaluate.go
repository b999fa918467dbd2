package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/execution"
	"github.com/dkelsey/courtedge/risk"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/scoring"
	"github.com/dkelsey/courtedge/types"
)

// Game-phase tables per sport: regulation phase count and nominal seconds
// per phase, used to estimate time remaining from the scoreboard clock.
var totalPhases = map[string]int{
	"nba": 4, "nfl": 4, "mlb": 9, "nhl": 3, "ncaab": 2, "ncaaf": 4,
}

var phaseSeconds = map[string]float64{
	"nba": 720, "nfl": 900, "mlb": 1200, "nhl": 1200, "ncaab": 1200, "ncaaf": 900,
}

// evaluationLoop scans tracked live markets every tick and attempts entries.
func (e *Engine) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateOnce(ctx)
		}
	}
}

func (e *Engine) evaluateOnce(ctx context.Context) {
	settings, err := e.store.GetGlobalSettings(ctx, e.userID)
	if err != nil {
		e.handleError("evaluate", err)
		return
	}
	// Kill switch is read at the top of every pass; a latch mid-pass stops
	// the next pass, in-flight submissions finish.
	if settings.KillSwitchActive() || !settings.BotEnabled {
		return
	}
	if e.State() != StateRunning {
		return
	}
	if settings.MaxDailyLossUSD.IsPositive() {
		pnl, perr := e.store.DailyPnL(ctx, e.userID)
		if perr == nil && pnl.Neg().GreaterThanOrEqual(settings.MaxDailyLossUSD) {
			log.Warn().
				Str("daily_pnl", pnl.StringFixed(2)).
				Str("max_loss", settings.MaxDailyLossUSD.StringFixed(2)).
				Msg("🚨 Daily loss limit reached, entries suppressed")
			return
		}
	}

	tracked, err := e.store.GetTrackedMarkets(ctx, e.userID)
	if err != nil {
		e.handleError("evaluate", err)
		return
	}

	for _, tm := range tracked {
		if !tm.IsLive || tm.IsFinished {
			continue
		}
		if err := e.evaluateMarket(ctx, tm, settings); err != nil {
			e.handleError("evaluate:"+tm.MarketID, err)
		}
	}
}

// evaluateMarket refreshes one market's price and enters when every entry
// condition holds.
func (e *Engine) evaluateMarket(ctx context.Context, tm *types.TrackedMarket, settings *types.GlobalSettings) error {
	adapter, err := e.adapterForMarket(ctx, tm.Platform)
	if err != nil {
		return err
	}

	if !e.acquireWorker(ctx, tm.Platform) {
		return nil
	}
	mid, err := adapter.GetMidpoint(ctx, tm.YesTokenID)
	e.releaseWorker(tm.Platform)
	if err != nil {
		return err
	}
	if !mid.IsPositive() {
		return nil
	}

	// Baseline is captured on first observation and never rewritten.
	if tm.BaselineCapturedAt == nil {
		if err := e.store.CaptureBaseline(ctx, tm.ID, mid, decimal.NewFromInt(1).Sub(mid), time.Now()); err != nil {
			return err
		}
		refreshed, rerr := e.store.GetTrackedMarket(ctx, tm.ID)
		if rerr != nil {
			return rerr
		}
		*tm = *refreshed
	}

	prevMid, hadPrev := e.previousMid(tm.ID)
	e.setPreviousMid(tm.ID, mid.InexactFloat64())

	tm.CurrentYes = mid
	tm.CurrentNo = decimal.NewFromInt(1).Sub(mid)
	tm.LastPriceAt = time.Now()
	tm.UpdatedAt = time.Now()
	if err := e.store.SaveTrackedMarket(ctx, tm); err != nil {
		return err
	}

	cfg, err := e.store.GetSportConfig(ctx, e.userID, tm.Sport)
	if err != nil || !cfg.Enabled {
		return nil
	}

	drop := tm.DropPct()
	if drop.LessThan(cfg.EntryThresholdDropPct) {
		return nil
	}
	if mid.GreaterThan(cfg.EntryThresholdAbs) {
		return nil
	}

	game, ok := e.gameFor(tm.EventID)
	if !ok || !game.Live() {
		return nil
	}
	remaining := estimateSecondsRemaining(game)
	if remaining < float64(cfg.MinTimeRemainingSec) {
		return nil
	}
	if cfg.MaxPhase > 0 && game.Period > cfg.MaxPhase {
		return nil
	}

	trend := "flat"
	if hadPrev {
		switch {
		case mid.InexactFloat64() < prevMid:
			trend = "down"
		case mid.InexactFloat64() > prevMid:
			trend = "up"
		}
	}

	// Venue-reported depth feeds the volume and spread components; the score
	// keeps its unknown weighting when the venue reports nothing. Fetched
	// only for markets that already passed the cheap gates.
	var volume, spread float64
	var volumeKnown, spreadKnown bool
	if e.acquireWorker(ctx, tm.Platform) {
		if m, merr := adapter.GetMarket(ctx, tm.MarketID); merr == nil {
			if m.Volume24h.IsPositive() {
				volume = m.Volume24h.InexactFloat64()
				volumeKnown = true
			}
			if m.Spread.IsPositive() {
				spread = m.Spread.InexactFloat64()
				spreadKnown = true
			}
		}
		if !spreadKnown {
			if book, berr := adapter.GetOrderBook(ctx, tm.YesTokenID); berr == nil &&
				len(book.Bids) > 0 && len(book.Asks) > 0 {
				spread = book.Asks[0].Price.Sub(book.Bids[0].Price).InexactFloat64()
				spreadKnown = true
			}
		}
		e.releaseWorker(tm.Platform)
	}

	score := scoring.Evaluate(scoring.Input{
		DropPct:          drop.InexactFloat64() / 100,
		SecondsRemaining: remaining,
		Volume24h:        volume,
		VolumeKnown:      volumeKnown,
		Trend:            trend,
		CurrentPhase:     game.Period,
		TotalPhases:      totalPhases[tm.Sport],
		SpreadPct:        spread,
		SpreadKnown:      spreadKnown,
	})
	if score.Total < cfg.MinConfidence {
		log.Debug().
			Str("market", tm.MarketID).
			Float64("confidence", score.Total).
			Float64("min", cfg.MinConfidence).
			Msg("Confidence below minimum")
		return nil
	}

	if err := e.checkBudget(ctx, tm, cfg); err != nil {
		log.Debug().Err(err).Str("market", tm.MarketID).Msg("Budget check refused entry")
		return nil
	}

	return e.enter(ctx, tm, cfg, settings, mid, drop, score)
}

// checkBudget enforces the per-game and total open-position limits.
func (e *Engine) checkBudget(ctx context.Context, tm *types.TrackedMarket, cfg *types.SportConfig) error {
	open, err := e.store.GetOpenPositions(ctx, e.userID)
	if err != nil {
		return err
	}
	if cfg.MaxPositionsTotal > 0 && len(open) >= cfg.MaxPositionsTotal {
		return fmt.Errorf("total position limit %d reached", cfg.MaxPositionsTotal)
	}
	perGame := 0
	for _, p := range open {
		if p.MarketID == tm.MarketID {
			perGame++
		}
	}
	if cfg.MaxPositionsPerGame > 0 && perGame >= cfg.MaxPositionsPerGame {
		return fmt.Errorf("per-game position limit %d reached", cfg.MaxPositionsPerGame)
	}
	return nil
}

// enter sizes, allocates across accounts, and submits the entry orders.
func (e *Engine) enter(ctx context.Context, tm *types.TrackedMarket, cfg *types.SportConfig,
	settings *types.GlobalSettings, price, drop decimal.Decimal, score scoring.Score) error {

	accounts, err := e.accountsFor(ctx, tm.Platform)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return fmt.Errorf("no active accounts on %s", tm.Platform)
	}

	wins, total, err := e.store.WinLossCounts(ctx, e.userID, tm.Sport)
	if err != nil {
		wins, total = 0, 0
	}

	// Win probability estimate: a dropped-but-leading team's market price
	// understates the true probability; the drop itself is the edge.
	winProb := price.Add(drop.Div(decimal.NewFromInt(100)).Mul(decimal.NewFromFloat(0.5)))
	if winProb.GreaterThan(decimal.NewFromFloat(0.95)) {
		winProb = decimal.NewFromFloat(0.95)
	}
	b := decimal.NewFromInt(1).Sub(price).Div(price)

	sizeUSD := risk.Size(*cfg, risk.KellyInput{
		WinProbability: winProb,
		PayoutRatio:    b,
		HistoricalWins: wins,
		HistoricalN:    total,
	}, e.guardian.StreakMultiplier(settings))

	contracts := sizeUSD.Div(price).Floor()
	if !contracts.IsPositive() {
		return nil
	}

	allocations, err := risk.Allocate(contracts, accounts)
	if err != nil {
		return fmt.Errorf("allocation refused: %w", err)
	}
	entryReason := fmt.Sprintf("drop %s%% from baseline %s, confidence %.2f (%s)",
		drop.StringFixed(1), tm.BaselineYes.StringFixed(3), score.Total, score.Recommendation)

	for _, alloc := range allocations {
		if !alloc.Contracts.IsPositive() {
			continue
		}
		e.enterOnAccount(ctx, tm, alloc, price, entryReason)
	}
	return nil
}

// enterOnAccount submits one account's share under the per-(market,account)
// entry lock so concurrent evaluation ticks can't double-enter.
func (e *Engine) enterOnAccount(ctx context.Context, tm *types.TrackedMarket, alloc risk.AccountSize,
	price decimal.Decimal, reason string) {

	mu := e.entryLock(tm.MarketID, alloc.AccountID)
	mu.Lock()
	defer mu.Unlock()

	positions, err := e.store.GetOpenPositionsForMarket(ctx, e.userID, tm.MarketID)
	if err != nil {
		e.handleError("enter", err)
		return
	}
	for _, p := range positions {
		if p.AccountID == alloc.AccountID {
			return // this account already holds the market
		}
	}

	submitter, ok := e.submitters[alloc.AccountID]
	if !ok {
		e.handleError("enter", fmt.Errorf("no submitter for account %s", alloc.AccountID))
		return
	}

	if !e.acquireWorker(ctx, tm.Platform) {
		return
	}
	result, err := submitter.Submit(ctx, execution.SubmitRequest{
		CredHash: alloc.AccountID,
		MarketID: tm.MarketID,
		TokenID:  tm.YesTokenID,
		Side:     types.SideYes,
		Action:   types.ActionBuy,
		Price:    price,
		Size:     alloc.Contracts,
	})
	e.releaseWorker(tm.Platform)
	if err != nil {
		e.handleError("enter:"+tm.MarketID, err)
		return
	}
	if result.FillStatus != types.FillFilled && result.FillStatus != types.FillPartial {
		log.Warn().
			Str("market", tm.MarketID).
			Str("status", string(result.FillStatus)).
			Msg("Entry did not fill")
		return
	}

	pos := &types.Position{
		ID:                   uuid.NewString(),
		UserID:               e.userID,
		AccountID:            alloc.AccountID,
		TrackedMarketID:      tm.ID,
		Platform:             tm.Platform,
		MarketID:             tm.MarketID,
		TokenID:              tm.YesTokenID,
		Side:                 types.SideYes,
		RequestedEntryPrice:  price,
		EntryPrice:           result.FillPrice,
		EntrySize:            result.FillSize,
		FillStatus:           result.FillStatus,
		ConfirmationAttempts: result.Attempts,
		Slippage:             result.Slippage,
		SyncStatus:           types.SyncSynced,
		EntryReason:          reason,
		Status:               types.PositionOpen,
		OrderID:              result.Order.ID,
		OpenedAt:             time.Now(),
	}
	trade := &types.Trade{
		ID:         uuid.NewString(),
		UserID:     e.userID,
		AccountID:  alloc.AccountID,
		PositionID: pos.ID,
		MarketID:   tm.MarketID,
		Side:       types.SideYes,
		Action:     types.ActionBuy,
		Price:      result.FillPrice,
		Size:       result.FillSize,
		Reason:     reason,
		ExecutedAt: time.Now(),
	}
	if err := e.store.OpenPosition(ctx, pos, trade); err != nil {
		e.handleError("enter", err)
		return
	}

	log.Info().
		Str("market", tm.MarketID).
		Str("account", alloc.AccountID).
		Str("price", result.FillPrice.StringFixed(3)).
		Str("size", result.FillSize.StringFixed(0)).
		Msg("🟢 Position opened")
}

func (e *Engine) previousMid(marketID string) (float64, bool) {
	e.gamesMu.RLock()
	defer e.gamesMu.RUnlock()
	v, ok := e.prevMids[marketID]
	return v, ok
}

func (e *Engine) setPreviousMid(marketID string, mid float64) {
	e.gamesMu.Lock()
	e.prevMids[marketID] = mid
	e.gamesMu.Unlock()
}

// estimateSecondsRemaining derives regulation time left from period and
// clock. Baseball has no clock; remaining innings stand in for it.
func estimateSecondsRemaining(g scores.Game) float64 {
	total, ok := totalPhases[g.Sport]
	if !ok {
		return 0
	}
	perPhase := phaseSeconds[g.Sport]

	phasesLeft := float64(total - g.Period)
	if phasesLeft < 0 {
		phasesLeft = 0
	}

	clock := parseClock(g.Clock)
	if clock == 0 && g.Sport == "mlb" {
		clock = perPhase
	}
	return phasesLeft*perPhase + clock
}

// parseClock converts "MM:SS" to seconds, zero on anything else.
func parseClock(clock string) float64 {
	var m, s int
	if _, err := fmt.Sscanf(clock, "%d:%d", &m, &s); err != nil {
		return 0
	}
	return float64(m*60 + s)
}
