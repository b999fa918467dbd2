package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

const (
	balanceRetries     = 3
	balanceBaseBackoff = 2 * time.Second
)

// SettingsStore is the slice of persistence the guardian needs.
type SettingsStore interface {
	GetGlobalSettings(ctx context.Context, userID string) (*types.GlobalSettings, error)
	SaveGlobalSettings(ctx context.Context, s *types.GlobalSettings) error
	SaveBalanceSnapshot(ctx context.Context, snap *types.BalanceSnapshot) error
}

// Alerter delivers critical notifications. Failures are the alerter's
// problem; the guardian never blocks on it.
type Alerter interface {
	Alert(ctx context.Context, level, message string)
}

// Guardian watches total balance across accounts and latches the kill switch
// when it falls below the configured threshold.
type Guardian struct {
	userID   string
	store    SettingsStore
	alerter  Alerter
	adapters func() map[string]exchange.Exchange // account id -> adapter

	mu     sync.Mutex
	streak int
}

// NewGuardian creates a guardian for one user. adapters is a snapshot
// function so account changes are picked up without restarting.
func NewGuardian(userID string, store SettingsStore, alerter Alerter, adapters func() map[string]exchange.Exchange) *Guardian {
	return &Guardian{
		userID:   userID,
		store:    store,
		alerter:  alerter,
		adapters: adapters,
	}
}

// Run ticks until the context is cancelled. One check runs immediately.
func (g *Guardian) Run(ctx context.Context) {
	settings, err := g.store.GetGlobalSettings(ctx, g.userID)
	if err != nil {
		log.Error().Err(err).Msg("Guardian cannot load settings")
		return
	}
	interval := time.Duration(settings.BalanceCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	g.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check runs one balance sweep. A transient fetch failure on any account
// aborts the sweep without latching; only a confirmed low total latches.
func (g *Guardian) Check(ctx context.Context) {
	settings, err := g.store.GetGlobalSettings(ctx, g.userID)
	if err != nil {
		log.Error().Err(err).Msg("Guardian settings read failed")
		return
	}

	total := decimal.Zero
	for accountID, adapter := range g.adapters() {
		balance, err := g.fetchBalance(ctx, adapter)
		if err != nil {
			log.Warn().
				Err(err).
				Str("account", accountID).
				Msg("⚠️ Balance fetch failed, skipping sweep")
			return
		}
		total = total.Add(balance)

		snap := &types.BalanceSnapshot{
			UserID:    g.userID,
			AccountID: accountID,
			Balance:   balance,
			TakenAt:   time.Now(),
		}
		if serr := g.store.SaveBalanceSnapshot(ctx, snap); serr != nil {
			log.Warn().Err(serr).Msg("Balance snapshot write failed")
		}
	}

	if total.LessThan(settings.MinBalanceThreshold) && !settings.KillSwitchActive() {
		g.latch(ctx, settings, total)
	}
}

// fetchBalance retries transient failures with doubling backoff.
func (g *Guardian) fetchBalance(ctx context.Context, adapter exchange.Exchange) (decimal.Decimal, error) {
	backoff := balanceBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= balanceRetries; attempt++ {
		balance, err := adapter.GetBalance(ctx)
		if err == nil {
			return balance, nil
		}
		lastErr = err
		if !exchange.Retryable(err) || attempt == balanceRetries {
			break
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return decimal.Zero, lastErr
}

func (g *Guardian) latch(ctx context.Context, settings *types.GlobalSettings, total decimal.Decimal) {
	now := time.Now()
	settings.KillSwitchTriggeredAt = &now
	settings.KillSwitchReason = fmt.Sprintf("balance %s below threshold %s",
		total.StringFixed(2), settings.MinBalanceThreshold.StringFixed(2))
	settings.BotEnabled = false

	if err := g.store.SaveGlobalSettings(ctx, settings); err != nil {
		log.Error().Err(err).Msg("Kill switch latch write failed")
	}

	log.Error().
		Str("total", total.StringFixed(2)).
		Str("threshold", settings.MinBalanceThreshold.StringFixed(2)).
		Msg("🚨 KILL SWITCH TRIGGERED")
	g.alerter.Alert(ctx, "critical", "Kill switch triggered: "+settings.KillSwitchReason)
}

// ResetKillSwitch clears the latch. It refuses while the balance is still
// below threshold so a reset can't immediately re-trip.
func (g *Guardian) ResetKillSwitch(ctx context.Context) error {
	settings, err := g.store.GetGlobalSettings(ctx, g.userID)
	if err != nil {
		return err
	}
	if !settings.KillSwitchActive() {
		return nil
	}

	total := decimal.Zero
	for _, adapter := range g.adapters() {
		balance, err := g.fetchBalance(ctx, adapter)
		if err != nil {
			return fmt.Errorf("cannot verify balance: %w", err)
		}
		total = total.Add(balance)
	}
	if total.LessThan(settings.MinBalanceThreshold) {
		return fmt.Errorf("balance %s still below threshold %s",
			total.StringFixed(2), settings.MinBalanceThreshold.StringFixed(2))
	}

	settings.KillSwitchTriggeredAt = nil
	settings.KillSwitchReason = ""
	settings.BotEnabled = true
	if err := g.store.SaveGlobalSettings(ctx, settings); err != nil {
		return err
	}
	log.Info().Msg("✅ Kill switch reset")
	return nil
}

// RecordClosedPosition updates the losing streak from one realized P&L.
func (g *Guardian) RecordClosedPosition(ctx context.Context, pnl decimal.Decimal) {
	g.mu.Lock()
	if pnl.IsNegative() {
		g.streak++
	} else {
		g.streak = 0
	}
	streak := g.streak
	g.mu.Unlock()

	settings, err := g.store.GetGlobalSettings(ctx, g.userID)
	if err != nil {
		log.Warn().Err(err).Msg("Streak settings read failed")
		return
	}
	settings.CurrentLosingStreak = streak
	if streak > settings.MaxLosingStreak {
		settings.MaxLosingStreak = streak
	}
	if err := g.store.SaveGlobalSettings(ctx, settings); err != nil {
		log.Warn().Err(err).Msg("Streak settings write failed")
	}

	if streak >= 3 {
		log.Warn().Int("streak", streak).Msg("⚠️ Losing streak")
	}
}

// StreakMultiplier returns the position-size multiplier for the current
// streak: max(0.1, 1 − pct·streak) when reduction is enabled, else 1.
func (g *Guardian) StreakMultiplier(settings *types.GlobalSettings) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !settings.StreakReductionEnabled {
		return one
	}

	g.mu.Lock()
	streak := g.streak
	g.mu.Unlock()

	m := one.Sub(settings.StreakReductionPct.Mul(decimal.NewFromInt(int64(streak))))
	floor := decimal.NewFromFloat(0.1)
	if m.LessThan(floor) {
		return floor
	}
	return m
}

// LoadStreak seeds the in-memory streak counter from persisted settings,
// called once at engine start.
func (g *Guardian) LoadStreak(streak int) {
	g.mu.Lock()
	g.streak = streak
	g.mu.Unlock()
}
