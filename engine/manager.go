package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/storage"
	"github.com/dkelsey/courtedge/types"
)

// AdapterFactory builds an exchange adapter for one account. The manager
// pools the result per account id, so credential derivation and websocket
// state are shared by every component touching that account.
type AdapterFactory func(account types.Account, dryRun bool) (exchange.Exchange, error)

// Manager owns one engine per user and the shared adapter pool.
type Manager struct {
	store      storage.Store
	scoreboard *scores.Client
	alerter    Alerter
	factory    AdapterFactory
	filters    discovery.Filters

	mu       sync.Mutex
	engines  map[string]*Engine
	adapters map[string]exchange.Exchange // account id -> pooled adapter
}

// NewManager wires the shared dependencies.
func NewManager(store storage.Store, scoreboard *scores.Client, alerter Alerter,
	factory AdapterFactory, filters discovery.Filters) *Manager {
	return &Manager{
		store:      store,
		scoreboard: scoreboard,
		alerter:    alerter,
		factory:    factory,
		filters:    filters,
		engines:    make(map[string]*Engine),
		adapters:   make(map[string]exchange.Exchange),
	}
}

// StartUser builds (or reuses) the user's engine and starts it.
func (m *Manager) StartUser(ctx context.Context, userID string) error {
	settings, err := m.store.GetGlobalSettings(ctx, userID)
	if err != nil {
		return err
	}
	accounts, err := m.store.GetAccounts(ctx, userID)
	if err != nil {
		return err
	}

	engineAdapters := make(map[string]exchange.Exchange)
	discoverers := make(map[types.Platform]*discovery.Discoverer)
	m.mu.Lock()
	for _, a := range accounts {
		if !a.IsActive {
			continue
		}
		adapter, ok := m.adapters[a.ID]
		if !ok {
			adapter, err = m.factory(a, settings.DryRun)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("adapter for account %s: %w", a.ID, err)
			}
			m.adapters[a.ID] = adapter
		}
		engineAdapters[a.ID] = adapter
		if _, ok := discoverers[a.Platform]; !ok {
			discoverers[a.Platform] = discovery.New(adapter, a.Platform, m.filters)
		}
	}
	m.mu.Unlock()

	if len(engineAdapters) == 0 {
		return fmt.Errorf("user %s has no active accounts", userID)
	}

	m.mu.Lock()
	eng, ok := m.engines[userID]
	if !ok {
		eng = New(Deps{
			UserID:      userID,
			Store:       m.store,
			Scoreboard:  m.scoreboard,
			Alerter:     m.alerter,
			Adapters:    engineAdapters,
			Discoverers: discoverers,
		})
		m.engines[userID] = eng
	}
	m.mu.Unlock()

	return eng.Start(ctx)
}

// StopUser stops the user's engine if one exists.
func (m *Manager) StopUser(userID string) {
	if eng := m.engine(userID); eng != nil {
		eng.Stop()
	}
}

// DrainUser suppresses new entries while existing positions run to exit.
func (m *Manager) DrainUser(userID string) error {
	eng := m.engine(userID)
	if eng == nil {
		return fmt.Errorf("no engine for user %s", userID)
	}
	eng.Drain()
	return nil
}

// StopAll stops every engine, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()
	for _, eng := range engines {
		eng.Stop()
	}
}

// ResetKillSwitch clears a user's latch, refusing while balance is low.
func (m *Manager) ResetKillSwitch(ctx context.Context, userID string) error {
	eng := m.engine(userID)
	if eng == nil {
		return fmt.Errorf("no engine for user %s; start it first", userID)
	}
	return eng.guardian.ResetKillSwitch(ctx)
}

// SetAllocations validates and atomically writes new allocation percentages.
// The active set must sum to 100 within a hundredth of a point.
func (m *Manager) SetAllocations(ctx context.Context, userID string, pcts map[string]decimal.Decimal) error {
	sum := decimal.Zero
	for _, pct := range pcts {
		if pct.IsNegative() {
			return fmt.Errorf("allocation cannot be negative")
		}
		sum = sum.Add(pct)
	}
	tolerance := decimal.NewFromFloat(0.01)
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("allocations sum to %s, need 100", sum.StringFixed(2))
	}
	if err := m.store.SetAllocations(ctx, userID, pcts); err != nil {
		return err
	}
	log.Info().Str("user", userID).Msg("Allocations updated")
	return nil
}

// TrackMarket pins one market by hand. User-selected markets enter the
// tracked set immediately; discovery attaches the live game when it matches
// one and keeps the flag across refreshes.
func (m *Manager) TrackMarket(ctx context.Context, userID string, platform types.Platform, marketID string) error {
	adapter, err := m.adapterForPlatform(ctx, userID, platform)
	if err != nil {
		return err
	}
	market, err := adapter.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if !market.Open() {
		return fmt.Errorf("market %s is %s, not tradeable", marketID, market.Status)
	}

	// An existing row just gains the flag.
	tracked, err := m.store.GetTrackedMarkets(ctx, userID)
	if err != nil {
		return err
	}
	for _, tm := range tracked {
		if tm.MarketID == marketID && tm.Platform == platform {
			tm.IsUserSelected = true
			tm.UpdatedAt = time.Now()
			return m.store.SaveTrackedMarket(ctx, tm)
		}
	}

	home, away := discovery.ExtractTeams(market.Title)
	tm := &types.TrackedMarket{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       platform,
		MarketID:       market.ID,
		YesTokenID:     market.YesTokenID,
		NoTokenID:      market.NoTokenID,
		Sport:          discovery.ClassifySport(*market),
		HomeTeam:       home,
		AwayTeam:       away,
		GameStartTime:  market.GameStartTime,
		IsUserSelected: true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	log.Info().Str("market", marketID).Str("user", userID).Msg("📌 Market tracked by hand")
	return m.store.SaveTrackedMarket(ctx, tm)
}

// adapterForPlatform returns (building if needed) a pooled adapter backed by
// any of the user's active accounts on the platform.
func (m *Manager) adapterForPlatform(ctx context.Context, userID string, platform types.Platform) (exchange.Exchange, error) {
	settings, err := m.store.GetGlobalSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := m.store.GetAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		if !a.IsActive || a.Platform != platform {
			continue
		}
		adapter, ok := m.adapters[a.ID]
		if !ok {
			adapter, err = m.factory(a, settings.DryRun)
			if err != nil {
				return nil, fmt.Errorf("adapter for account %s: %w", a.ID, err)
			}
			m.adapters[a.ID] = adapter
		}
		return adapter, nil
	}
	return nil, fmt.Errorf("no active %s account for user %s", platform, userID)
}

// SetPrimary marks one account primary for reads.
func (m *Manager) SetPrimary(ctx context.Context, userID, accountID string) error {
	return m.store.SetPrimaryAccount(ctx, userID, accountID)
}

// EnableDryRun flips the user's dry-run flag. Takes effect on next start
// because adapters are constructed with the flag baked in.
func (m *Manager) EnableDryRun(ctx context.Context, userID string, enabled bool) error {
	settings, err := m.store.GetGlobalSettings(ctx, userID)
	if err != nil {
		return err
	}
	settings.DryRun = enabled
	if err := m.store.SaveGlobalSettings(ctx, settings); err != nil {
		return err
	}
	log.Info().Str("user", userID).Bool("dry_run", enabled).Msg("Dry-run setting changed")
	return nil
}

// Status returns the engine snapshot for one user.
func (m *Manager) Status(ctx context.Context, userID string) (Status, error) {
	eng := m.engine(userID)
	if eng == nil {
		return Status{UserID: userID, State: StateStopped}, nil
	}
	return eng.Status(ctx), nil
}

func (m *Manager) engine(userID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[userID]
}
