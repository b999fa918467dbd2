// Package engine runs the per-user trading loop: discover game markets,
// evaluate entries on live price drops, and monitor open positions for exits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/execution"
	"github.com/dkelsey/courtedge/risk"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/storage"
	"github.com/dkelsey/courtedge/types"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateHalted       State = "halted"
	StateDraining     State = "draining"
)

// ErrKillSwitch is returned by Start while the kill-switch latch is set.
var ErrKillSwitch = errors.New("kill switch latched")

// Loop cadences.
const (
	discoveryInterval  = 60 * time.Second
	evaluationInterval = 5 * time.Second
	monitorInterval    = 5 * time.Second
	reconcileInterval  = 5 * time.Minute
	workersPerExchange = 4
	maxRecentErrors    = 3
)

// Alerter delivers operator notifications.
type Alerter interface {
	Alert(ctx context.Context, level, message string)
}

// Engine drives trading for a single user.
type Engine struct {
	userID     string
	store      storage.Store
	scoreboard *scores.Client
	alerter    Alerter
	guardian   *risk.Guardian
	reconciler *execution.Reconciler
	matcher    *discovery.Matcher

	mu          sync.RWMutex
	state       State
	cancel      context.CancelFunc
	done        chan struct{}
	adapters    map[string]exchange.Exchange      // account id -> adapter
	discoverers map[types.Platform]*discovery.Discoverer
	submitters  map[string]*execution.Submitter   // account id -> submitter
	workers     map[types.Platform]chan struct{}  // bounded per-venue pools
	recentErrs  []string

	entryMu sync.Map // "market|account" -> *sync.Mutex

	// In-memory evaluation state.
	games     map[string]scores.Game // event id -> latest scoreboard state
	prevMids  map[string]float64     // tracked market id -> previous mid
	gamesMu   sync.RWMutex
}

// Deps wires an engine.
type Deps struct {
	UserID      string
	Store       storage.Store
	Scoreboard  *scores.Client
	Alerter     Alerter
	Adapters    map[string]exchange.Exchange
	Discoverers map[types.Platform]*discovery.Discoverer
}

// New builds a stopped engine.
func New(d Deps) *Engine {
	e := &Engine{
		userID:      d.UserID,
		store:       d.Store,
		scoreboard:  d.Scoreboard,
		alerter:     d.Alerter,
		matcher:     discovery.NewMatcher(0),
		state:       StateStopped,
		adapters:    d.Adapters,
		discoverers: d.Discoverers,
		submitters:  make(map[string]*execution.Submitter),
		workers:     make(map[types.Platform]chan struct{}),
		games:       make(map[string]scores.Game),
		prevMids:    make(map[string]float64),
	}

	for accountID, adapter := range d.Adapters {
		e.submitters[accountID] = execution.NewSubmitter(adapter, decimal.Zero)
	}
	for _, platform := range []types.Platform{types.PlatformCLOBRest, types.PlatformEVMCLOB} {
		e.workers[platform] = make(chan struct{}, workersPerExchange)
	}

	adapterSnapshot := func() map[string]exchange.Exchange {
		e.mu.RLock()
		defer e.mu.RUnlock()
		out := make(map[string]exchange.Exchange, len(e.adapters))
		for k, v := range e.adapters {
			out[k] = v
		}
		return out
	}
	e.guardian = risk.NewGuardian(d.UserID, d.Store, guardAlerter{d.Alerter}, adapterSnapshot)
	e.reconciler = execution.NewReconciler(d.UserID, d.Store, reconAlerter{d.Alerter}, adapterSnapshot)
	return e
}

// The risk and execution packages declare their own Alerter interfaces;
// these adapt the engine's single notifier to both.
type guardAlerter struct{ a Alerter }

func (g guardAlerter) Alert(ctx context.Context, level, message string) { g.a.Alert(ctx, level, message) }

type reconAlerter struct{ a Alerter }

func (r reconAlerter) Alert(ctx context.Context, level, message string) { r.a.Alert(ctx, level, message) }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		log.Info().Str("user", e.userID).Str("from", string(prev)).Str("to", string(s)).
			Msg("Engine state change")
	}
}

// Start moves a stopped engine through initialization into running. The
// startup reconciliation completes before any evaluation begins.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped && e.state != StateHalted {
		e.mu.Unlock()
		return fmt.Errorf("engine is %s, cannot start", e.state)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateInitializing
	e.mu.Unlock()

	settings, err := e.store.GetGlobalSettings(ctx, e.userID)
	if err != nil {
		e.setState(StateStopped)
		cancel()
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.KillSwitchActive() {
		e.setState(StateStopped)
		cancel()
		return fmt.Errorf("%w since %s: %s", ErrKillSwitch,
			settings.KillSwitchTriggeredAt.Format(time.RFC3339), settings.KillSwitchReason)
	}
	e.guardian.LoadStreak(settings.CurrentLosingStreak)

	// Repair drift before trading on stale local state.
	e.reconciler.Reconcile(ctx)

	e.setState(StateRunning)
	go e.run(runCtx)

	log.Info().Str("user", e.userID).Msg("🚀 Engine started")
	return nil
}

// run owns the loop goroutines until cancellation.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); e.discoveryLoop(ctx) }()
	go func() { defer wg.Done(); e.evaluationLoop(ctx) }()
	go func() { defer wg.Done(); e.monitorLoop(ctx) }()
	go func() { defer wg.Done(); e.guardian.Run(ctx) }()
	go func() { defer wg.Done(); e.reconciler.Run(ctx, reconcileInterval) }()
	wg.Wait()
}

// Stop cancels all loops and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	e.setState(StateStopped)
	log.Info().Str("user", e.userID).Msg("Engine stopped")
}

// Drain stops new entries while the monitor keeps managing exits.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateDraining
	}
	e.mu.Unlock()
	log.Info().Str("user", e.userID).Msg("Engine draining, entries suppressed")
}

// halt records a fatal condition and cancels the loops.
func (e *Engine) halt(reason string) {
	log.Error().Str("user", e.userID).Str("reason", reason).Msg("🛑 Engine halted")
	e.alerter.Alert(context.Background(), "critical", "Engine halted for "+e.userID+": "+reason)

	e.mu.Lock()
	cancel := e.cancel
	e.state = StateHalted
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// recordError keeps the last few errors for the status surface.
func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentErrs = append(e.recentErrs, time.Now().Format(time.RFC3339)+" "+err.Error())
	if len(e.recentErrs) > maxRecentErrors {
		e.recentErrs = e.recentErrs[len(e.recentErrs)-maxRecentErrors:]
	}
}

// handleError classifies one loop error: fatal kinds halt the engine,
// everything else is logged and skipped.
func (e *Engine) handleError(scope string, err error) {
	e.recordError(err)
	if exchange.IsKind(err, exchange.KindFatal) || exchange.IsKind(err, exchange.KindAuth) {
		e.halt(scope + ": " + err.Error())
		return
	}
	log.Warn().Err(err).Str("scope", scope).Msg("Loop error, skipping")
}

// Status is the operator-facing snapshot.
type Status struct {
	UserID        string   `json:"user_id"`
	State         State    `json:"state"`
	TrackedGames  int      `json:"tracked_games"`
	OpenPositions int      `json:"open_positions"`
	TradesToday   int64    `json:"trades_today"`
	DailyPnL      string   `json:"daily_pnl"`
	DryRun        bool     `json:"dry_run"`
	RecentErrors  []string `json:"recent_errors"`
}

// Status assembles the snapshot from storage and in-memory state.
func (e *Engine) Status(ctx context.Context) Status {
	s := Status{UserID: e.userID, State: e.State()}

	if tracked, err := e.store.GetTrackedMarkets(ctx, e.userID); err == nil {
		s.TrackedGames = len(tracked)
	}
	if open, err := e.store.GetOpenPositions(ctx, e.userID); err == nil {
		s.OpenPositions = len(open)
	}
	if n, err := e.store.TradesToday(ctx, e.userID); err == nil {
		s.TradesToday = n
	}
	if pnl, err := e.store.DailyPnL(ctx, e.userID); err == nil {
		s.DailyPnL = pnl.StringFixed(2)
	}
	if settings, err := e.store.GetGlobalSettings(ctx, e.userID); err == nil {
		s.DryRun = settings.DryRun
	}

	e.mu.RLock()
	s.RecentErrors = append([]string(nil), e.recentErrs...)
	e.mu.RUnlock()
	return s
}

// entryLock returns the mutex serializing entries for one (market, account).
func (e *Engine) entryLock(marketID, accountID string) *sync.Mutex {
	key := marketID + "|" + accountID
	mu, _ := e.entryMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// acquireWorker blocks until the venue's worker pool has capacity.
func (e *Engine) acquireWorker(ctx context.Context, platform types.Platform) bool {
	pool, ok := e.workers[platform]
	if !ok {
		return true
	}
	select {
	case pool <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) releaseWorker(platform types.Platform) {
	if pool, ok := e.workers[platform]; ok {
		<-pool
	}
}

// accountsFor returns active accounts on one platform.
func (e *Engine) accountsFor(ctx context.Context, platform types.Platform) ([]types.Account, error) {
	accounts, err := e.store.GetAccounts(ctx, e.userID)
	if err != nil {
		return nil, err
	}
	var out []types.Account
	for _, a := range accounts {
		if a.IsActive && a.Platform == platform {
			out = append(out, a)
		}
	}
	return out, nil
}

// adapterForMarket picks any adapter on the market's platform, preferring
// the primary account.
func (e *Engine) adapterForMarket(ctx context.Context, platform types.Platform) (exchange.Exchange, error) {
	accounts, err := e.accountsFor(ctx, platform)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range accounts {
		if a.IsPrimary {
			if adapter, ok := e.adapters[a.ID]; ok {
				return adapter, nil
			}
		}
	}
	for _, a := range accounts {
		if adapter, ok := e.adapters[a.ID]; ok {
			return adapter, nil
		}
	}
	return nil, fmt.Errorf("no active adapter for platform %s", platform)
}
