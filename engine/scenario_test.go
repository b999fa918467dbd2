package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/storage"
	"github.com/dkelsey/courtedge/types"
)

type noopAlerter struct{}

func (noopAlerter) Alert(ctx context.Context, level, message string) {}

// stubVenue scripts a midpoint and fills every order instantly at the
// requested price.
type stubVenue struct {
	mu     sync.Mutex
	mid    decimal.Decimal
	market exchange.Market
	placed []exchange.OrderRequest
}

func (s *stubVenue) Name() string { return "clob_rest" }
func (s *stubVenue) DryRun() bool { return true }

func (s *stubVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func (s *stubVenue) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return nil, nil
}

func (s *stubVenue) GetMarkets(ctx context.Context, f exchange.MarketFilter) (exchange.MarketPage, error) {
	return exchange.MarketPage{}, nil
}

func (s *stubVenue) GetMarket(ctx context.Context, id string) (*exchange.Market, error) {
	m := s.market
	m.ID = id
	return &m, nil
}

func (s *stubVenue) GetOrderBook(ctx context.Context, tokenID string) (*exchange.OrderBook, error) {
	return &exchange.OrderBook{}, nil
}

func (s *stubVenue) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mid, nil
}

func (s *stubVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, req)
	return &exchange.Order{
		ID:           fmt.Sprintf("STUB_%d", len(s.placed)),
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
	}, nil
}

func (s *stubVenue) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	return nil, exchange.NewError(exchange.KindValidation, "stub", "get_order",
		fmt.Errorf("unknown order %s", orderID))
}

func (s *stubVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (s *stubVenue) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (*exchange.Order, error) {
	return nil, exchange.NewError(exchange.KindValidation, "stub", "wait_for_fill",
		fmt.Errorf("unknown order %s", orderID))
}

func (s *stubVenue) orders() []exchange.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exchange.OrderRequest(nil), s.placed...)
}

// newScenarioEngine wires an engine to a real store and one stub venue
// account. Account ids stay unique per test so the process-wide order
// cache cannot bleed between scenarios.
func newScenarioEngine(t *testing.T, userID, accountID string, stub *stubVenue) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveAccount(context.Background(), &types.Account{
		ID:            accountID,
		UserID:        userID,
		Platform:      types.PlatformCLOBRest,
		IsActive:      true,
		IsPrimary:     true,
		AllocationPct: decimal.NewFromInt(100),
	}))

	e := New(Deps{
		UserID:   userID,
		Store:    store,
		Alerter:  noopAlerter{},
		Adapters: map[string]exchange.Exchange{accountID: stub},
	})
	return e, store
}

// seedDroppedMarket sets up a live NBA market whose price fell 25% from
// baseline, with every entry gate configured to pass at mid 0.45.
func seedDroppedMarket(t *testing.T, e *Engine, store storage.Store, userID, suffix string) *types.TrackedMarket {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveSportConfig(ctx, &types.SportConfig{
		UserID:                userID,
		Sport:                 "nba",
		Enabled:               true,
		EntryThresholdDropPct: decimal.NewFromInt(10),
		EntryThresholdAbs:     decimal.NewFromFloat(0.55),
		TakeProfitPct:         decimal.NewFromInt(20),
		StopLossPct:           decimal.NewFromInt(15),
		PositionSizeUSD:       decimal.NewFromInt(50),
		MinTimeRemainingSec:   300,
		MinConfidence:         0.5,
	}))

	captured := time.Now().Add(-time.Hour)
	tm := &types.TrackedMarket{
		ID:                 "tm-" + suffix,
		UserID:             userID,
		Platform:           types.PlatformCLOBRest,
		MarketID:           "KXNBAGAME-" + suffix,
		YesTokenID:         "KXNBAGAME-" + suffix + ":yes",
		Sport:              "nba",
		EventID:            "evt-" + suffix,
		HomeTeam:           "Lakers",
		AwayTeam:           "Celtics",
		BaselineYes:        decimal.NewFromFloat(0.60),
		BaselineNo:         decimal.NewFromFloat(0.40),
		BaselineCapturedAt: &captured,
		IsLive:             true,
	}
	require.NoError(t, store.SaveTrackedMarket(ctx, tm))

	e.gamesMu.Lock()
	e.games[tm.EventID] = scores.Game{
		ID:     tm.EventID,
		Sport:  "nba",
		Period: 2,
		Clock:  "5:00",
		State:  scores.StateLive,
	}
	e.gamesMu.Unlock()
	return tm
}

func droppedStub() *stubVenue {
	return &stubVenue{
		mid: decimal.NewFromFloat(0.45),
		market: exchange.Market{
			Volume24h: decimal.NewFromInt(10000),
			Spread:    decimal.NewFromFloat(0.02),
		},
	}
}

func TestEvaluateEntersOnBaselineDrop(t *testing.T) {
	stub := droppedStub()
	e, store := newScenarioEngine(t, "user-entry", "acct-entry", stub)
	ctx := context.Background()
	tm := seedDroppedMarket(t, e, store, "user-entry", "ENTRY")

	e.setState(StateRunning)
	e.evaluateOnce(ctx)

	open, err := store.GetOpenPositions(ctx, "user-entry")
	require.NoError(t, err)
	require.Len(t, open, 1, "a 25 percent drop through every gate must open a position")
	pos := open[0]
	assert.Equal(t, tm.ID, pos.TrackedMarketID)
	assert.Equal(t, types.PlatformCLOBRest, pos.Platform)
	assert.Equal(t, types.FillFilled, pos.FillStatus)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromFloat(0.45)), "got %s", pos.EntryPrice)

	// $50 at 0.45 floors to 111 contracts on the single 100% account.
	assert.True(t, pos.EntrySize.Equal(decimal.NewFromInt(111)), "got %s", pos.EntrySize)

	require.Len(t, stub.orders(), 1)
	assert.Equal(t, types.ActionBuy, stub.orders()[0].Action)

	count, err := store.TradesToday(ctx, "user-entry")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "entry trade written with the position")
}

func TestEvaluateSuppressedByKillSwitch(t *testing.T) {
	stub := droppedStub()
	e, store := newScenarioEngine(t, "user-kill", "acct-kill", stub)
	ctx := context.Background()
	seedDroppedMarket(t, e, store, "user-kill", "KILL")

	settings, err := store.GetGlobalSettings(ctx, "user-kill")
	require.NoError(t, err)
	now := time.Now()
	settings.KillSwitchTriggeredAt = &now
	settings.KillSwitchReason = "balance below floor"
	require.NoError(t, store.SaveGlobalSettings(ctx, settings))

	e.setState(StateRunning)
	e.evaluateOnce(ctx)

	assert.Empty(t, stub.orders(), "latched kill switch must block submissions")
	open, err := store.GetOpenPositions(ctx, "user-kill")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEvaluateSuppressedWhileDraining(t *testing.T) {
	stub := droppedStub()
	e, store := newScenarioEngine(t, "user-drain", "acct-drain", stub)
	seedDroppedMarket(t, e, store, "user-drain", "DRAIN")

	e.setState(StateDraining)
	e.evaluateOnce(context.Background())

	assert.Empty(t, stub.orders(), "draining suppresses new entries")
}

func TestEvaluateSuppressedByDailyLossLimit(t *testing.T) {
	stub := droppedStub()
	e, store := newScenarioEngine(t, "user-loss", "acct-loss", stub)
	ctx := context.Background()
	seedDroppedMarket(t, e, store, "user-loss", "LOSS")

	settings, err := store.GetGlobalSettings(ctx, "user-loss")
	require.NoError(t, err)
	settings.MaxDailyLossUSD = decimal.NewFromInt(100)
	require.NoError(t, store.SaveGlobalSettings(ctx, settings))

	require.NoError(t, store.SaveTrade(ctx, &types.Trade{
		UserID:     "user-loss",
		MarketID:   "KXNBAGAME-OLD",
		Side:       types.SideYes,
		Action:     types.ActionSell,
		Price:      decimal.NewFromFloat(0.30),
		Size:       decimal.NewFromInt(500),
		PnL:        decimal.NewFromInt(-150),
		ExecutedAt: time.Now(),
	}))

	e.setState(StateRunning)
	e.evaluateOnce(ctx)

	assert.Empty(t, stub.orders(), "past the daily loss limit no entry may go out")
}

func TestMonitorClosesRecoveredPosition(t *testing.T) {
	stub := &stubVenue{mid: decimal.NewFromFloat(0.60)}
	e, store := newScenarioEngine(t, "user-recover", "acct-recover", stub)
	ctx := context.Background()

	// A reconciler-recovered holding has no tracked market row; the
	// fallback thresholds must still manage its exit.
	pos := &types.Position{
		UserID:         "user-recover",
		AccountID:      "acct-recover",
		Platform:       types.PlatformCLOBRest,
		MarketID:       "KXNBAGAME-REC",
		TokenID:        "KXNBAGAME-REC:yes",
		Side:           types.SideYes,
		EntryPrice:     decimal.NewFromFloat(0.42),
		EntrySize:      decimal.NewFromInt(10),
		FillStatus:     types.FillFilled,
		SyncStatus:     types.SyncRecovered,
		RecoverySource: "clob_rest",
		Status:         types.PositionOpen,
		OpenedAt:       time.Now(),
	}
	require.NoError(t, store.CreatePosition(ctx, pos))

	e.setState(StateRunning)
	e.monitorOnce(ctx)

	open, err := store.GetOpenPositions(ctx, "user-recover")
	require.NoError(t, err)
	assert.Empty(t, open, "a big gain must take profit even without a tracked market")

	orders := stub.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, types.ActionSell, orders[0].Action)
	assert.True(t, orders[0].Size.Equal(decimal.NewFromInt(10)))

	// (0.60 - 0.42) * 10 realized.
	pnl, err := store.DailyPnL(ctx, "user-recover")
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromFloat(1.80)), "got %s", pnl)
}

func TestTrackMarketByHand(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, &types.Account{
		ID:            "acct-track",
		UserID:        "user-track",
		Platform:      types.PlatformCLOBRest,
		IsActive:      true,
		AllocationPct: decimal.NewFromInt(100),
	}))

	stub := &stubVenue{market: exchange.Market{
		Ticker:     "KXNBAGAME-TRACK",
		Title:      "Lakers vs Celtics",
		Status:     "active",
		YesTokenID: "KXNBAGAME-TRACK:yes",
		NoTokenID:  "KXNBAGAME-TRACK:no",
	}}
	factory := func(a types.Account, dryRun bool) (exchange.Exchange, error) { return stub, nil }
	m := NewManager(store, nil, noopAlerter{}, factory, discovery.Filters{})

	require.NoError(t, m.TrackMarket(ctx, "user-track", types.PlatformCLOBRest, "KXNBAGAME-TRACK"))

	tracked, err := store.GetTrackedMarkets(ctx, "user-track")
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	tm := tracked[0]
	assert.True(t, tm.IsUserSelected)
	assert.Equal(t, "nba", tm.Sport)
	assert.Equal(t, "Lakers", tm.HomeTeam)
	assert.Equal(t, "Celtics", tm.AwayTeam)

	// Tracking again only flags the existing row.
	require.NoError(t, m.TrackMarket(ctx, "user-track", types.PlatformCLOBRest, "KXNBAGAME-TRACK"))
	tracked, err = store.GetTrackedMarkets(ctx, "user-track")
	require.NoError(t, err)
	assert.Len(t, tracked, 1)
}

func TestStartRefusesLatchedKillSwitch(t *testing.T) {
	e, store := newScenarioEngine(t, "user-latch", "acct-latch", &stubVenue{})
	ctx := context.Background()

	settings, err := store.GetGlobalSettings(ctx, "user-latch")
	require.NoError(t, err)
	now := time.Now()
	settings.KillSwitchTriggeredAt = &now
	settings.KillSwitchReason = "balance below floor"
	require.NoError(t, store.SaveGlobalSettings(ctx, settings))

	err = e.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKillSwitch))
	assert.Equal(t, StateStopped, e.State())
}
