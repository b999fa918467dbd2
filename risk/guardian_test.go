package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

type fakeSettingsStore struct {
	mu       sync.Mutex
	settings types.GlobalSettings
	snaps    int
}

func (f *fakeSettingsStore) GetGlobalSettings(ctx context.Context, userID string) (*types.GlobalSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.settings
	return &s, nil
}

func (f *fakeSettingsStore) SaveGlobalSettings(ctx context.Context, s *types.GlobalSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = *s
	return nil
}

func (f *fakeSettingsStore) SaveBalanceSnapshot(ctx context.Context, snap *types.BalanceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps++
	return nil
}

type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeAlerter) Alert(ctx context.Context, level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, level+": "+message)
}

// balanceExchange stubs only GetBalance; other methods are never called by
// the guardian.
type balanceExchange struct {
	exchange.Exchange
	balance  decimal.Decimal
	failures int
	calls    int
}

func (b *balanceExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	b.calls++
	if b.calls <= b.failures {
		return decimal.Zero, exchange.NewError(exchange.KindTransport, "test", "balance",
			fmt.Errorf("connection reset"))
	}
	return b.balance, nil
}

func newTestGuardian(store *fakeSettingsStore, alerter *fakeAlerter, adapters map[string]exchange.Exchange) *Guardian {
	return NewGuardian("u1", store, alerter, func() map[string]exchange.Exchange {
		return adapters
	})
}

func TestGuardianLatchesBelowThreshold(t *testing.T) {
	store := &fakeSettingsStore{settings: types.GlobalSettings{
		UserID:              "u1",
		BotEnabled:          true,
		MinBalanceThreshold: dec("100"),
	}}
	alerter := &fakeAlerter{}
	adapters := map[string]exchange.Exchange{
		"acct1": &balanceExchange{balance: dec("40")},
	}

	g := newTestGuardian(store, alerter, adapters)
	g.Check(context.Background())

	require.NotNil(t, store.settings.KillSwitchTriggeredAt)
	assert.False(t, store.settings.BotEnabled)
	assert.Contains(t, store.settings.KillSwitchReason, "below threshold")
	require.Len(t, alerter.messages, 1)
	assert.Contains(t, alerter.messages[0], "critical")
}

func TestGuardianTransientFailureDoesNotLatch(t *testing.T) {
	store := &fakeSettingsStore{settings: types.GlobalSettings{
		UserID:              "u1",
		MinBalanceThreshold: dec("100"),
	}}
	alerter := &fakeAlerter{}
	// First fetch fails, retry succeeds with a healthy balance.
	adapters := map[string]exchange.Exchange{
		"acct1": &balanceExchange{balance: dec("500"), failures: 1},
	}

	g := newTestGuardian(store, alerter, adapters)
	g.Check(context.Background())

	assert.Nil(t, store.settings.KillSwitchTriggeredAt)
	assert.Empty(t, alerter.messages)
	assert.Equal(t, 1, store.snaps)
}

func TestGuardianPersistentFailureAbortsSweepWithoutLatch(t *testing.T) {
	store := &fakeSettingsStore{settings: types.GlobalSettings{
		UserID:              "u1",
		MinBalanceThreshold: dec("100"),
	}}
	alerter := &fakeAlerter{}
	adapters := map[string]exchange.Exchange{
		"acct1": &balanceExchange{balance: dec("500"), failures: 10},
	}

	g := newTestGuardian(store, alerter, adapters)
	g.Check(context.Background())

	// Fetch failure is never treated as a low balance.
	assert.Nil(t, store.settings.KillSwitchTriggeredAt)
	assert.Empty(t, alerter.messages)
}

func TestResetRefusedWhileBalanceLow(t *testing.T) {
	now := time.Now()
	store := &fakeSettingsStore{settings: types.GlobalSettings{
		UserID:                "u1",
		MinBalanceThreshold:   dec("100"),
		KillSwitchTriggeredAt: &now,
		KillSwitchReason:      "balance 40.00 below threshold 100.00",
	}}
	adapters := map[string]exchange.Exchange{
		"acct1": &balanceExchange{balance: dec("40")},
	}

	g := newTestGuardian(store, &fakeAlerter{}, adapters)
	err := g.ResetKillSwitch(context.Background())
	require.Error(t, err)
	assert.NotNil(t, store.settings.KillSwitchTriggeredAt)
}

func TestResetClearsLatchWhenBalanceRecovered(t *testing.T) {
	now := time.Now()
	store := &fakeSettingsStore{settings: types.GlobalSettings{
		UserID:                "u1",
		MinBalanceThreshold:   dec("100"),
		KillSwitchTriggeredAt: &now,
	}}
	adapters := map[string]exchange.Exchange{
		"acct1": &balanceExchange{balance: dec("250")},
	}

	g := newTestGuardian(store, &fakeAlerter{}, adapters)
	require.NoError(t, g.ResetKillSwitch(context.Background()))
	assert.Nil(t, store.settings.KillSwitchTriggeredAt)
	assert.True(t, store.settings.BotEnabled)
}

func TestStreakMultiplier(t *testing.T) {
	store := &fakeSettingsStore{settings: types.GlobalSettings{UserID: "u1"}}
	g := newTestGuardian(store, &fakeAlerter{}, nil)

	settings := &types.GlobalSettings{
		StreakReductionEnabled: true,
		StreakReductionPct:     dec("0.10"),
	}

	assert.True(t, g.StreakMultiplier(settings).Equal(dec("1")))

	g.LoadStreak(3)
	assert.True(t, g.StreakMultiplier(settings).Equal(dec("0.7")))

	// Deep streak floors at 0.1.
	g.LoadStreak(50)
	assert.True(t, g.StreakMultiplier(settings).Equal(dec("0.1")))

	// Disabled reduction always returns 1.
	settings.StreakReductionEnabled = false
	assert.True(t, g.StreakMultiplier(settings).Equal(dec("1")))
}

func TestRecordClosedPositionStreak(t *testing.T) {
	store := &fakeSettingsStore{settings: types.GlobalSettings{UserID: "u1"}}
	g := newTestGuardian(store, &fakeAlerter{}, nil)
	ctx := context.Background()

	g.RecordClosedPosition(ctx, dec("-5"))
	g.RecordClosedPosition(ctx, dec("-3"))
	assert.Equal(t, 2, store.settings.CurrentLosingStreak)
	assert.Equal(t, 2, store.settings.MaxLosingStreak)

	g.RecordClosedPosition(ctx, dec("10"))
	assert.Equal(t, 0, store.settings.CurrentLosingStreak)
	assert.Equal(t, 2, store.settings.MaxLosingStreak)
}
