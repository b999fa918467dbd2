// Package storage persists engine state. The Store interface is what the
// engine programs against; the gorm implementation below is the only
// concrete one.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/types"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence port.
type Store interface {
	// Accounts
	GetAccounts(ctx context.Context, userID string) ([]types.Account, error)
	SaveAccount(ctx context.Context, a *types.Account) error
	// SetAllocations atomically replaces allocation percentages for the
	// given accounts. All rows update or none do.
	SetAllocations(ctx context.Context, userID string, pcts map[string]decimal.Decimal) error
	SetPrimaryAccount(ctx context.Context, userID, accountID string) error

	// Sport configs
	GetSportConfigs(ctx context.Context, userID string) ([]types.SportConfig, error)
	GetSportConfig(ctx context.Context, userID, sport string) (*types.SportConfig, error)
	SaveSportConfig(ctx context.Context, c *types.SportConfig) error

	// Global settings
	GetGlobalSettings(ctx context.Context, userID string) (*types.GlobalSettings, error)
	SaveGlobalSettings(ctx context.Context, s *types.GlobalSettings) error

	// Tracked markets
	GetTrackedMarkets(ctx context.Context, userID string) ([]*types.TrackedMarket, error)
	GetTrackedMarket(ctx context.Context, id string) (*types.TrackedMarket, error)
	SaveTrackedMarket(ctx context.Context, m *types.TrackedMarket) error
	// CaptureBaseline records the baseline prices exactly once. Calls after
	// the first are no-ops.
	CaptureBaseline(ctx context.Context, id string, yes, no decimal.Decimal, at time.Time) error

	// Positions
	GetOpenPositions(ctx context.Context, userID string) ([]*types.Position, error)
	GetOpenPositionsForMarket(ctx context.Context, userID, marketID string) ([]*types.Position, error)
	CreatePosition(ctx context.Context, p *types.Position) error
	// OpenPosition writes the new position and its entry trade in one
	// transaction, so a crash between the two can't orphan either row.
	OpenPosition(ctx context.Context, p *types.Position, trade *types.Trade) error
	UpdatePosition(ctx context.Context, p *types.Position) error
	// ClosePosition writes the closed position and its exit trade in one
	// transaction. A position closes exactly once; a second close fails.
	ClosePosition(ctx context.Context, p *types.Position, trade *types.Trade) error

	// Trades and aggregates
	SaveTrade(ctx context.Context, t *types.Trade) error
	TradesToday(ctx context.Context, userID string) (int64, error)
	DailyPnL(ctx context.Context, userID string) (decimal.Decimal, error)
	WinLossCounts(ctx context.Context, userID, sport string) (wins, total int, err error)

	// Audit
	SaveReconciliationRun(ctx context.Context, run *types.ReconciliationRun) error
	SaveBalanceSnapshot(ctx context.Context, snap *types.BalanceSnapshot) error

	Close() error
}
