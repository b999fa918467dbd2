package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Platform identifies which exchange an account trades on.
type Platform string

const (
	PlatformCLOBRest Platform = "clob_rest"
	PlatformEVMCLOB  Platform = "evm_clob"
)

// Side is the outcome token side of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Action is the order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// FillStatus tracks how an order submission resolved. Terminal statuses
// (filled, cancelled, rejected, timeout) never change again.
type FillStatus string

const (
	FillPending   FillStatus = "pending"
	FillPartial   FillStatus = "partial"
	FillFilled    FillStatus = "filled"
	FillCancelled FillStatus = "cancelled"
	FillRejected  FillStatus = "rejected"
	FillTimeout   FillStatus = "timeout"
)

// Terminal reports whether a fill status can no longer change.
func (f FillStatus) Terminal() bool {
	switch f {
	case FillFilled, FillCancelled, FillRejected, FillTimeout:
		return true
	}
	return false
}

// SyncStatus records how a position relates to on-exchange state after
// reconciliation.
type SyncStatus string

const (
	SyncSynced           SyncStatus = "synced"
	SyncRecovered        SyncStatus = "recovered"
	SyncDrift            SyncStatus = "drift"
	SyncClosedReconciled SyncStatus = "closed_reconciled"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Account is one funded identity on one exchange. Credentials are stored
// encrypted and are opaque here; adapters receive them already decrypted.
type Account struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"index"`
	Platform      Platform
	Label         string
	IsPrimary     bool
	IsActive      bool `gorm:"index"`
	AllocationPct decimal.Decimal // 0..100, active allocations sum to 100
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SportConfig holds per-(user, sport) trading parameters.
type SportConfig struct {
	ID                    string `gorm:"primaryKey"`
	UserID                string `gorm:"index"`
	Sport                 string
	Enabled               bool
	EntryThresholdDropPct decimal.Decimal // % drop from baseline required
	EntryThresholdAbs     decimal.Decimal // absolute YES price ceiling
	TakeProfitPct         decimal.Decimal
	StopLossPct           decimal.Decimal
	PositionSizeUSD       decimal.Decimal
	MaxPositionsPerGame   int
	MaxPositionsTotal     int
	MinTimeRemainingSec   int
	MaxPhase              int // no entries past this quarter/inning/set/round
	MinConfidence         float64
	KellyEnabled          bool
	KellyFraction         decimal.Decimal
	MinKellySampleSize    int
	ExitBeforeSec         int // close positions with less time remaining
}

// GlobalSettings holds per-user engine settings and the kill-switch latch.
type GlobalSettings struct {
	UserID                 string `gorm:"primaryKey"`
	BotEnabled             bool
	DryRun                 bool
	MaxDailyLossUSD        decimal.Decimal
	MinBalanceThreshold    decimal.Decimal
	BalanceCheckIntervalS  int
	KillSwitchTriggeredAt  *time.Time
	KillSwitchReason       string
	CurrentLosingStreak    int
	MaxLosingStreak        int
	StreakReductionEnabled bool
	StreakReductionPct     decimal.Decimal // per-loss size reduction, e.g. 0.10
	WebhookURL             string
}

// KillSwitchActive reports whether the latch is set.
func (g *GlobalSettings) KillSwitchActive() bool {
	return g.KillSwitchTriggeredAt != nil
}

// TrackedMarket is a market the engine watches for one user. The baseline
// prices are captured exactly once, on first observation, and never mutated.
type TrackedMarket struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"index"`
	Platform           Platform
	MarketID           string // condition id or ticker
	YesTokenID         string
	NoTokenID          string
	Sport              string
	EventID            string // external scoreboard event id
	HomeTeam           string
	AwayTeam           string
	GameStartTime      time.Time
	BaselineYes        decimal.Decimal
	BaselineNo         decimal.Decimal
	BaselineCapturedAt *time.Time
	CurrentYes         decimal.Decimal
	CurrentNo          decimal.Decimal
	MatchConfidence    float64
	IsLive             bool
	IsFinished         bool
	IsUserSelected     bool
	AutoDiscovered     bool
	LastPriceAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DropPct returns the percentage drop of the current YES price from baseline.
// Zero when no baseline has been captured yet.
func (m *TrackedMarket) DropPct() decimal.Decimal {
	if m.BaselineCapturedAt == nil || m.BaselineYes.IsZero() {
		return decimal.Zero
	}
	return m.BaselineYes.Sub(m.CurrentYes).Div(m.BaselineYes).Mul(decimal.NewFromInt(100))
}

// Position is a held stake on one account.
type Position struct {
	ID                   string `gorm:"primaryKey"`
	UserID               string `gorm:"index"`
	AccountID            string
	TrackedMarketID      string
	Platform             Platform
	MarketID             string
	TokenID              string
	Side                 Side
	RequestedEntryPrice  decimal.Decimal
	EntryPrice           decimal.Decimal // actual fill
	EntrySize            decimal.Decimal // contracts
	FillStatus           FillStatus
	ConfirmationAttempts int
	Slippage             decimal.Decimal // signed, actual - requested
	SyncStatus           SyncStatus
	RecoverySource       string
	EntryReason          string
	ExitReason           string
	ExitPrice            decimal.Decimal
	ExitSize             decimal.Decimal
	RealizedPnL          decimal.Decimal
	Status               PositionStatus `gorm:"index"`
	OrderID              string
	OpenedAt             time.Time
	ClosedAt             *time.Time
}

// UnrealizedPnL computes mark-to-market P&L at the given price.
func (p *Position) UnrealizedPnL(current decimal.Decimal) decimal.Decimal {
	return current.Sub(p.EntryPrice).Mul(p.EntrySize)
}

// ProfitPct returns the fractional gain relative to entry, zero when entry
// price is zero.
func (p *Position) ProfitPct(current decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return current.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// Trade is an immutable execution record tied to a position.
type Trade struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	AccountID  string
	PositionID string
	MarketID   string
	Side       Side
	Action     Action
	Price      decimal.Decimal // [0,1]
	Size       decimal.Decimal // > 0
	PnL        decimal.Decimal
	Reason     string
	ExecutedAt time.Time
}

// ReconciliationRun is an append-only audit row for one reconciler pass.
type ReconciliationRun struct {
	ID          string `gorm:"primaryKey"`
	UserID      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Synced      int
	Recovered   int
	ClosedLocal int
	Errors      int
}

// BalanceSnapshot is an append-only audit row from the guardian.
type BalanceSnapshot struct {
	ID        string `gorm:"primaryKey"`
	UserID    string
	AccountID string
	Balance   decimal.Decimal
	TakenAt   time.Time
}
