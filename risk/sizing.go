// Package risk holds the capital-protection components: position sizing and
// the balance guardian with its kill switch.
package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/types"
)

// Sizing clamps regardless of Kelly output.
var (
	MinPositionUSD = decimal.NewFromInt(1)
	MaxPositionUSD = decimal.NewFromInt(1000)
)

// KellyInput carries the probability estimate and trading history for one
// sizing decision.
type KellyInput struct {
	WinProbability decimal.Decimal // effective p in [0,1]
	PayoutRatio    decimal.Decimal // b, win amount / loss amount
	HistoricalWins int
	HistoricalN    int
}

// Kelly computes the fractional Kelly stake multiplier in [0,1].
// f* = (b·p − q)/b with q = 1−p, clamped to [0,1]. At p=0.5, b=1 the edge is
// zero and so is the stake.
func Kelly(p, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q := decimal.NewFromInt(1).Sub(p)
	f := b.Mul(p).Sub(q).Div(b)
	if f.IsNegative() {
		return decimal.Zero
	}
	if f.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return f
}

// Size computes the total USD stake for one entry. streakMultiplier comes
// from the guardian and is applied last, after all clamps.
func Size(cfg types.SportConfig, in KellyInput, streakMultiplier decimal.Decimal) decimal.Decimal {
	size := cfg.PositionSizeUSD

	if cfg.KellyEnabled {
		p := in.WinProbability

		// Blend with the observed win rate once enough history exists. The
		// blend weight grows with sample size and caps at 0.5.
		if in.HistoricalN >= cfg.MinKellySampleSize && in.HistoricalN > 0 {
			winRate := decimal.NewFromInt(int64(in.HistoricalWins)).
				Div(decimal.NewFromInt(int64(in.HistoricalN)))
			weight := decimal.NewFromInt(int64(in.HistoricalN)).Div(decimal.NewFromInt(100))
			if weight.GreaterThan(decimal.NewFromFloat(0.5)) {
				weight = decimal.NewFromFloat(0.5)
			}
			p = p.Mul(decimal.NewFromInt(1).Sub(weight)).Add(winRate.Mul(weight))
		}

		f := Kelly(p, in.PayoutRatio)
		fraction := cfg.KellyFraction
		if fraction.IsZero() {
			fraction = decimal.NewFromFloat(0.25)
		}
		size = cfg.PositionSizeUSD.Mul(f).Mul(fraction)
	}

	if size.LessThan(MinPositionUSD) {
		size = MinPositionUSD
	}
	if size.GreaterThan(MaxPositionUSD) {
		size = MaxPositionUSD
	}

	size = size.Mul(streakMultiplier)
	log.Debug().
		Str("sport", cfg.Sport).
		Str("size", size.StringFixed(2)).
		Str("multiplier", streakMultiplier.StringFixed(2)).
		Msg("Position sized")
	return size
}

// AccountSize is one account's share of an entry.
type AccountSize struct {
	AccountID string
	Contracts decimal.Decimal
}

// Allocate splits a contract count across active accounts by allocation
// percentage. Contracts are whole units; the integer remainder goes to the
// last account so the total is always preserved. The active percentages must
// sum to 100 within a hundredth of a point: rows written outside
// SetAllocations would otherwise silently over- or under-deploy the stake.
func Allocate(totalContracts decimal.Decimal, accounts []types.Account) ([]AccountSize, error) {
	var active []types.Account
	for _, a := range accounts {
		if a.IsActive && a.AllocationPct.IsPositive() {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	hundred := decimal.NewFromInt(100)
	sum := decimal.Zero
	for _, a := range active {
		sum = sum.Add(a.AllocationPct)
	}
	if sum.Sub(hundred).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		return nil, fmt.Errorf("active allocations sum to %s, need 100", sum.StringFixed(2))
	}

	total := totalContracts.Round(0)

	out := make([]AccountSize, 0, len(active))
	assigned := decimal.Zero
	for i, a := range active {
		var share decimal.Decimal
		if i == len(active)-1 {
			share = total.Sub(assigned)
		} else {
			share = total.Mul(a.AllocationPct).Div(hundred).Floor()
			assigned = assigned.Add(share)
		}
		out = append(out, AccountSize{AccountID: a.ID, Contracts: share})
	}
	return out, nil
}
