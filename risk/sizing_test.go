package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkelsey/courtedge/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestKellyZeroEdge(t *testing.T) {
	// Even-money bet at coin-flip probability has no edge.
	f := Kelly(dec("0.5"), dec("1"))
	assert.True(t, f.IsZero(), "got %s", f)
}

func TestKellyPositiveEdge(t *testing.T) {
	// p=0.6, b=1: f* = (0.6 - 0.4)/1 = 0.2
	f := Kelly(dec("0.6"), dec("1"))
	assert.True(t, f.Equal(dec("0.2")), "got %s", f)
}

func TestKellyNegativeEdgeClampsToZero(t *testing.T) {
	f := Kelly(dec("0.3"), dec("1"))
	assert.True(t, f.IsZero())
}

func TestKellyClampsToOne(t *testing.T) {
	f := Kelly(dec("1"), dec("0.5"))
	assert.True(t, f.LessThanOrEqual(dec("1")))
}

func TestKellyZeroPayoutRatio(t *testing.T) {
	assert.True(t, Kelly(dec("0.9"), decimal.Zero).IsZero())
}

func TestSizeWithoutKelly(t *testing.T) {
	cfg := types.SportConfig{Sport: "nba", PositionSizeUSD: dec("50")}
	size := Size(cfg, KellyInput{}, dec("1"))
	assert.True(t, size.Equal(dec("50")), "got %s", size)
}

func TestSizeAppliesStreakMultiplierLast(t *testing.T) {
	cfg := types.SportConfig{Sport: "nba", PositionSizeUSD: dec("50")}
	size := Size(cfg, KellyInput{}, dec("0.5"))
	assert.True(t, size.Equal(dec("25")), "got %s", size)
}

func TestSizeClampsToMax(t *testing.T) {
	cfg := types.SportConfig{Sport: "nba", PositionSizeUSD: dec("5000")}
	size := Size(cfg, KellyInput{}, dec("1"))
	assert.True(t, size.Equal(MaxPositionUSD), "got %s", size)
}

func TestSizeClampsToMin(t *testing.T) {
	cfg := types.SportConfig{
		Sport:           "nba",
		PositionSizeUSD: dec("100"),
		KellyEnabled:    true,
		KellyFraction:   dec("0.25"),
	}
	// No edge: Kelly gives zero, clamp floors at the minimum.
	size := Size(cfg, KellyInput{
		WinProbability: dec("0.5"),
		PayoutRatio:    dec("1"),
	}, dec("1"))
	assert.True(t, size.Equal(MinPositionUSD), "got %s", size)
}

func TestAllocateSixtyForty(t *testing.T) {
	accounts := []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("60")},
		{ID: "b", IsActive: true, AllocationPct: dec("40")},
	}
	out, err := Allocate(dec("10"), accounts)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Contracts.Equal(dec("6")), "got %s", out[0].Contracts)
	assert.True(t, out[1].Contracts.Equal(dec("4")), "got %s", out[1].Contracts)
}

func TestAllocateRemainderToLastAccount(t *testing.T) {
	accounts := []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("33")},
		{ID: "b", IsActive: true, AllocationPct: dec("33")},
		{ID: "c", IsActive: true, AllocationPct: dec("34")},
	}
	out, err := Allocate(dec("10"), accounts)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.True(t, out[0].Contracts.Equal(dec("3")))
	assert.True(t, out[1].Contracts.Equal(dec("3")))
	assert.True(t, out[2].Contracts.Equal(dec("4")))

	total := out[0].Contracts.Add(out[1].Contracts).Add(out[2].Contracts)
	assert.True(t, total.Equal(dec("10")))
}

func TestAllocateSkipsInactiveAccounts(t *testing.T) {
	accounts := []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("100")},
		{ID: "b", IsActive: false, AllocationPct: dec("50")},
	}
	out, err := Allocate(dec("7"), accounts)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].AccountID)
	assert.True(t, out[0].Contracts.Equal(dec("7")))
}

func TestAllocateNoActiveAccounts(t *testing.T) {
	out, err := Allocate(dec("10"), nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Allocate(dec("10"), []types.Account{{ID: "a", IsActive: false}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestAllocateRefusesBadSum(t *testing.T) {
	// Rows written outside the validated path must not deploy a partial or
	// inflated stake.
	_, err := Allocate(dec("10"), []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("60")},
		{ID: "b", IsActive: true, AllocationPct: dec("30")},
	})
	require.Error(t, err)

	_, err = Allocate(dec("10"), []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("80")},
		{ID: "b", IsActive: true, AllocationPct: dec("40")},
	})
	require.Error(t, err)

	// A hundredth of a point of rounding is tolerated.
	out, err := Allocate(dec("10"), []types.Account{
		{ID: "a", IsActive: true, AllocationPct: dec("33.33")},
		{ID: "b", IsActive: true, AllocationPct: dec("33.33")},
		{ID: "c", IsActive: true, AllocationPct: dec("33.34")},
	})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
