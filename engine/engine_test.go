package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/storage"
)

func TestParseClock(t *testing.T) {
	assert.Equal(t, 462.0, parseClock("7:42"))
	assert.Equal(t, 0.0, parseClock("0:00"))
	assert.Equal(t, 59.0, parseClock("0:59"))
	assert.Equal(t, 0.0, parseClock("halftime"))
	assert.Equal(t, 0.0, parseClock(""))
}

func TestEstimateSecondsRemaining(t *testing.T) {
	// NBA Q3 with 7:42 left: one full quarter plus the clock.
	g := scores.Game{Sport: "nba", Period: 3, Clock: "7:42"}
	assert.Equal(t, 720.0+462.0, estimateSecondsRemaining(g))

	// Final period, only the clock remains.
	g = scores.Game{Sport: "nba", Period: 4, Clock: "2:00"}
	assert.Equal(t, 120.0, estimateSecondsRemaining(g))

	// MLB has no clock; an in-progress inning counts as a full one.
	g = scores.Game{Sport: "mlb", Period: 7, Clock: "0:00"}
	assert.Equal(t, 2*1200.0+1200.0, estimateSecondsRemaining(g))

	// Overtime periods never go negative.
	g = scores.Game{Sport: "nba", Period: 5, Clock: "3:00"}
	assert.Equal(t, 180.0, estimateSecondsRemaining(g))

	// Unknown sport estimates zero.
	g = scores.Game{Sport: "curling", Period: 1}
	assert.Equal(t, 0.0, estimateSecondsRemaining(g))
}

func TestPhaseTables(t *testing.T) {
	for sport, total := range totalPhases {
		assert.Positive(t, total, sport)
		assert.Positive(t, phaseSeconds[sport], sport)
	}
	assert.Equal(t, 4, totalPhases["nba"])
	assert.Equal(t, 720.0, phaseSeconds["nba"])
	assert.Equal(t, 9, totalPhases["mlb"])
}

type allocStore struct {
	storage.Store
	saved map[string]decimal.Decimal
}

func (s *allocStore) SetAllocations(ctx context.Context, userID string, pcts map[string]decimal.Decimal) error {
	s.saved = pcts
	return nil
}

func TestSetAllocationsValidation(t *testing.T) {
	store := &allocStore{}
	m := NewManager(store, nil, nil, nil, discovery.Filters{})
	ctx := context.Background()

	err := m.SetAllocations(ctx, "user1", map[string]decimal.Decimal{
		"a": decimal.NewFromInt(60),
		"b": decimal.NewFromInt(30),
	})
	require.Error(t, err, "sum 90 must be rejected")
	assert.Nil(t, store.saved)

	err = m.SetAllocations(ctx, "user1", map[string]decimal.Decimal{
		"a": decimal.NewFromInt(120),
		"b": decimal.NewFromInt(-20),
	})
	require.Error(t, err, "negative allocation must be rejected")

	err = m.SetAllocations(ctx, "user1", map[string]decimal.Decimal{
		"a": decimal.NewFromFloat(33.33),
		"b": decimal.NewFromFloat(33.33),
		"c": decimal.NewFromFloat(33.34),
	})
	require.NoError(t, err)
	assert.Len(t, store.saved, 3)
}

func TestManagerStatusUnknownUser(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, discovery.Filters{})
	status, err := m.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, "ghost", status.UserID)
}
