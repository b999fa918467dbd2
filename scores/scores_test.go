package scores

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scoreboardJSON = `{
	"events": [{
		"id": "401585601",
		"date": "2026-03-10T19:00Z",
		"competitions": [{
			"competitors": [
				{"homeAway": "home", "score": "58",
				 "team": {"displayName": "Los Angeles Lakers", "abbreviation": "LAL"}},
				{"homeAway": "away", "score": "61",
				 "team": {"displayName": "Boston Celtics", "abbreviation": "BOS"}}
			],
			"status": {
				"period": 3,
				"displayClock": "7:42",
				"type": {"state": "in", "completed": false}
			}
		}]
	}]
}`

func TestGetScoreboardParsesGames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/basketball/nba/scoreboard", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(scoreboardJSON))
	}))
	defer srv.Close()

	games, err := NewClient(srv.URL).GetScoreboard(context.Background(), "nba")
	require.NoError(t, err)
	require.Len(t, games, 1)

	g := games[0]
	assert.Equal(t, "401585601", g.ID)
	assert.Equal(t, "nba", g.Sport)
	assert.Equal(t, "Los Angeles Lakers", g.HomeTeam)
	assert.Equal(t, "LAL", g.HomeAbbrev)
	assert.Equal(t, 58, g.HomeScore)
	assert.Equal(t, 61, g.AwayScore)
	assert.Equal(t, 3, g.Period)
	assert.Equal(t, "7:42", g.Clock)
	assert.Equal(t, StateLive, g.State)
	assert.True(t, g.Live())
	assert.Equal(t, "Boston Celtics", g.Leader())
	assert.Equal(t, 2026, g.StartTime.Year())
}

func TestGetScoreboardUnsupportedSport(t *testing.T) {
	_, err := NewClient("http://localhost").GetScoreboard(context.Background(), "cricket")
	assert.Error(t, err)
}

func TestBackoffAfterFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	_, err := c.GetScoreboard(context.Background(), "nba")
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// The next call inside the backoff window never hits the network.
	_, err = c.GetScoreboard(context.Background(), "nba")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackoff))
	assert.Equal(t, 1, calls)
}

func TestBackoffIsPerSport(t *testing.T) {
	c := NewClient("http://localhost")
	c.recordFailure("nba")

	_, backing := c.backingOff("nba")
	assert.True(t, backing)
	_, backing = c.backingOff("nfl")
	assert.False(t, backing)
}

func TestBackoffDoubles(t *testing.T) {
	c := NewClient("http://localhost")

	c.recordFailure("nba")
	first := c.nextTry["nba"]
	c.recordSuccess("nba")
	assert.Empty(t, c.nextTry)

	c.recordFailure("nba")
	c.recordFailure("nba")
	second := c.nextTry["nba"]
	// Two consecutive failures push the window out further than one does.
	assert.True(t, second.Sub(first) > 0)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, StatePre, mapState("pre", false))
	assert.Equal(t, StateLive, mapState("in", false))
	assert.Equal(t, StateFinished, mapState("post", false))
	assert.Equal(t, StateFinished, mapState("in", true))
	assert.Equal(t, StatePre, mapState("halftime?", false))
}

func TestLeaderTied(t *testing.T) {
	g := Game{HomeTeam: "A", AwayTeam: "B", HomeScore: 3, AwayScore: 3}
	assert.Equal(t, "", g.Leader())
}
