// Package scores fetches live game state from the public scoreboard API.
// The client is stateless; callers poll and diff.
package scores

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// GameState is the coarse lifecycle of a game.
type GameState string

const (
	StatePre      GameState = "pre"
	StateLive     GameState = "live"
	StateFinished GameState = "finished"
)

// Game is one event from the scoreboard.
type Game struct {
	ID        string
	Sport     string
	StartTime time.Time

	HomeTeam   string
	HomeAbbrev string
	AwayTeam   string
	AwayAbbrev string

	HomeScore int
	AwayScore int
	Period    int
	Clock     string
	State     GameState
}

// Live reports whether the game is in progress.
func (g Game) Live() bool { return g.State == StateLive }

// Leader returns the currently leading team name, empty when tied.
func (g Game) Leader() string {
	switch {
	case g.HomeScore > g.AwayScore:
		return g.HomeTeam
	case g.AwayScore > g.HomeScore:
		return g.AwayTeam
	}
	return ""
}

const (
	defaultTimeout = 10 * time.Second
	maxBackoff     = 5 * time.Minute
	baseBackoff    = 15 * time.Second
)

// Client polls per-sport scoreboards. Consecutive failures back off
// exponentially per sport so one broken endpoint doesn't hammer the API.
type Client struct {
	http *resty.Client

	mu       sync.Mutex
	failures map[string]int
	nextTry  map[string]time.Time
}

// NewClient creates a scoreboard client against the given API base,
// e.g. "https://site.api.espn.com/apis/site/v2/sports".
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/json"),
		failures: make(map[string]int),
		nextTry:  make(map[string]time.Time),
	}
}

// Sport path segments per supported sport key.
var sportPaths = map[string]string{
	"nba":   "basketball/nba",
	"nfl":   "football/nfl",
	"mlb":   "baseball/mlb",
	"nhl":   "hockey/nhl",
	"ncaab": "basketball/mens-college-basketball",
	"ncaaf": "football/college-football",
}

type scoreboardResponse struct {
	Events []struct {
		ID           string `json:"id"`
		Date         string `json:"date"`
		Competitions []struct {
			Competitors []struct {
				HomeAway string `json:"homeAway"`
				Score    string `json:"score"`
				Team     struct {
					DisplayName  string `json:"displayName"`
					Abbreviation string `json:"abbreviation"`
				} `json:"team"`
			} `json:"competitors"`
			Status struct {
				Period       int    `json:"period"`
				DisplayClock string `json:"displayClock"`
				Type         struct {
					State     string `json:"state"`
					Completed bool   `json:"completed"`
				} `json:"type"`
			} `json:"status"`
		} `json:"competitions"`
	} `json:"events"`
}

// GetScoreboard fetches today's games for one sport. During a backoff window
// it returns the sentinel ErrBackoff without touching the network.
func (c *Client) GetScoreboard(ctx context.Context, sport string) ([]Game, error) {
	path, ok := sportPaths[strings.ToLower(sport)]
	if !ok {
		return nil, fmt.Errorf("unsupported sport %q", sport)
	}

	if until, backing := c.backingOff(sport); backing {
		return nil, fmt.Errorf("%w until %s", ErrBackoff, until.Format(time.RFC3339))
	}

	var resp scoreboardResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/" + path + "/scoreboard")
	if err != nil {
		c.recordFailure(sport)
		return nil, fmt.Errorf("scoreboard %s: %w", sport, err)
	}
	if r.StatusCode() != 200 {
		c.recordFailure(sport)
		return nil, fmt.Errorf("scoreboard %s: status %d", sport, r.StatusCode())
	}
	c.recordSuccess(sport)

	games := make([]Game, 0, len(resp.Events))
	for _, ev := range resp.Events {
		if len(ev.Competitions) == 0 {
			continue
		}
		comp := ev.Competitions[0]

		g := Game{
			ID:     ev.ID,
			Sport:  strings.ToLower(sport),
			Period: comp.Status.Period,
			Clock:  comp.Status.DisplayClock,
			State:  mapState(comp.Status.Type.State, comp.Status.Type.Completed),
		}
		if t, perr := time.Parse(time.RFC3339, ev.Date); perr == nil {
			g.StartTime = t
		} else if t, perr := time.Parse("2006-01-02T15:04Z", ev.Date); perr == nil {
			g.StartTime = t
		}

		for _, comp := range comp.Competitors {
			score := parseScore(comp.Score)
			if comp.HomeAway == "home" {
				g.HomeTeam = comp.Team.DisplayName
				g.HomeAbbrev = comp.Team.Abbreviation
				g.HomeScore = score
			} else {
				g.AwayTeam = comp.Team.DisplayName
				g.AwayAbbrev = comp.Team.Abbreviation
				g.AwayScore = score
			}
		}
		games = append(games, g)
	}

	log.Debug().Str("sport", sport).Int("games", len(games)).Msg("Scoreboard fetched")
	return games, nil
}

// ErrBackoff signals a skipped fetch during a failure backoff window.
var ErrBackoff = fmt.Errorf("scoreboard backoff active")

func (c *Client) backingOff(sport string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.nextTry[sport]
	if ok && time.Now().Before(until) {
		return until, true
	}
	return time.Time{}, false
}

func (c *Client) recordFailure(sport string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[sport]++
	backoff := baseBackoff * time.Duration(1<<uint(c.failures[sport]-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	c.nextTry[sport] = time.Now().Add(backoff)
	log.Warn().
		Str("sport", sport).
		Int("failures", c.failures[sport]).
		Dur("backoff", backoff).
		Msg("⚠️ Scoreboard fetch failed")
}

func (c *Client) recordSuccess(sport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, sport)
	delete(c.nextTry, sport)
}

func mapState(state string, completed bool) GameState {
	if completed {
		return StateFinished
	}
	switch state {
	case "pre":
		return StatePre
	case "in":
		return StateLive
	case "post":
		return StateFinished
	default:
		return StatePre
	}
}

func parseScore(s string) int {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}
