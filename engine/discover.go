package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkelsey/courtedge/discovery"
	"github.com/dkelsey/courtedge/scores"
	"github.com/dkelsey/courtedge/types"
)

// discoveryLoop refreshes the tracked-market set every minute. The interval
// is jittered so multiple engines don't stampede the venues together.
func (e *Engine) discoveryLoop(ctx context.Context) {
	e.discoverOnce(ctx)
	for {
		jitter := time.Duration(rand.Int63n(int64(10 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(discoveryInterval + jitter):
			e.discoverOnce(ctx)
		}
	}
}

func (e *Engine) discoverOnce(ctx context.Context) {
	configs, err := e.store.GetSportConfigs(ctx, e.userID)
	if err != nil {
		e.handleError("discovery", err)
		return
	}
	var sports []string
	for _, c := range configs {
		if c.Enabled {
			sports = append(sports, c.Sport)
		}
	}
	if len(sports) == 0 {
		return
	}

	// Scoreboard first: without live games there is nothing to match.
	var games []scores.Game
	for _, sport := range sports {
		fetched, err := e.scoreboard.GetScoreboard(ctx, sport)
		if err != nil {
			log.Warn().Err(err).Str("sport", sport).Msg("Scoreboard fetch skipped")
			continue
		}
		games = append(games, fetched...)
	}
	e.rememberGames(games)

	var live []scores.Game
	for _, g := range games {
		if g.Live() {
			live = append(live, g)
		}
	}
	if len(live) == 0 {
		return
	}

	for platform, disc := range e.discoverers {
		if !e.acquireWorker(ctx, platform) {
			return
		}
		markets, err := disc.Discover(ctx, sports)
		e.releaseWorker(platform)
		if err != nil {
			e.handleError("discovery:"+string(platform), err)
			continue
		}

		matches := e.matcher.MatchAll(live, markets)
		for _, m := range matches {
			if err := e.trackMatch(ctx, m); err != nil {
				e.handleError("track", err)
			}
		}
	}

	e.markFinished(ctx)
}

// rememberGames refreshes the in-memory scoreboard cache used by the
// evaluation loop.
func (e *Engine) rememberGames(games []scores.Game) {
	e.gamesMu.Lock()
	defer e.gamesMu.Unlock()
	for _, g := range games {
		e.games[g.ID] = g
	}
}

func (e *Engine) gameFor(eventID string) (scores.Game, bool) {
	e.gamesMu.RLock()
	defer e.gamesMu.RUnlock()
	g, ok := e.games[eventID]
	return g, ok
}

// trackMatch upserts a tracked market for one game/market pair. Existing
// rows keep their identity (and baseline); only live-state fields refresh.
func (e *Engine) trackMatch(ctx context.Context, m discovery.Match) error {
	existing, err := e.store.GetTrackedMarkets(ctx, e.userID)
	if err != nil {
		return err
	}
	for _, tm := range existing {
		if tm.MarketID == m.Market.ID && tm.Platform == m.Market.Platform {
			tm.IsLive = true
			tm.EventID = m.Game.ID
			tm.UpdatedAt = time.Now()
			return e.store.SaveTrackedMarket(ctx, tm)
		}
	}

	tm := &types.TrackedMarket{
		ID:              uuid.NewString(),
		UserID:          e.userID,
		Platform:        m.Market.Platform,
		MarketID:        m.Market.ID,
		YesTokenID:      m.Market.YesTokenID,
		NoTokenID:       m.Market.NoTokenID,
		Sport:           m.Market.Sport,
		EventID:         m.Game.ID,
		HomeTeam:        m.Game.HomeTeam,
		AwayTeam:        m.Game.AwayTeam,
		GameStartTime:   m.Game.StartTime,
		MatchConfidence: m.Confidence,
		IsLive:          true,
		AutoDiscovered:  true,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	log.Info().
		Str("market", tm.MarketID).
		Str("game", tm.AwayTeam+" @ "+tm.HomeTeam).
		Str("sport", tm.Sport).
		Msg("📍 Tracking new market")
	return e.store.SaveTrackedMarket(ctx, tm)
}

// markFinished flags tracked markets whose game ended or whose market the
// venue reports closed. Finished markets leave the evaluation set.
func (e *Engine) markFinished(ctx context.Context) {
	tracked, err := e.store.GetTrackedMarkets(ctx, e.userID)
	if err != nil {
		return
	}
	for _, tm := range tracked {
		finished := false

		if g, ok := e.gameFor(tm.EventID); ok && g.State == scores.StateFinished {
			finished = true
		}
		if !finished {
			adapter, aerr := e.adapterForMarket(ctx, tm.Platform)
			if aerr == nil {
				if m, merr := adapter.GetMarket(ctx, tm.MarketID); merr == nil && !m.Open() {
					finished = true
				}
			}
		}

		if finished {
			tm.IsFinished = true
			tm.IsLive = false
			tm.UpdatedAt = time.Now()
			if err := e.store.SaveTrackedMarket(ctx, tm); err == nil {
				log.Info().Str("market", tm.MarketID).Msg("🏁 Game finished, market untracked")
			}
		}
	}
}
