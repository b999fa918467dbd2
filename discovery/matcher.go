package discovery

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkelsey/courtedge/scores"
)

// Match pairs a game with the market that trades it.
type Match struct {
	Game       scores.Game
	Market     DiscoveredMarket
	Confidence float64
	Strategy   string
}

// Matcher pairs live games with discovered markets. Strategies run in
// declining reliability; the first one meeting the threshold wins.
type Matcher struct {
	threshold float64
}

// NewMatcher creates a matcher with the given confidence threshold
// (0 means the 0.70 default).
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = 0.70
	}
	return &Matcher{threshold: threshold}
}

// MatchAll pairs each game with at most one market. A market claimed by one
// game is never offered to another in the same pass.
func (m *Matcher) MatchAll(games []scores.Game, markets []DiscoveredMarket) []Match {
	claimed := make(map[string]bool, len(markets))
	var matches []Match

	for _, game := range games {
		best, ok := m.matchOne(game, markets, claimed)
		if !ok {
			continue
		}
		claimed[best.Market.ID] = true
		matches = append(matches, best)
		log.Info().
			Str("game", game.AwayAbbrev+" @ "+game.HomeAbbrev).
			Str("market", best.Market.Ticker).
			Float64("confidence", best.Confidence).
			Str("strategy", best.Strategy).
			Msg("🎯 Game matched to market")
	}
	return matches
}

func (m *Matcher) matchOne(game scores.Game, markets []DiscoveredMarket, claimed map[string]bool) (Match, bool) {
	var best Match
	for _, market := range markets {
		if claimed[market.ID] {
			continue
		}
		if market.Sport != game.Sport {
			continue
		}

		conf, strategy := score(game, market)
		if conf >= m.threshold && conf > best.Confidence {
			best = Match{Game: game, Market: market, Confidence: conf, Strategy: strategy}
		}
	}
	return best, best.Confidence > 0
}

// score runs the strategies in order and returns the strongest applicable
// confidence.
func score(game scores.Game, market DiscoveredMarket) (float64, string) {
	title := strings.ToLower(market.Title)

	if game.HomeAbbrev != "" && game.AwayAbbrev != "" &&
		hasWord(title, strings.ToLower(game.HomeAbbrev)) &&
		hasWord(title, strings.ToLower(game.AwayAbbrev)) {
		return 0.90, "abbreviation"
	}

	homeLower := strings.ToLower(game.HomeTeam)
	awayLower := strings.ToLower(game.AwayTeam)
	if homeLower != "" && awayLower != "" &&
		strings.Contains(title, homeLower) && strings.Contains(title, awayLower) {
		return 0.85, "full_name"
	}

	homeHits := tokenHits(title, game.HomeTeam)
	awayHits := tokenHits(title, game.AwayTeam)
	if homeHits >= 2 && awayHits >= 2 {
		return 0.80, "partial_name"
	}

	if !market.EndTime.IsZero() && !game.StartTime.IsZero() {
		delta := market.EndTime.Sub(game.StartTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= 4*time.Hour && homeHits+awayHits >= 2 {
			return 0.70, "time_window"
		}
	}
	return 0, ""
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// hasWord reports a token-boundary occurrence, so "lal" never matches
// inside "dallas".
func hasWord(text, word string) bool {
	for _, tok := range wordSplit.Split(text, -1) {
		if tok == word {
			return true
		}
	}
	return false
}

// tokenHits counts distinct team-name tokens present as words in the title.
// Short tokens ("the", "fc") are skipped.
func tokenHits(title, team string) int {
	hits := 0
	for _, tok := range wordSplit.Split(strings.ToLower(team), -1) {
		if len(tok) < 3 {
			continue
		}
		if hasWord(title, tok) {
			hits++
		}
	}
	return hits
}
