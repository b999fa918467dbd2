// Package discovery finds tradeable game markets across venues and matches
// them to live games from the scoreboard.
package discovery

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dkelsey/courtedge/exchange"
	"github.com/dkelsey/courtedge/types"
)

// DiscoveredMarket is a sport-classified candidate with its venue preserved
// so later routing goes back to the exchange it came from.
type DiscoveredMarket struct {
	exchange.Market
	Platform types.Platform
	Sport    string
	HomeTeam string
	AwayTeam string
}

// Filters narrow the candidate set before matching.
type Filters struct {
	MinLiquidity decimal.Decimal
	MinVolume    decimal.Decimal
	MaxSpread    decimal.Decimal
	HoursAhead   int // 0 disables the game-start window
}

// DefaultFilters matches the configured trading profile: enough depth to
// exit, spread tight enough to not eat the edge.
func DefaultFilters() Filters {
	return Filters{
		MinLiquidity: decimal.NewFromInt(1000),
		MinVolume:    decimal.NewFromInt(5000),
		MaxSpread:    decimal.NewFromFloat(0.10),
		HoursAhead:   12,
	}
}

// Series-tag prefixes per sport for venues that tag markets explicitly.
var seriesTags = map[string]string{
	"KXNBA":   "nba",
	"KXNFL":   "nfl",
	"KXMLB":   "mlb",
	"KXNHL":   "nhl",
	"KXNCAAB": "ncaab",
	"KXNCAAF": "ncaaf",
}

// Keyword fallback over title/description when no series tag exists.
var sportKeywords = map[string][]string{
	"nba":   {"nba", "basketball"},
	"nfl":   {"nfl", "football"},
	"mlb":   {"mlb", "baseball"},
	"nhl":   {"nhl", "hockey"},
	"ncaab": {"ncaab", "college basketball", "march madness"},
	"ncaaf": {"ncaaf", "college football"},
}

// Sport resolution order: specific leagues before generic keywords so
// "college basketball" never classifies as nba.
var sportOrder = []string{"ncaab", "ncaaf", "nba", "nfl", "mlb", "nhl"}

// Team extraction patterns, most explicit first.
var teamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:will\s+)?(.+?)\s+(?:vs\.?|versus)\s+(.+?)(?:\s*[:?].*)?$`),
	regexp.MustCompile(`(?i)^(?:will\s+)?(.+?)\s+to\s+beat\s+(.+?)(?:\s*[:?].*)?$`),
	regexp.MustCompile(`(?i)^(?:will\s+)?(.+?)\s+@\s+(.+?)(?:\s*[:?].*)?$`),
}

// Discoverer scans one venue for candidate game markets.
type Discoverer struct {
	client   exchange.Exchange
	platform types.Platform
	filters  Filters
}

// New creates a discoverer over one adapter.
func New(client exchange.Exchange, platform types.Platform, filters Filters) *Discoverer {
	return &Discoverer{client: client, platform: platform, filters: filters}
}

// Discover fetches and filters candidates for the given sports, sorted by
// liquidity descending. Sports may be empty to accept any classified sport.
func (d *Discoverer) Discover(ctx context.Context, sports []string) ([]DiscoveredMarket, error) {
	wanted := make(map[string]bool, len(sports))
	for _, s := range sports {
		wanted[strings.ToLower(s)] = true
	}

	var out []DiscoveredMarket
	cursor := ""
	for page := 0; page < 20; page++ {
		resp, err := d.client.GetMarkets(ctx, exchange.MarketFilter{
			Status: "open",
			Limit:  200,
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Markets {
			dm, ok := d.classify(m)
			if !ok {
				continue
			}
			if len(wanted) > 0 && !wanted[dm.Sport] {
				continue
			}
			if !d.passesFilters(dm) {
				continue
			}
			out = append(out, dm)
		}

		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Liquidity.GreaterThan(out[j].Liquidity)
	})

	log.Debug().
		Str("platform", string(d.platform)).
		Int("candidates", len(out)).
		Msg("🔍 Discovery pass complete")
	return out, nil
}

// ClassifySport resolves the sport for one market from its series tag,
// ticker, and text, empty when nothing matches.
func ClassifySport(m exchange.Market) string {
	if s := sportFromTag(m.SeriesTag); s != "" {
		return s
	}
	if s := sportFromTag(m.Ticker); s != "" {
		return s
	}
	return sportFromKeywords(m.Title + " " + m.Description)
}

// classify resolves the sport and team names for one market. Markets with no
// recognizable sport are dropped.
func (d *Discoverer) classify(m exchange.Market) (DiscoveredMarket, bool) {
	dm := DiscoveredMarket{Market: m, Platform: d.platform}

	dm.Sport = ClassifySport(m)
	if dm.Sport == "" {
		return dm, false
	}

	dm.HomeTeam, dm.AwayTeam = ExtractTeams(m.Title)
	return dm, true
}

func (d *Discoverer) passesFilters(dm DiscoveredMarket) bool {
	if !dm.Open() {
		return false
	}
	if !dm.EndTime.IsZero() && !dm.EndTime.After(time.Now()) {
		return false
	}

	hasLiquidity := dm.Liquidity.GreaterThanOrEqual(d.filters.MinLiquidity)
	hasVolume := dm.Volume24h.GreaterThanOrEqual(d.filters.MinVolume)
	if !hasLiquidity && !hasVolume {
		return false
	}

	if dm.Spread.GreaterThan(d.filters.MaxSpread) {
		return false
	}

	if d.filters.HoursAhead > 0 && !dm.GameStartTime.IsZero() {
		horizon := time.Now().Add(time.Duration(d.filters.HoursAhead) * time.Hour)
		if dm.GameStartTime.After(horizon) {
			return false
		}
	}
	return true
}

func sportFromTag(tag string) string {
	if tag == "" {
		return ""
	}
	upper := strings.ToUpper(tag)
	for prefix, sport := range seriesTags {
		if strings.HasPrefix(upper, prefix) {
			return sport
		}
	}
	return ""
}

func sportFromKeywords(text string) string {
	lower := strings.ToLower(text)
	for _, sport := range sportOrder {
		for _, kw := range sportKeywords[sport] {
			if strings.Contains(lower, kw) {
				return sport
			}
		}
	}
	return ""
}

// ExtractTeams pulls home/away team strings from a market title. Returns
// empty strings when no pattern applies; the matcher falls back to token
// matching in that case.
func ExtractTeams(title string) (home, away string) {
	for _, re := range teamPatterns {
		if m := re.FindStringSubmatch(title); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}
	return "", ""
}
