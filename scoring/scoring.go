// Package scoring computes the entry confidence score. Sub-scores are pure
// float math over market and game observations; money never flows through
// this package.
package scoring

// Weights per factor. They sum to 1.0.
const (
	weightDrop   = 0.30
	weightTime   = 0.20
	weightVolume = 0.15
	weightTrend  = 0.15
	weightPhase  = 0.10
	weightSpread = 0.10
)

// Recommendation buckets by total score.
type Recommendation string

const (
	StrongBuy Recommendation = "strong_buy"
	Buy       Recommendation = "buy"
	Hold      Recommendation = "hold"
	Avoid     Recommendation = "avoid"
)

// Input carries the observations for one entry decision. VolumeKnown and
// SpreadKnown distinguish "zero" from "not reported by the venue".
type Input struct {
	DropPct          float64 // fractional drop from baseline, 0.15 = 15%
	SecondsRemaining float64
	Volume24h        float64
	VolumeKnown      bool
	Trend            string // "down", "up", or anything else
	CurrentPhase     int    // period/quarter/inning, 1-based
	TotalPhases      int
	SpreadPct        float64 // fractional, 0.05 = 5%
	SpreadKnown      bool
}

// Score is the weighted result with each sub-score retained for logging.
type Score struct {
	Drop   float64
	Time   float64
	Volume float64
	Trend  float64
	Phase  float64
	Spread float64

	Total          float64
	Recommendation Recommendation
}

// Evaluate computes all sub-scores and the weighted total.
func Evaluate(in Input) Score {
	s := Score{
		Drop:   dropScore(in.DropPct),
		Time:   timeScore(in.SecondsRemaining),
		Volume: volumeScore(in.Volume24h, in.VolumeKnown),
		Trend:  trendScore(in.Trend),
		Phase:  phaseScore(in.CurrentPhase, in.TotalPhases),
		Spread: spreadScore(in.SpreadPct, in.SpreadKnown),
	}
	s.Total = weightDrop*s.Drop +
		weightTime*s.Time +
		weightVolume*s.Volume +
		weightTrend*s.Trend +
		weightPhase*s.Phase +
		weightSpread*s.Spread
	s.Recommendation = recommend(s.Total)
	return s
}

func recommend(total float64) Recommendation {
	switch {
	case total >= 0.80:
		return StrongBuy
	case total >= 0.60:
		return Buy
	case total >= 0.40:
		return Hold
	default:
		return Avoid
	}
}

// dropScore: 0 at no drop, linear to 1.0 at a 20% drop.
func dropScore(drop float64) float64 {
	return clamp01(drop / 0.20)
}

// timeScore: 0 with no time left, linear to 1.0 at 20 minutes.
func timeScore(seconds float64) float64 {
	return clamp01(seconds / 1200)
}

// volumeScore: 0.5 when the venue reports nothing; otherwise linear
// 0.2 → 1.0 over [1 000, 50 000].
func volumeScore(volume float64, known bool) float64 {
	if !known {
		return 0.5
	}
	if volume <= 1000 {
		return 0.2
	}
	if volume >= 50000 {
		return 1.0
	}
	return 0.2 + 0.8*(volume-1000)/49000
}

func trendScore(trend string) float64 {
	switch trend {
	case "down":
		return 0.8
	case "up":
		return 0.2
	default:
		return 0.5
	}
}

// phaseScore: earlier in the game is better.
func phaseScore(current, total int) float64 {
	if total <= 0 {
		return 0.5
	}
	return clamp01(1 - float64(current)/float64(total))
}

// spreadScore: 1.0 at ≤1%, linear to 0.1 at ≥10%, 0.5 when unknown.
func spreadScore(spread float64, known bool) float64 {
	if !known {
		return 0.5
	}
	if spread <= 0.01 {
		return 1.0
	}
	if spread >= 0.10 {
		return 0.1
	}
	return 1.0 - 0.9*(spread-0.01)/0.09
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
