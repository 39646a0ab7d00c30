package strategy

import "math"

// QualityInputs feeds the 0-100 entry quality score.
type QualityInputs struct {
	Surge        float64 // session value surge ratio
	SurgeFloor   float64 // time-decayed minimum that admitted the entry
	Rvol1m       float64
	RvolFloor    float64
	Imbalance    float64 // [-1, +1]
	SpreadPct    float64
	RetestLow    float64 // acceptance pullback low
	ORHigh       float64
	VWAP         float64
	RegimeLabel  string
	NotChop      bool // OR range wide enough relative to ATR
}

// QualityScore grades an armed entry 0-100:
//
//	surge excess 0-20, rvol excess 0-15, imbalance 0-15, spread 0-10,
//	acceptance cleanliness 0-10, regime breadth 0/15, not-chop 0/15.
func QualityScore(in QualityInputs) int {
	var score float64

	if in.SurgeFloor > 0 {
		score += 20 * clamp((in.Surge-in.SurgeFloor)/in.SurgeFloor, 0, 1)
	}
	if in.RvolFloor > 0 {
		score += 15 * clamp((in.Rvol1m-in.RvolFloor)/in.RvolFloor, 0, 1)
	}
	score += 15 * clamp(in.Imbalance, 0, 1)
	// A spread at or above 0.5% scores zero.
	score += 10 * clamp(1-in.SpreadPct/0.005, 0, 1)
	// Cleanliness: pullback that held above VWAP and close to the
	// breakout level.
	if in.ORHigh > 0 && in.VWAP > 0 && !math.IsInf(in.RetestLow, 1) {
		depth := (in.ORHigh - in.RetestLow) / in.ORHigh
		held := in.RetestLow >= in.VWAP
		clean := clamp(1-depth/0.01, 0, 1)
		if !held {
			clean *= 0.5
		}
		score += 10 * clean
	}
	if in.RegimeLabel == RegimeStrongInflow {
		score += 15
	}
	if in.NotChop {
		score += 15
	}
	return int(math.Round(clamp(score, 0, 100)))
}

// QualityMultiplier maps a score through the {40, 60, 80} thresholds to a
// size multiplier. Scores below the configured minimum produce 0.
func QualityMultiplier(score, minScore int) float64 {
	if score < minScore {
		return 0
	}
	switch {
	case score >= 80:
		return 1.5
	case score >= 60:
		return 1.0
	case score >= 40:
		return 0.5
	default:
		return 0
	}
}
