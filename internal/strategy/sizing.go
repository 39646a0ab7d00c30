package strategy

import "math"

const (
	baseRiskPct = 0.005
	epsilon     = 1e-9

	// Entry notional may not exceed this share of the latest completed
	// 5-minute traded value, or of account equity.
	liquidityCapPct = 0.05
	navCapPct       = 0.20

	timeDecayPerMin = 0.012
	timeDecayFloor  = 0.45
)

// SizeInputs feeds one entry sizing decision.
type SizeInputs struct {
	Equity       float64
	EntryPx      float64
	StopPx       float64
	MinutesSince float64 // minutes since the entry window opened
	QualityMult  float64 // {0, 0.5, 1.0, 1.5}
	ProgramMult  float64 // {0.85, 1.00, 1.10} from the regime
	Last5mValue  float64
}

// SizeEntry computes the share quantity for an entry: risk-based base
// size scaled by quality, time decay and regime, then saturated by the
// liquidity and NAV caps.
func SizeEntry(in SizeInputs) int64 {
	if in.Equity <= 0 || in.EntryPx <= 0 {
		return 0
	}
	riskKRW := in.Equity * baseRiskPct
	perShare := math.Max(in.EntryPx-in.StopPx, epsilon)
	qty := riskKRW / perShare

	timeMult := math.Max(timeDecayFloor, 1-timeDecayPerMin*clamp(in.MinutesSince, 0, 44))
	qty *= in.QualityMult * timeMult * in.ProgramMult
	if qty <= 0 {
		return 0
	}

	if in.Last5mValue > 0 {
		qty = math.Min(qty, liquidityCapPct*in.Last5mValue/in.EntryPx)
	}
	qty = math.Min(qty, navCapPct*in.Equity/in.EntryPx)
	return int64(qty)
}
