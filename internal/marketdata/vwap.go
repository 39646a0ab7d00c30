package marketdata

import (
	"time"

	"kis-trader/pkg/types"
)

// VWAPLedger is a pure accumulator of session price·volume. It can be fed
// per tick or per bar (typical price), and reset at a new anchor date.
// Accumulators are monotonic non-decreasing between resets.
type VWAPLedger struct {
	cumVol float64
	cumPV  float64
	anchor time.Time
}

// NewVWAPLedger creates a ledger anchored at the given date.
func NewVWAPLedger(anchor time.Time) *VWAPLedger {
	return &VWAPLedger{anchor: anchor}
}

// UpdateFromTick accumulates one execution. Non-positive price or volume
// is ignored.
func (l *VWAPLedger) UpdateFromTick(price, volume float64) {
	if price <= 0 || volume <= 0 {
		return
	}
	l.cumVol += volume
	l.cumPV += price * volume
}

// UpdateFromBar accumulates one bar at its typical price (H+L+C)/3.
func (l *VWAPLedger) UpdateFromBar(b types.Bar) {
	if b.Volume <= 0 {
		return
	}
	typical := (b.High + b.Low + b.Close) / 3
	l.cumVol += b.Volume
	l.cumPV += typical * b.Volume
}

// VWAP returns cumPV/cumVol, or 0 when no volume has accumulated.
func (l *VWAPLedger) VWAP() float64 {
	if l.cumVol <= 0 {
		return 0
	}
	return l.cumPV / l.cumVol
}

// CumVolume returns the accumulated volume.
func (l *VWAPLedger) CumVolume() float64 { return l.cumVol }

// CumValue returns the accumulated price·volume.
func (l *VWAPLedger) CumValue() float64 { return l.cumPV }

// Anchor returns the ledger's anchor date.
func (l *VWAPLedger) Anchor() time.Time { return l.anchor }

// Reset zeros both accumulators and moves the anchor.
func (l *VWAPLedger) Reset(anchor time.Time) {
	l.cumVol = 0
	l.cumPV = 0
	l.anchor = anchor
}

// Replace overwrites both accumulators from the venue's authoritative
// cumulative session counters (stream dispatch uses this when the tick
// carries cumVol/cumVal).
func (l *VWAPLedger) Replace(cumVol, cumVal float64) {
	if cumVol <= 0 || cumVal <= 0 {
		return
	}
	l.cumVol = cumVol
	l.cumPV = cumVal
}

// AnchoredDailyVWAP computes the typical-price-weighted average over bars
// whose date is on or after the anchor date.
func AnchoredDailyVWAP(bars []types.Bar, anchor time.Time) float64 {
	anchorDay := anchor.Truncate(24 * time.Hour)
	var vol, pv float64
	for _, b := range bars {
		if b.Start.Truncate(24 * time.Hour).Before(anchorDay) {
			continue
		}
		if b.Volume <= 0 {
			continue
		}
		typical := (b.High + b.Low + b.Close) / 3
		vol += b.Volume
		pv += typical * b.Volume
	}
	if vol <= 0 {
		return 0
	}
	return pv / vol
}

// Band returns the (lower, upper) prices pct away from v.
func Band(v, pct float64) (float64, float64) {
	return v * (1 - pct), v * (1 + pct)
}
