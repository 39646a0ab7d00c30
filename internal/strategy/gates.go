package strategy

import (
	"math"
	"time"
)

const (
	// Surge slope per minute past the entry window open; the strict
	// profile uses 0.04.
	surgeSlopePermissive = 0.03

	// A fresh volatility interruption blocks entries for this long.
	viCooldown = 10 * time.Minute

	// Entry prices within this factor of the VI trigger band are blocked.
	viBandFactor = 1.02
	viBandTicks  = 10
)

// MinSurgeThreshold is the time-decayed surge floor: entries later in the
// window need a stronger value surge. m is minutes since 09:16.
func MinSurgeThreshold(m float64, slope float64) float64 {
	if slope <= 0 {
		slope = surgeSlopePermissive
	}
	return 3.0 + slope*clamp(m, 0, 44)
}

// viBlocked reports whether a volatility-interruption halt risk blocks an
// entry at entryPx. No recorded VI reference means no block; a VI inside
// the cooldown always blocks; otherwise entries too close to the next
// trigger band are blocked.
func viBlocked(viRef float64, lastViTs, now time.Time, entryPx, tick float64) bool {
	if viRef == 0 {
		return false
	}
	if now.Sub(lastViTs) < viCooldown {
		return true
	}
	return entryPx >= viRef*viBandFactor-viBandTicks*tick
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
