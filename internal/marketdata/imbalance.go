package marketdata

import "math"

// bucketCap is the ring capacity in seconds. The compute window is at most
// 120s, so 300 one-second buckets is ample headroom before eviction.
const bucketCap = 300

const (
	minWindowSec     = 60
	maxWindowSec     = 120
	defaultWindowSec = 90
)

type secondBucket struct {
	tsSec   int64
	buyVal  float64
	sellVal float64
}

// TickImbalance classifies executions buy/sell by the tick rule (uptick =
// buy, downtick = sell, flat inherits the last direction) and accumulates
// traded value into per-second buckets. Compute sums the trailing window
// and returns (buy − sell)/(buy + sell).
type TickImbalance struct {
	windowSec int64
	lastPx    float64
	lastDir   int
	buckets   []secondBucket
}

// NewTickImbalance creates an imbalance window of windowSec seconds,
// clamped to [60, 120]. Zero selects the 90s default.
func NewTickImbalance(windowSec int) *TickImbalance {
	switch {
	case windowSec == 0:
		windowSec = defaultWindowSec
	case windowSec < minWindowSec:
		windowSec = minWindowSec
	case windowSec > maxWindowSec:
		windowSec = maxWindowSec
	}
	return &TickImbalance{
		windowSec: int64(windowSec),
		buckets:   make([]secondBucket, 0, bucketCap),
	}
}

// Update classifies one execution and adds its traded value to the bucket
// for floor(tsSec). Non-positive price or volume is ignored.
func (ti *TickImbalance) Update(tsSec, price, volume float64) {
	if price <= 0 || volume <= 0 {
		return
	}

	dir := 0
	switch {
	case ti.lastPx == 0:
		dir = 0
	case price > ti.lastPx:
		dir = +1
	case price < ti.lastPx:
		dir = -1
	default:
		dir = ti.lastDir
	}
	if dir != 0 {
		ti.lastDir = dir
	}
	ti.lastPx = price

	sec := int64(math.Floor(tsSec))
	val := price * volume

	n := len(ti.buckets)
	if n > 0 && ti.buckets[n-1].tsSec == sec {
		ti.add(&ti.buckets[n-1], dir, val)
		return
	}

	ti.buckets = append(ti.buckets, secondBucket{tsSec: sec})
	if len(ti.buckets) > bucketCap {
		ti.buckets = ti.buckets[1:]
	}
	ti.add(&ti.buckets[len(ti.buckets)-1], dir, val)
}

func (ti *TickImbalance) add(b *secondBucket, dir int, val float64) {
	if dir > 0 {
		b.buyVal += val
	} else if dir < 0 {
		b.sellVal += val
	}
}

// Compute returns the imbalance over buckets within the trailing window
// ending at now, in [-1, +1]. Returns 0 when the window is empty.
func (ti *TickImbalance) Compute(nowSec float64) float64 {
	cutoff := int64(math.Floor(nowSec)) - ti.windowSec

	var buy, sell float64
	for _, b := range ti.buckets {
		if b.tsSec >= cutoff {
			buy += b.buyVal
			sell += b.sellVal
		}
	}
	total := buy + sell
	if total <= 0 {
		return 0
	}
	return (buy - sell) / total
}

// Reset clears all state (session rollover).
func (ti *TickImbalance) Reset() {
	ti.lastPx = 0
	ti.lastDir = 0
	ti.buckets = ti.buckets[:0]
}
