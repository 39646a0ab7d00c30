// Package marketdata holds the per-symbol tick-derived primitives: the
// fixed-interval bar aggregator, the session VWAP ledger and the tick-rule
// imbalance window. All three are single-writer — the stream dispatch loop
// owns them; readers outside the loop consume published snapshots.
package marketdata

import (
	"time"

	"kis-trader/pkg/types"
)

// BarAggregator merges ticks into fixed-interval OHLCV bars and keeps a
// bounded history of completed bars (oldest evicted first). Ticks with
// timestamps before the current bucket are dropped; there is no
// re-ordering.
type BarAggregator struct {
	interval time.Duration
	maxBars  int
	current  *types.Bar
	bars     []types.Bar
}

// NewBarAggregator creates an aggregator for the given interval keeping at
// most maxBars completed bars.
func NewBarAggregator(interval time.Duration, maxBars int) *BarAggregator {
	return &BarAggregator{
		interval: interval,
		maxBars:  maxBars,
		bars:     make([]types.Bar, 0, maxBars),
	}
}

// UpdateTick folds one tick into the aggregator. When the tick opens a new
// bucket, the previous bar is pushed to history and returned; otherwise nil.
func (a *BarAggregator) UpdateTick(ts time.Time, price, volume float64) *types.Bar {
	bucket := ts.Truncate(a.interval)

	if a.current == nil {
		a.current = &types.Bar{Start: bucket, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return nil
	}

	if bucket.After(a.current.Start) {
		done := *a.current
		a.push(done)
		a.current = &types.Bar{Start: bucket, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return &done
	}

	if bucket.Before(a.current.Start) {
		// Late tick from a closed bucket: ignore.
		return nil
	}

	if price > a.current.High {
		a.current.High = price
	}
	if price < a.current.Low {
		a.current.Low = price
	}
	a.current.Close = price
	a.current.Volume += volume
	return nil
}

func (a *BarAggregator) push(b types.Bar) {
	a.bars = append(a.bars, b)
	if len(a.bars) > a.maxBars {
		a.bars = a.bars[1:]
	}
}

// Current returns a copy of the in-progress bar, or nil before the first tick.
func (a *BarAggregator) Current() *types.Bar {
	if a.current == nil {
		return nil
	}
	b := *a.current
	return &b
}

// Completed returns a copy of the completed-bar history, oldest first.
func (a *BarAggregator) Completed() []types.Bar {
	out := make([]types.Bar, len(a.bars))
	copy(out, a.bars)
	return out
}

// LastCompleted returns the most recent completed bar, or nil.
func (a *BarAggregator) LastCompleted() *types.Bar {
	if len(a.bars) == 0 {
		return nil
	}
	b := a.bars[len(a.bars)-1]
	return &b
}

// Reset drops the in-progress bar and all history (session rollover).
func (a *BarAggregator) Reset() {
	a.current = nil
	a.bars = a.bars[:0]
}

// AggregateBars is the batch variant: it re-buckets already-built bars into
// targetMinutes-wide bars. Input is assumed time-ordered.
func AggregateBars(bars []types.Bar, targetMinutes int) []types.Bar {
	if targetMinutes <= 0 || len(bars) == 0 {
		return nil
	}
	interval := time.Duration(targetMinutes) * time.Minute

	var out []types.Bar
	for _, b := range bars {
		bucket := b.Start.Truncate(interval)
		if len(out) == 0 || bucket.After(out[len(out)-1].Start) {
			nb := b
			nb.Start = bucket
			out = append(out, nb)
			continue
		}
		cur := &out[len(out)-1]
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	return out
}
