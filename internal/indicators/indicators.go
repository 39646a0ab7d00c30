// Package indicators provides the rolling statistics consumed by the
// per-symbol state: moving averages, ATR, percentile rank and z-score.
//
// Batch variants delegate to go-talib and return finite sequences (empty
// when the input is shorter than the period). Rolling variants are
// incremental, admit one observation per call, and return nil until fully
// warmed.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// SMA returns the simple moving average series. Empty when len(values) < period.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := talib.Sma(values, period)
	return out[period-1:]
}

// EMA returns the exponential moving average series. Empty when
// len(values) < period.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := talib.Ema(values, period)
	return out[period-1:]
}

// ATR returns the average true range series over aligned high/low/close
// inputs, using the classic true-range definition against the previous
// close. Empty when there is not enough history to warm the period.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return nil
	}
	out := talib.Atr(highs, lows, closes, period)
	return out[period:]
}

// TrueRange computes max(high−low, |high−prevClose|, |low−prevClose|).
func TrueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// PercentileRank returns the fraction of sample values ≤ x, scaled to
// [0, 100]. Ties count as ≤. Returns 0 for an empty sample.
func PercentileRank(sample []float64, x float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	var le int
	for _, v := range sample {
		if v <= x {
			le++
		}
	}
	return float64(le) / float64(len(sample)) * 100
}

// ZScore returns (x − mean) / stddev over the sample, or 0 when the
// sample has fewer than two values or zero variance.
func ZScore(sample []float64, x float64) float64 {
	if len(sample) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(sample, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return (x - mean) / std
}

// RollingSMA is an incremental simple moving average over a fixed window.
type RollingSMA struct {
	period int
	window []float64
	sum    float64
}

// NewRollingSMA creates a rolling SMA with the given period.
func NewRollingSMA(period int) *RollingSMA {
	return &RollingSMA{period: period, window: make([]float64, 0, period)}
}

// Update pushes one observation and returns the current window average,
// or nil until the window is full.
func (r *RollingSMA) Update(v float64) *float64 {
	r.window = append(r.window, v)
	r.sum += v
	if len(r.window) > r.period {
		r.sum -= r.window[0]
		r.window = r.window[1:]
	}
	return r.Value()
}

// Value returns the current window average, or nil until warmed.
func (r *RollingSMA) Value() *float64 {
	if len(r.window) < r.period {
		return nil
	}
	v := r.sum / float64(r.period)
	return &v
}

// RollingATR is an incremental Wilder-smoothed ATR. Callers feed one true
// range per completed bar (see TrueRange).
type RollingATR struct {
	period int
	seen   int
	sum    float64 // warm-up accumulator
	atr    float64
}

// NewRollingATR creates a rolling ATR with the given period.
func NewRollingATR(period int) *RollingATR {
	return &RollingATR{period: period}
}

// Update pushes one true-range observation and returns the current ATR,
// or nil until period observations have been seen.
func (r *RollingATR) Update(tr float64) *float64 {
	r.seen++
	if r.seen <= r.period {
		r.sum += tr
		if r.seen == r.period {
			r.atr = r.sum / float64(r.period)
			return r.Value()
		}
		return nil
	}
	r.atr = (r.atr*float64(r.period-1) + tr) / float64(r.period)
	return r.Value()
}

// Value returns the current ATR, or nil until warmed.
func (r *RollingATR) Value() *float64 {
	if r.seen < r.period {
		return nil
	}
	v := r.atr
	return &v
}
