package indicators

import (
	"math"
	"testing"
)

func TestSMAShortInputIsEmpty(t *testing.T) {
	t.Parallel()
	if got := SMA([]float64{1, 2}, 3); len(got) != 0 {
		t.Errorf("SMA short input = %v, want empty", got)
	}
}

func TestSMAValues(t *testing.T) {
	t.Parallel()
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("SMA len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("SMA[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEMAWarmup(t *testing.T) {
	t.Parallel()
	got := EMA([]float64{1, 2, 3, 4, 5, 6}, 3)
	if len(got) != 4 {
		t.Fatalf("EMA len = %d, want 4", len(got))
	}
	// First EMA value is the SMA seed of the warm-up window.
	if math.Abs(got[0]-2) > 1e-9 {
		t.Errorf("EMA seed = %v, want 2", got[0])
	}
}

func TestATRFiniteSequence(t *testing.T) {
	t.Parallel()
	highs := []float64{10, 11, 12, 13, 14}
	lows := []float64{9, 10, 11, 12, 13}
	closes := []float64{9.5, 10.5, 11.5, 12.5, 13.5}
	got := ATR(highs, lows, closes, 3)
	if len(got) != 2 {
		t.Fatalf("ATR len = %d, want 2", len(got))
	}
	for _, v := range got {
		if v <= 0 {
			t.Errorf("ATR value %v, want > 0", v)
		}
	}
}

func TestTrueRangeGap(t *testing.T) {
	t.Parallel()
	// Gap up: range to previous close dominates high-low.
	if got := TrueRange(110, 105, 100); got != 10 {
		t.Errorf("TrueRange = %v, want 10", got)
	}
	if got := TrueRange(110, 105, 108); got != 5 {
		t.Errorf("TrueRange = %v, want 5", got)
	}
}

func TestPercentileRankTies(t *testing.T) {
	t.Parallel()
	sample := []float64{1, 2, 2, 3, 4}
	if got := PercentileRank(sample, 2); got != 60 {
		t.Errorf("PercentileRank(2) = %v, want 60 (ties counted as ≤)", got)
	}
	if got := PercentileRank(sample, 0); got != 0 {
		t.Errorf("PercentileRank(0) = %v, want 0", got)
	}
	if got := PercentileRank(sample, 10); got != 100 {
		t.Errorf("PercentileRank(10) = %v, want 100", got)
	}
	if got := PercentileRank(nil, 1); got != 0 {
		t.Errorf("PercentileRank(empty) = %v, want 0", got)
	}
}

func TestZScore(t *testing.T) {
	t.Parallel()
	sample := []float64{1, 2, 3, 4, 5}
	z := ZScore(sample, 3)
	if math.Abs(z) > 1e-9 {
		t.Errorf("ZScore(mean) = %v, want 0", z)
	}
	if ZScore(sample, 5) <= 0 {
		t.Error("ZScore above mean should be positive")
	}
	if got := ZScore([]float64{7, 7, 7}, 7); got != 0 {
		t.Errorf("ZScore zero-variance = %v, want 0", got)
	}
}

func TestRollingSMAWarmsThenSlides(t *testing.T) {
	t.Parallel()
	r := NewRollingSMA(3)
	if r.Update(1) != nil || r.Update(2) != nil {
		t.Fatal("RollingSMA should be nil before warm-up")
	}
	v := r.Update(3)
	if v == nil || *v != 2 {
		t.Fatalf("RollingSMA warmed = %v, want 2", v)
	}
	v = r.Update(6)
	if v == nil || math.Abs(*v-11.0/3.0) > 1e-9 {
		t.Fatalf("RollingSMA slide = %v, want 11/3", v)
	}
}

func TestRollingATRWilderSmoothing(t *testing.T) {
	t.Parallel()
	r := NewRollingATR(3)
	if r.Update(1) != nil || r.Update(2) != nil {
		t.Fatal("RollingATR should be nil before warm-up")
	}
	v := r.Update(3)
	if v == nil || *v != 2 {
		t.Fatalf("RollingATR seed = %v, want 2", v)
	}
	v = r.Update(5)
	// (2*2 + 5) / 3 = 3
	if v == nil || math.Abs(*v-3) > 1e-9 {
		t.Fatalf("RollingATR smoothed = %v, want 3", v)
	}
}
