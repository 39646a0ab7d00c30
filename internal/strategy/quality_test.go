package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualityScoreBounds(t *testing.T) {
	t.Parallel()

	best := QualityInputs{
		Surge: 10, SurgeFloor: 3,
		Rvol1m: 6, RvolFloor: 2,
		Imbalance: 1,
		SpreadPct: 0,
		RetestLow: 1010, ORHigh: 1010, VWAP: 1000,
		RegimeLabel: RegimeStrongInflow,
		NotChop:     true,
	}
	assert.Equal(t, 100, QualityScore(best))

	worst := QualityInputs{
		Surge: 3, SurgeFloor: 3,
		Rvol1m: 2, RvolFloor: 2,
		Imbalance: -0.8,
		SpreadPct: 0.02,
		RetestLow: math.Inf(1),
		RegimeLabel: RegimeOutflow,
	}
	assert.Equal(t, 0, QualityScore(worst))
}

func TestQualityScoreCleanlinessHalvedBelowVWAP(t *testing.T) {
	t.Parallel()
	held := QualityInputs{RetestLow: 1005, ORHigh: 1010, VWAP: 1000}
	dipped := QualityInputs{RetestLow: 998, ORHigh: 1010, VWAP: 1000}
	assert.Greater(t, QualityScore(held), QualityScore(dipped))
}

func TestQualityMultiplierThresholds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		score int
		want  float64
	}{
		{0, 0}, {39, 0}, {40, 0.5}, {59, 0.5}, {60, 1.0}, {79, 1.0}, {80, 1.5}, {100, 1.5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, QualityMultiplier(tc.score, 40), "score %d", tc.score)
	}

	// Configured minimum above a threshold zeroes everything below it.
	assert.Equal(t, 0.0, QualityMultiplier(55, 60))
	assert.Equal(t, 1.0, QualityMultiplier(65, 60))
}
