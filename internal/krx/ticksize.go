// Package krx holds exchange-level reference data for the Korea Exchange:
// the price-band → tick-size table and the trading calendar.
package krx

import "math"

// tickBand maps a price band to its minimum tick increment. A price belongs
// to the first band whose upper bound (exclusive) is above it.
type tickBand struct {
	upper float64 // exclusive upper bound in KRW
	tick  float64
}

// KRX equity tick schedule (post-2023 revision). The top tier has no upper
// bound; TickSize falls through to its tick.
var tickBands = []tickBand{
	{upper: 2_000, tick: 1},
	{upper: 5_000, tick: 5},
	{upper: 20_000, tick: 10},
	{upper: 50_000, tick: 50},
	{upper: 200_000, tick: 100},
	{upper: 500_000, tick: 500},
}

const topTierTick = 1_000

// TickSize returns the minimum price increment for the given price.
func TickSize(price float64) float64 {
	for _, b := range tickBands {
		if price < b.upper {
			return b.tick
		}
	}
	return topTierTick
}

// RoundToTick rounds price down to the nearest multiple of tick.
// KIS rejects orders whose limit price is not on the tick grid.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick) * tick
}
