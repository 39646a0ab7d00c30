package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Regime labels and their size multipliers.
const (
	RegimeStrongInflow = "strong_inflow"
	RegimeNeutral      = "neutral"
	RegimeOutflow      = "outflow"
)

const (
	regimePollInterval = 60 * time.Second
	regimeEWMAAlpha    = 0.35
)

var regimeMarkets = []string{"KOSPI", "KOSDAQ"}

// FlowSource supplies the market-wide cumulative program net-buy scalar.
// Implemented by exchange.Client.
type FlowSource interface {
	ProgramNetBuy(ctx context.Context, market string) (float64, error)
}

type marketFlow struct {
	primed    bool
	prevCum   float64
	ewmaDelta float64
}

// Regime smooths per-market program flow into a discrete label that
// scales entry size. The net-buy units are vendor-defined; only the sign
// of the smoothed delta matters.
type Regime struct {
	mu      sync.Mutex
	src     FlowSource
	markets map[string]*marketFlow
	logger  *slog.Logger
}

// NewRegime creates an aggregator over the two KRX markets.
func NewRegime(src FlowSource, logger *slog.Logger) *Regime {
	markets := make(map[string]*marketFlow, len(regimeMarkets))
	for _, m := range regimeMarkets {
		markets[m] = &marketFlow{}
	}
	return &Regime{
		src:     src,
		markets: markets,
		logger:  logger.With("component", "regime"),
	}
}

// Run polls the flow source every minute until ctx is done. Poll errors
// are logged and the previous smoothed state is kept.
func (r *Regime) Run(ctx context.Context) {
	ticker := time.NewTicker(regimePollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Regime) poll(ctx context.Context) {
	for _, market := range regimeMarkets {
		cum, err := r.src.ProgramNetBuy(ctx, market)
		if err != nil {
			r.logger.Warn("program flow poll failed", "market", market, "error", err)
			continue
		}
		r.Sample(market, cum)
	}
}

// Sample folds one cumulative net-buy observation into the EWMA. A value
// below the previous one means the venue counter reset; the series
// re-primes from it.
func (r *Regime) Sample(market string, cum float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.markets[market]
	if !ok {
		return
	}
	if !f.primed || cum < f.prevCum {
		f.primed = true
		f.prevCum = cum
		f.ewmaDelta = 0
		return
	}
	delta := cum - f.prevCum
	f.prevCum = cum
	f.ewmaDelta = regimeEWMAAlpha*delta + (1-regimeEWMAAlpha)*f.ewmaDelta
}

// Label returns the current regime: strong_inflow when both markets show
// positive smoothed flow, outflow when both are negative, else neutral.
func (r *Regime) Label() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, neg := 0, 0
	for _, f := range r.markets {
		switch {
		case f.ewmaDelta > 0:
			pos++
		case f.ewmaDelta < 0:
			neg++
		}
	}
	switch {
	case pos == len(r.markets):
		return RegimeStrongInflow
	case neg == len(r.markets):
		return RegimeOutflow
	default:
		return RegimeNeutral
	}
}

// Multiplier returns the size multiplier for the current label.
func (r *Regime) Multiplier() float64 {
	switch r.Label() {
	case RegimeStrongInflow:
		return 1.10
	case RegimeOutflow:
		return 0.85
	default:
		return 1.00
	}
}
