// Package risk guards order flow with sector-level exposure limits.
package risk

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"kis-trader/internal/config"
	"kis-trader/pkg/types"
)

// UnknownSector tags symbols absent from the sector mapping.
const UnknownSector = "UNKNOWN"

// SectorExposure tracks open and working (reserved but unfilled) exposure
// per sector and answers entry admission under the configured policy.
// Notionals are tracked in decimal KRW so repeated add/subtract cycles
// cannot drift.
//
// Reserve/Unreserve/OnFill/OnClose are not idempotent; callers must pair
// every Reserve with exactly one Unreserve or OnFill.
type SectorExposure struct {
	mu sync.Mutex

	sectorOf map[string]string
	cfg      config.RiskConfig

	openCount       map[string]int
	workingCount    map[string]int
	openNotional    map[string]decimal.Decimal
	workingNotional map[string]decimal.Decimal

	logger *slog.Logger
}

// NewSectorExposure creates a tracker over a symbol → sector mapping.
func NewSectorExposure(sectorOf map[string]string, cfg config.RiskConfig, logger *slog.Logger) *SectorExposure {
	if sectorOf == nil {
		sectorOf = map[string]string{}
	}
	return &SectorExposure{
		sectorOf:        sectorOf,
		cfg:             cfg,
		openCount:       make(map[string]int),
		workingCount:    make(map[string]int),
		openNotional:    make(map[string]decimal.Decimal),
		workingNotional: make(map[string]decimal.Decimal),
		logger:          logger.With("component", "exposure"),
	}
}

// Sector returns the symbol's sector tag, UnknownSector when unmapped.
func (e *SectorExposure) Sector(sym string) string {
	if s, ok := e.sectorOf[sym]; ok && s != "" {
		return s
	}
	return UnknownSector
}

// CanEnter reports whether adding qty shares at px would keep the
// symbol's sector inside the exposure limits. Unknown sectors follow the
// configured unknown-sector policy.
func (e *SectorExposure) CanEnter(sym string, qty int64, px, equity float64) bool {
	sector := e.Sector(sym)
	if sector == UnknownSector {
		return e.cfg.UnknownSectorPolicy != "block"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	countOK := func() bool {
		return e.openCount[sector]+e.workingCount[sector] < e.cfg.MaxPositionsPerSector
	}
	pctOK := func() bool {
		if equity <= 0 {
			return false
		}
		total := e.openNotional[sector].
			Add(e.workingNotional[sector]).
			Add(notional(qty, px))
		limit := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(e.cfg.MaxSectorPct))
		return total.LessThan(limit)
	}

	switch e.cfg.Mode {
	case "pct":
		return pctOK()
	case "both":
		return countOK() && pctOK()
	default: // count
		return countOK()
	}
}

// Reserve records a working entry for the symbol's sector. Unknown
// sectors are not tracked.
func (e *SectorExposure) Reserve(sym string, qty int64, px float64) {
	sector := e.Sector(sym)
	if sector == UnknownSector {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workingCount[sector]++
	e.workingNotional[sector] = e.workingNotional[sector].Add(notional(qty, px))
}

// Unreserve releases a working entry that did not fill.
func (e *SectorExposure) Unreserve(sym string, qty int64, px float64) {
	sector := e.Sector(sym)
	if sector == UnknownSector {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workingCount[sector] = maxInt(0, e.workingCount[sector]-1)
	e.workingNotional[sector] = floorZero(e.workingNotional[sector].Sub(notional(qty, px)))
}

// OnFill converts a working entry into an open position.
func (e *SectorExposure) OnFill(sym string, qty int64, px float64) {
	sector := e.Sector(sym)
	if sector == UnknownSector {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := notional(qty, px)
	e.workingCount[sector] = maxInt(0, e.workingCount[sector]-1)
	e.workingNotional[sector] = floorZero(e.workingNotional[sector].Sub(n))
	e.openCount[sector]++
	e.openNotional[sector] = e.openNotional[sector].Add(n)
}

// OnClose releases an open position.
func (e *SectorExposure) OnClose(sym string, qty int64, px float64) {
	sector := e.Sector(sym)
	if sector == UnknownSector {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openCount[sector] = maxInt(0, e.openCount[sector]-1)
	e.openNotional[sector] = floorZero(e.openNotional[sector].Sub(notional(qty, px)))
}

// Reconcile atomically rebuilds all exposure state from broker truth:
// positions become open exposure, working symbols count as reserved with
// unknown (zero) notional.
func (e *SectorExposure) Reconcile(positions []types.Position, workingSymbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.openCount = make(map[string]int)
	e.workingCount = make(map[string]int)
	e.openNotional = make(map[string]decimal.Decimal)
	e.workingNotional = make(map[string]decimal.Decimal)

	for _, p := range positions {
		sector := e.Sector(p.Symbol)
		if sector == UnknownSector {
			continue
		}
		e.openCount[sector]++
		e.openNotional[sector] = e.openNotional[sector].Add(notional(p.Qty, p.AvgPx))
	}
	for _, sym := range workingSymbols {
		sector := e.Sector(sym)
		if sector == UnknownSector {
			continue
		}
		e.workingCount[sector]++
	}
}

// SectorSnapshot reports current counts for one sector (open, working).
func (e *SectorExposure) SectorSnapshot(sector string) (open, working int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCount[sector], e.workingCount[sector]
}

func notional(qty int64, px float64) decimal.Decimal {
	return decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(px))
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
