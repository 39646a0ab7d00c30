// Package strategy holds per-symbol tick-derived state, the entry/exit
// state machine that turns it into order intents, and the market-regime
// aggregator that scales position size.
package strategy

import (
	"math"
	"sync"
	"time"

	"kis-trader/internal/indicators"
	"kis-trader/internal/marketdata"
	"kis-trader/pkg/types"
)

const (
	atrPeriod     = 14
	vol1mWindow   = 20
	imbalanceSec  = 90
	bar1mCapacity = 400
	bar5mCapacity = 90
)

// Symbol is the per-instrument market and position state. All fields are
// guarded by mu; the dispatch loop is the only tick writer, but the
// reconciler and scheduler mutate FSM fields from other goroutines.
type Symbol struct {
	mu sync.Mutex

	Ticker string
	Sector string

	state types.State

	// Daily anchors from the premarket refresh.
	ma20      float64
	ma60      float64
	prevClose float64
	trendOK   bool

	// Opening range.
	orHigh   float64
	orLow    float64
	orMid    float64
	orLocked bool

	// Session accumulators.
	cumVol float64
	cumVal float64
	vwap   *marketdata.VWAPLedger

	// Premarket scan results.
	scan15mValue float64
	surge        float64

	// Rolling per-minute volume.
	vol1m    *indicators.RollingSMA
	avg1mVol float64
	rvol1m   float64

	imbalanceWin *marketdata.TickImbalance
	imbalance    float64

	bid       float64
	ask       float64
	spread    float64
	spreadPct float64

	breakTs   time.Time
	retestLow float64

	viRef    float64
	lastViTs time.Time

	atr1m       *indicators.RollingATR
	atrValue    float64
	prevClose1m float64

	last5mValue float64

	bar1m *marketdata.BarAggregator
	bar5m *marketdata.BarAggregator

	// Position fields, valid from ARMED onward.
	entryPx       float64
	entryTs       time.Time
	qty           int64
	structureStop float64
	hardStop      float64
	maxFav        float64
	trailPx       float64
	entryRegime   string
	entryOrderID  string

	lastPrice  float64
	lastTickAt time.Time
	skipReason string
}

// NewSymbol creates an idle symbol.
func NewSymbol(ticker, sector string) *Symbol {
	return &Symbol{
		Ticker:       ticker,
		Sector:       sector,
		state:        types.StateIdle,
		orLow:        math.Inf(1),
		orHigh:       math.Inf(-1),
		retestLow:    math.Inf(1),
		vwap:         marketdata.NewVWAPLedger(time.Time{}),
		vol1m:        indicators.NewRollingSMA(vol1mWindow),
		imbalanceWin: marketdata.NewTickImbalance(imbalanceSec),
		atr1m:        indicators.NewRollingATR(atrPeriod),
		bar1m:        marketdata.NewBarAggregator(time.Minute, bar1mCapacity),
		bar5m:        marketdata.NewBarAggregator(5*time.Minute, bar5mCapacity),
	}
}

// State returns the current FSM state.
func (s *Symbol) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAnchors installs the premarket daily anchors and scan results.
func (s *Symbol) SetAnchors(ma20, ma60, prevClose float64, trendOK bool, scan15mValue, surge float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ma20, s.ma60, s.prevClose = ma20, ma60, prevClose
	s.trendOK = trendOK
	s.scan15mValue = scan15mValue
	s.surge = surge
}

// SetScan installs the morning value-scan results without disturbing the
// daily anchors.
func (s *Symbol) SetScan(scan15mValue, surge float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scan15mValue = scan15mValue
	s.surge = surge
}

// ApplyTick folds one execution record into the session state. Called
// from the dispatch loop only.
func (s *Symbol) ApplyTick(t types.Tick) {
	s.mu.Lock()
	prevCumVol := s.cumVol

	// A shrinking venue counter means the session restarted upstream.
	if t.CumVol > 0 && t.CumVol < prevCumVol {
		s.resetSessionLocked()
		prevCumVol = 0
	}

	// Venue cumulative counters are authoritative when present.
	if t.CumVol > 0 && t.CumVal > 0 {
		s.cumVol, s.cumVal = t.CumVol, t.CumVal
		s.vwap.Replace(t.CumVol, t.CumVal)
	} else if t.TickVol > 0 {
		s.cumVol += t.TickVol
		s.cumVal += t.Price * t.TickVol
		s.vwap.UpdateFromTick(t.Price, t.TickVol)
	}

	if !s.orLocked {
		s.orHigh = math.Max(s.orHigh, t.Price)
		s.orLow = math.Min(s.orLow, t.Price)
	}

	if t.ViRef > 0 && t.ViRef != s.viRef {
		s.viRef = t.ViRef
		s.lastViTs = t.At
	}

	tradeVol := t.TickVol
	if t.CumVol > 0 && prevCumVol > 0 && t.CumVol >= prevCumVol {
		tradeVol = t.CumVol - prevCumVol
	}
	now := float64(t.At.Unix())
	s.imbalanceWin.Update(now, t.Price, tradeVol)
	s.imbalance = s.imbalanceWin.Compute(now)

	if done := s.bar1m.UpdateTick(t.At, t.Price, t.TickVol); done != nil {
		s.onBar1mLocked(*done)
	}
	if done := s.bar5m.UpdateTick(t.At, t.Price, t.TickVol); done != nil {
		s.last5mValue = done.TradedValue()
	}

	if s.state == types.StateWaitAcceptance {
		s.retestLow = math.Min(s.retestLow, t.Price)
	}

	s.lastPrice = t.Price
	s.lastTickAt = t.At
	s.mu.Unlock()
}

func (s *Symbol) onBar1mLocked(bar types.Bar) {
	if s.prevClose1m > 0 {
		if v := s.atr1m.Update(indicators.TrueRange(bar.High, bar.Low, s.prevClose1m)); v != nil {
			s.atrValue = *v
		}
	}
	s.prevClose1m = bar.Close

	if avg := s.vol1m.Update(bar.Volume); avg != nil && *avg > 0 {
		s.avg1mVol = *avg
		s.rvol1m = bar.Volume / *avg
	}
}

// ApplyAskBid folds one top-of-book record into the quote state.
func (s *Symbol) ApplyAskBid(t types.OrderbookTop) {
	s.mu.Lock()
	s.bid, s.ask = t.Bid, t.Ask
	s.spread = math.Max(0, t.Ask-t.Bid)
	if mid := (t.Ask + t.Bid) / 2; mid > 0 {
		s.spreadPct = s.spread / mid
	}
	s.mu.Unlock()
}

// Snapshot is an immutable view of the symbol published outside the
// dispatch loop.
type Snapshot struct {
	Ticker      string
	Sector      string
	State       types.State
	LastPrice   float64
	VWAP        float64
	ORHigh      float64
	ORLow       float64
	ORMid       float64
	ORLocked    bool
	CumVol      float64
	CumVal      float64
	Surge       float64
	Rvol1m      float64
	Imbalance   float64
	SpreadPct   float64
	ATR1m       float64
	Last5mValue float64
	EntryPx     float64
	Qty         int64
	TrailPx     float64
	SkipReason  string
}

// Snapshot returns a consistent copy of the externally useful fields.
func (s *Symbol) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Ticker:      s.Ticker,
		Sector:      s.Sector,
		State:       s.state,
		LastPrice:   s.lastPrice,
		VWAP:        s.vwap.VWAP(),
		ORHigh:      s.orHigh,
		ORLow:       s.orLow,
		ORMid:       s.orMid,
		ORLocked:    s.orLocked,
		CumVol:      s.cumVol,
		CumVal:      s.cumVal,
		Surge:       s.surge,
		Rvol1m:      s.rvol1m,
		Imbalance:   s.imbalance,
		SpreadPct:   s.spreadPct,
		ATR1m:       s.atrValue,
		Last5mValue: s.last5mValue,
		EntryPx:     s.entryPx,
		Qty:         s.qty,
		TrailPx:     s.trailPx,
		SkipReason:  s.skipReason,
	}
}

// resetSessionLocked clears everything derived from the live session.
func (s *Symbol) resetSessionLocked() {
	s.cumVol, s.cumVal = 0, 0
	s.vwap.Reset(time.Time{})
	s.imbalanceWin.Reset()
	s.imbalance = 0
	s.bar1m.Reset()
	s.bar5m.Reset()
	s.prevClose1m = 0
	s.rvol1m = 0
	s.last5mValue = 0
}

// ResetForNewDay clears session-derived fields while keeping the daily
// anchors for the next premarket refresh to overwrite.
func (s *Symbol) ResetForNewDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetSessionLocked()
	s.state = types.StateIdle
	s.orHigh = math.Inf(-1)
	s.orLow = math.Inf(1)
	s.orMid = 0
	s.orLocked = false
	s.retestLow = math.Inf(1)
	s.breakTs = time.Time{}
	s.viRef = 0
	s.lastViTs = time.Time{}
	s.bid, s.ask, s.spread, s.spreadPct = 0, 0, 0, 0
	s.entryPx, s.qty = 0, 0
	s.entryTs = time.Time{}
	s.structureStop, s.hardStop = 0, 0
	s.maxFav, s.trailPx = 0, 0
	s.entryRegime, s.entryOrderID = "", ""
	s.lastPrice = 0
	s.lastTickAt = time.Time{}
	s.skipReason = ""
	s.atr1m = indicators.NewRollingATR(atrPeriod)
	s.atrValue = 0
	s.vol1m = indicators.NewRollingSMA(vol1mWindow)
	s.avg1mVol = 0
}
