package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kis-trader/internal/config"
	"kis-trader/internal/krx"
	"kis-trader/pkg/types"
)

const (
	// Opening-range width admission band, as a fraction of OR mid.
	orRangeMin = 0.003

	// Break confirmation floors.
	rvolMin      = 2.0
	spreadMaxPct = 0.004

	// Acceptance pullback may dip this far below VWAP when held-support
	// is required.
	heldSupportTolerance = 0.003

	acceptTimeout = 5 * time.Minute

	// Exit engine tuning.
	exitStallMinutes  = 8
	exitStallMinR     = 0.5
	exitEarlyMinutes  = 15
	trailBaseFraction = 0.5
	trailRampPerMin   = 0.0167
	trailRampCap      = 0.25
	trailTightFrac    = 0.7
)

// ExposureGuard is the sector-exposure admission surface. Implemented by
// risk.SectorExposure.
type ExposureGuard interface {
	CanEnter(sym string, qty int64, px, equity float64) bool
	Reserve(sym string, qty int64, px float64)
	Unreserve(sym string, qty int64, px float64)
	OnFill(sym string, qty int64, px float64)
	OnClose(sym string, qty int64, px float64)
}

// RegimeSource exposes the current market regime.
type RegimeSource interface {
	Label() string
	Multiplier() float64
}

// Runner drives every tracked symbol through the entry/exit state
// machine and emits order intents. One Runner per strategy process.
type Runner struct {
	cfg      config.StrategyConfig
	exposure ExposureGuard
	regime   RegimeSource
	equity   func() float64

	mu      sync.Mutex
	symbols map[string]*Symbol

	// Entry window opens at 09:16; minutes since then feed the surge
	// floor and time-decay sizing.
	windowOpen time.Time

	riskOff atomic.Bool
	intents chan types.OrderIntent
	now     func() time.Time
	logger  *slog.Logger
}

// NewRunner creates a runner. Intents are delivered on Intents(); the
// engine must drain the channel.
func NewRunner(cfg config.StrategyConfig, exposure ExposureGuard, regime RegimeSource, equity func() float64, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		exposure: exposure,
		regime:   regime,
		equity:   equity,
		symbols:  make(map[string]*Symbol),
		intents:  make(chan types.OrderIntent, 256),
		now:      time.Now,
		logger:   logger.With("component", "fsm"),
	}
}

// Intents is the stream of orders the state machine wants executed.
func (r *Runner) Intents() <-chan types.OrderIntent { return r.intents }

// Track registers a symbol coming out of the universe filter.
func (r *Runner) Track(ticker, sector string) *Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.symbols[ticker]; ok {
		return s
	}
	s := NewSymbol(ticker, sector)
	r.symbols[ticker] = s
	return s
}

// Lookup returns a tracked symbol or nil.
func (r *Runner) Lookup(ticker string) *Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbols[ticker]
}

// Symbols returns all tracked symbols.
func (r *Runner) Symbols() []*Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Symbol, 0, len(r.symbols))
	for _, s := range r.symbols {
		out = append(out, s)
	}
	return out
}

// Admit moves an idle symbol into CANDIDATE after the premarket scan.
// Admission requires the daily trend anchors to hold: a value surge on a
// broken trend stays idle for the day.
func (r *Runner) Admit(ticker string) {
	s := r.Lookup(ticker)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state == types.StateIdle {
		if s.trendOK {
			s.state = types.StateCandidate
		} else {
			s.skipReason = "trend anchors not held"
		}
	}
	s.mu.Unlock()
}

// SetEntryWindowOpen anchors the time-decay clock (09:16 on the trading
// day).
func (r *Runner) SetEntryWindowOpen(t time.Time) {
	r.mu.Lock()
	r.windowOpen = t
	r.mu.Unlock()
}

func (r *Runner) minutesSinceOpen(now time.Time) float64 {
	r.mu.Lock()
	open := r.windowOpen
	r.mu.Unlock()
	if open.IsZero() {
		return 0
	}
	return math.Max(0, now.Sub(open).Minutes())
}

// LockOpeningRanges freezes every candidate's opening range at the lock
// time and applies the width filter: too narrow or too wide ranges are
// dropped for the day.
func (r *Runner) LockOpeningRanges() {
	for _, s := range r.Symbols() {
		s.mu.Lock()
		if s.state != types.StateCandidate {
			s.mu.Unlock()
			continue
		}
		if math.IsInf(s.orHigh, -1) || math.IsInf(s.orLow, 1) || s.orHigh <= 0 {
			s.state = types.StateDone
			s.skipReason = "no opening range"
			s.mu.Unlock()
			continue
		}
		s.orMid = (s.orHigh + s.orLow) / 2
		s.orLocked = true

		rangeFrac := (s.orHigh - s.orLow) / s.orMid
		maxRange := r.cfg.ORRangeMax
		if maxRange <= 0 {
			maxRange = 0.05
		}
		if rangeFrac < orRangeMin || rangeFrac > maxRange {
			s.state = types.StateDone
			s.skipReason = fmt.Sprintf("or range %.4f outside [%.4f, %.4f]", rangeFrac, orRangeMin, maxRange)
		} else {
			s.state = types.StateWatchBreak
		}
		s.mu.Unlock()
	}
}

// RiskOff flips the portfolio kill switch: every symbol is driven to exit
// or DONE on its next evaluation, and immediately for held positions.
func (r *Runner) RiskOff() {
	r.riskOff.Store(true)
	r.logger.Warn("risk off engaged, flattening")
	for _, s := range r.Symbols() {
		r.Step(s)
	}
}

// Step evaluates one symbol's state machine. Called by the dispatch sink
// after every tick, and by the scheduler on risk events.
func (r *Runner) Step(s *Symbol) {
	now := r.now()
	var emit []types.OrderIntent

	s.mu.Lock()
	switch s.state {
	case types.StateWatchBreak:
		r.stepWatchBreak(s, now)
	case types.StateWaitAcceptance:
		emit = r.stepWaitAcceptance(s, now)
	case types.StateInPosition:
		emit = r.stepInPosition(s, now)
	default:
		if r.riskOff.Load() && s.state != types.StateDone && s.state != types.StatePendingExit {
			s.state = types.StateDone
			s.skipReason = "risk_off"
		}
	}
	s.mu.Unlock()

	for _, intent := range emit {
		r.send(intent)
	}
}

func (r *Runner) stepWatchBreak(s *Symbol, now time.Time) {
	if r.riskOff.Load() {
		s.state = types.StateDone
		s.skipReason = "risk_off"
		return
	}
	price := s.lastPrice
	if price <= 0 || !s.orLocked {
		return
	}
	vwap := s.vwap.VWAP()
	if price <= s.orHigh || price < vwap {
		return
	}
	if s.rvol1m < rvolMin {
		if r.cfg.EnableRvolHardGate {
			return
		}
		// Soft gate: only block when rvol is warmed and clearly weak.
		if s.rvol1m > 0 && s.rvol1m < rvolMin/2 {
			return
		}
	}
	if s.spreadPct > spreadMaxPct {
		return
	}
	if viBlocked(s.viRef, s.lastViTs, now, price, krx.TickSize(price)) {
		return
	}
	s.state = types.StateWaitAcceptance
	s.breakTs = now
	s.retestLow = math.Inf(1)
	r.logger.Info("breakout detected", "ticker", s.Ticker, "price", price, "or_high", s.orHigh)
}

func (r *Runner) stepWaitAcceptance(s *Symbol, now time.Time) []types.OrderIntent {
	if r.riskOff.Load() {
		s.state = types.StateDone
		s.skipReason = "risk_off"
		return nil
	}
	if now.Sub(s.breakTs) > acceptTimeout {
		s.state = types.StateDone
		s.skipReason = "acceptance timeout"
		return nil
	}

	price := s.lastPrice
	pulledBack := s.retestLow < s.orHigh
	reclaimed := price > s.orHigh
	if !pulledBack || !reclaimed {
		return nil
	}
	vwap := s.vwap.VWAP()
	if r.cfg.RequireHeldSupport && s.retestLow < vwap*(1-heldSupportTolerance) {
		return nil
	}

	m := r.minutesSinceOpen(now)
	surgeFloor := MinSurgeThreshold(m, r.cfg.MinSurgeSlope)
	if s.surge < surgeFloor {
		return nil
	}

	regimeLabel := r.regime.Label()
	score := QualityScore(QualityInputs{
		Surge:       s.surge,
		SurgeFloor:  surgeFloor,
		Rvol1m:      s.rvol1m,
		RvolFloor:   rvolMin,
		Imbalance:   s.imbalance,
		SpreadPct:   s.spreadPct,
		RetestLow:   s.retestLow,
		ORHigh:      s.orHigh,
		VWAP:        vwap,
		RegimeLabel: regimeLabel,
		NotChop:     s.atrValue > 0 && (s.orHigh-s.orLow) > s.atrValue,
	})
	qualityMult := QualityMultiplier(score, r.cfg.QualityMin)
	if qualityMult == 0 {
		s.state = types.StateDone
		s.skipReason = fmt.Sprintf("quality %d below minimum", score)
		return nil
	}

	stop := s.retestLow
	equity := r.equity()
	qty := SizeEntry(SizeInputs{
		Equity:       equity,
		EntryPx:      price,
		StopPx:       stop,
		MinutesSince: m,
		QualityMult:  qualityMult,
		ProgramMult:  r.regime.Multiplier(),
		Last5mValue:  s.last5mValue,
	})
	if qty <= 0 {
		s.state = types.StateDone
		s.skipReason = "sized to zero"
		return nil
	}
	if !r.exposure.CanEnter(s.Ticker, qty, price, equity) {
		s.state = types.StateDone
		s.skipReason = "sector exposure"
		return nil
	}

	r.exposure.Reserve(s.Ticker, qty, price)
	s.state = types.StateArmed
	s.entryPx = price
	s.entryTs = now
	s.qty = qty
	s.structureStop = stop
	s.hardStop = stop - s.atrValue
	s.maxFav = price
	s.trailPx = stop
	s.entryRegime = regimeLabel

	r.logger.Info("armed",
		"ticker", s.Ticker, "qty", qty, "entry", price, "stop", stop, "quality", score)

	return []types.OrderIntent{{
		Symbol:    s.Ticker,
		Side:      types.SideBuy,
		Qty:       qty,
		PriceKind: types.PriceLimit,
		LimitPx:   krx.RoundToTick(price, krx.TickSize(price)),
		Purpose:   types.PurposeEntry,
		ClientTag: uuid.NewString(),
	}}
}

// stepInPosition runs the exit checks in strict order and updates the
// trailing stop.
func (r *Runner) stepInPosition(s *Symbol, now time.Time) []types.OrderIntent {
	// Risk off flattens unconditionally: the exit is a market order, so
	// a position that has not seen a tick yet (adopted from the broker)
	// must not wait for one.
	if r.riskOff.Load() {
		return r.exitLocked(s, "risk_off")
	}

	price := s.lastPrice
	if price <= 0 {
		return nil
	}

	if price <= s.hardStop {
		return r.exitLocked(s, "hard_stop")
	}

	m := now.Sub(s.entryTs).Minutes()
	if m < exitEarlyMinutes && price < s.orHigh && price < s.vwap.VWAP() {
		return r.exitLocked(s, "acceptance_failure")
	}
	rMult := (price - s.entryPx) / math.Max(s.entryPx-s.structureStop, epsilon)
	if m >= exitStallMinutes && rMult < exitStallMinR {
		return r.exitLocked(s, "stall_scratch")
	}

	s.maxFav = math.Max(s.maxFav, price)
	f := trailBaseFraction
	if m > exitEarlyMinutes {
		f += math.Min(trailRampCap, (m-exitEarlyMinutes)*trailRampPerMin)
	}
	if r.regime.Label() == RegimeOutflow || s.imbalance < 0 {
		f = math.Max(f, trailTightFrac)
	}
	trail := s.entryPx + (s.maxFav-s.entryPx)*f
	s.trailPx = math.Max(s.trailPx, math.Max(trail, s.structureStop))

	if price <= s.trailPx && s.maxFav > s.entryPx {
		return r.exitLocked(s, "trailing_stop")
	}
	return nil
}

// exitLocked emits the exit order and moves to PENDING_EXIT.
func (r *Runner) exitLocked(s *Symbol, reason string) []types.OrderIntent {
	s.state = types.StatePendingExit
	s.skipReason = reason
	r.logger.Info("exit triggered",
		"ticker", s.Ticker, "reason", reason, "qty", s.qty, "price", s.lastPrice)
	return []types.OrderIntent{{
		Symbol:    s.Ticker,
		Side:      types.SideSell,
		Qty:       s.qty,
		PriceKind: types.PriceMarket,
		Purpose:   types.PurposeExit,
		ClientTag: uuid.NewString(),
	}}
}

// ApplyUpdate folds an order lifecycle event back into the FSM.
func (r *Runner) ApplyUpdate(u types.IntentUpdate, symbol string) {
	s := r.Lookup(symbol)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case types.StateArmed:
		switch u.Status {
		case types.IntentAccepted:
			s.entryOrderID = u.OrderID
		case types.IntentFilled:
			s.state = types.StateInPosition
			if u.AvgPx > 0 {
				s.entryPx = u.AvgPx
			}
			if u.FilledQty > 0 {
				s.qty = u.FilledQty
			}
			r.exposure.OnFill(s.Ticker, s.qty, s.entryPx)
		case types.IntentRejected, types.IntentCancelled:
			r.exposure.Unreserve(s.Ticker, s.qty, s.entryPx)
			s.state = types.StateDone
			s.skipReason = "entry " + string(u.Status)
		}
	case types.StatePendingExit:
		if u.Status == types.IntentFilled {
			r.exposure.OnClose(s.Ticker, s.qty, s.entryPx)
			s.state = types.StateDone
		}
	}
}

// ForceInPosition is the reconciler's override for fills observed out of
// band: the broker holds the symbol but the FSM does not know yet.
func (r *Runner) ForceInPosition(ticker string, qty int64, avgPx float64) {
	s := r.Lookup(ticker)
	if s == nil {
		s = r.Track(ticker, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.StateInPosition {
		return
	}
	if s.state == types.StateArmed {
		r.exposure.OnFill(ticker, qty, avgPx)
	}
	s.state = types.StateInPosition
	s.entryPx = avgPx
	s.qty = qty
	if s.entryTs.IsZero() {
		s.entryTs = r.now()
	}
	if s.maxFav < avgPx {
		s.maxFav = avgPx
	}
	if s.structureStop == 0 {
		s.structureStop = avgPx * 0.99
		s.hardStop = s.structureStop
		s.trailPx = s.structureStop
	}
	r.logger.Warn("position adopted from broker", "ticker", ticker, "qty", qty, "avg_px", avgPx)
}

// MarkClosedExternally is the reconciler's override when the broker no
// longer holds a symbol the FSM believes is open.
func (r *Runner) MarkClosedExternally(ticker string) {
	s := r.Lookup(ticker)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateInPosition {
		return
	}
	r.exposure.OnClose(s.Ticker, s.qty, s.entryPx)
	s.state = types.StateDone
	s.skipReason = "position closed externally"
	r.logger.Warn("position closed externally", "ticker", ticker)
}

func (r *Runner) send(intent types.OrderIntent) {
	select {
	case r.intents <- intent:
	default:
		r.logger.Error("intent channel full, dropping",
			"ticker", intent.Symbol, "purpose", intent.Purpose)
	}
}
