package strategy

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kis-trader/internal/config"
	"kis-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openExposure admits everything and records calls.
type openExposure struct {
	denyEnter  bool
	reserves   int
	unreserves int
	fills      int
	closes     int
}

func (e *openExposure) CanEnter(string, int64, float64, float64) bool { return !e.denyEnter }
func (e *openExposure) Reserve(string, int64, float64)                { e.reserves++ }
func (e *openExposure) Unreserve(string, int64, float64)              { e.unreserves++ }
func (e *openExposure) OnFill(string, int64, float64)                 { e.fills++ }
func (e *openExposure) OnClose(string, int64, float64)                { e.closes++ }

type fixedRegime struct{ label string }

func (f fixedRegime) Label() string { return f.label }
func (f fixedRegime) Multiplier() float64 {
	switch f.label {
	case RegimeStrongInflow:
		return 1.10
	case RegimeOutflow:
		return 0.85
	default:
		return 1.00
	}
}

func newTestRunner(exp ExposureGuard) (*Runner, *time.Time) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	clock := &now
	r := NewRunner(config.StrategyConfig{
		ID:         "KMP",
		QualityMin: 40,
		ORRangeMax: 0.05,
	}, exp, fixedRegime{label: RegimeStrongInflow}, func() float64 { return 1e8 }, testLogger())
	r.now = func() time.Time { return *clock }
	r.SetEntryWindowOpen(time.Date(2026, 3, 10, 9, 16, 0, 0, time.UTC))
	return r, clock
}

// primeWatchBreak puts a symbol into WATCH_BREAK with a locked 1000-1010
// opening range and healthy session stats.
func primeWatchBreak(r *Runner) *Symbol {
	s := r.Track("005930", "IT")
	s.SetAnchors(990, 970, 995, true, 5e9, 6.0)
	r.Admit("005930")
	s.mu.Lock()
	s.orHigh, s.orLow = 1010, 1000
	s.orMid = 1005
	s.orLocked = true
	s.state = types.StateWatchBreak
	s.surge = 6.0
	s.rvol1m = 3.0
	s.spreadPct = 0.001
	s.imbalance = 0.5
	s.atrValue = 4.0
	s.last5mValue = 5e9
	s.vwap.Replace(1000, 1004000) // vwap 1004
	s.cumVol, s.cumVal = 1000, 1004000
	s.mu.Unlock()
	return s
}

func feed(r *Runner, s *Symbol, at time.Time, price float64) {
	s.ApplyTick(types.Tick{Symbol: s.Ticker, At: at, Price: price, TickVol: 10})
	r.Step(s)
}

func TestLockOpeningRangesFiltersWidth(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(&openExposure{})

	narrow := r.Track("100001", "IT")
	wide := r.Track("100002", "IT")
	good := r.Track("100003", "IT")
	for _, s := range []*Symbol{narrow, wide, good} {
		s.SetAnchors(990, 970, 995, true, 0, 0)
		r.Admit(s.Ticker)
	}
	set := func(s *Symbol, high, low float64) {
		s.mu.Lock()
		s.orHigh, s.orLow = high, low
		s.mu.Unlock()
	}
	set(narrow, 1000.5, 1000) // 0.05% of mid: too narrow
	set(wide, 1100, 1000)     // ~9.5%: too wide
	set(good, 1010, 1000)     // ~1%

	r.LockOpeningRanges()

	assert.Equal(t, types.StateDone, narrow.State())
	assert.Equal(t, types.StateDone, wide.State())
	assert.Equal(t, types.StateWatchBreak, good.State())

	good.mu.Lock()
	assert.Equal(t, 1005.0, good.orMid)
	assert.True(t, good.orLocked)
	good.mu.Unlock()
}

func TestBreakoutToWaitAcceptance(t *testing.T) {
	t.Parallel()
	r, clock := newTestRunner(&openExposure{})
	s := primeWatchBreak(r)

	// Below OR high: no transition.
	feed(r, s, *clock, 1008)
	assert.Equal(t, types.StateWatchBreak, s.State())

	// Break above OR high and VWAP.
	feed(r, s, clock.Add(time.Second), 1012)
	require.Equal(t, types.StateWaitAcceptance, s.State())
	s.mu.Lock()
	assert.True(t, math.IsInf(s.retestLow, 1))
	s.mu.Unlock()
}

func TestWideSpreadBlocksBreakout(t *testing.T) {
	t.Parallel()
	r, clock := newTestRunner(&openExposure{})
	s := primeWatchBreak(r)
	s.mu.Lock()
	s.spreadPct = 0.01
	s.mu.Unlock()

	feed(r, s, *clock, 1012)
	assert.Equal(t, types.StateWatchBreak, s.State())
}

func TestFreshViBlocksBreakout(t *testing.T) {
	t.Parallel()
	r, clock := newTestRunner(&openExposure{})
	s := primeWatchBreak(r)
	s.mu.Lock()
	s.viRef = 950
	s.lastViTs = clock.Add(-time.Minute)
	s.mu.Unlock()

	feed(r, s, *clock, 1012)
	assert.Equal(t, types.StateWatchBreak, s.State())
}

func acceptEntry(t *testing.T, r *Runner, s *Symbol, clock *time.Time) types.OrderIntent {
	t.Helper()
	feed(r, s, *clock, 1012) // break
	require.Equal(t, types.StateWaitAcceptance, s.State())

	*clock = clock.Add(30 * time.Second)
	feed(r, s, *clock, 1006) // pullback below or_high, above vwap
	*clock = clock.Add(30 * time.Second)
	feed(r, s, *clock, 1012) // reclaim
	require.Equal(t, types.StateArmed, s.State())

	select {
	case intent := <-r.Intents():
		return intent
	default:
		t.Fatal("no entry intent emitted")
		return types.OrderIntent{}
	}
}

func TestAcceptanceArmsAndEmitsEntry(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)

	intent := acceptEntry(t, r, s, clock)
	assert.Equal(t, types.SideBuy, intent.Side)
	assert.Equal(t, types.PurposeEntry, intent.Purpose)
	assert.NotEmpty(t, intent.ClientTag)
	assert.Positive(t, intent.Qty)
	assert.Equal(t, 1, exp.reserves)

	s.mu.Lock()
	assert.Equal(t, 1006.0, s.structureStop, "structure stop anchors at the pullback low")
	assert.Equal(t, RegimeStrongInflow, s.entryRegime)
	s.mu.Unlock()
}

func TestAcceptanceTimeout(t *testing.T) {
	t.Parallel()
	r, clock := newTestRunner(&openExposure{})
	s := primeWatchBreak(r)

	feed(r, s, *clock, 1012)
	require.Equal(t, types.StateWaitAcceptance, s.State())

	*clock = clock.Add(6 * time.Minute)
	feed(r, s, *clock, 1008)
	assert.Equal(t, types.StateDone, s.State())
}

func TestNoPullbackNoEntry(t *testing.T) {
	t.Parallel()
	r, clock := newTestRunner(&openExposure{})
	s := primeWatchBreak(r)

	feed(r, s, *clock, 1012)
	*clock = clock.Add(time.Minute)
	feed(r, s, *clock, 1015) // runs away without pullback
	assert.Equal(t, types.StateWaitAcceptance, s.State())
}

func TestAdmitRequiresTrendAnchors(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(&openExposure{})

	trending := r.Track("005930", "IT")
	trending.SetAnchors(990, 970, 995, true, 4e9, 5.0)
	broken := r.Track("000660", "IT")
	broken.SetAnchors(990, 1010, 995, false, 4e9, 5.0)

	r.Admit("005930")
	r.Admit("000660")

	assert.Equal(t, types.StateCandidate, trending.State())
	assert.Equal(t, types.StateIdle, broken.State(), "surge without trend stays idle")
	assert.Equal(t, "trend anchors not held", broken.Snapshot().SkipReason)
}

func TestSectorExposureBlocksEntry(t *testing.T) {
	t.Parallel()
	exp := &openExposure{denyEnter: true}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)

	feed(r, s, *clock, 1012)
	*clock = clock.Add(30 * time.Second)
	feed(r, s, *clock, 1006)
	*clock = clock.Add(30 * time.Second)
	feed(r, s, *clock, 1012)

	assert.Equal(t, types.StateDone, s.State())
	assert.Zero(t, exp.reserves)
	assert.Equal(t, "sector exposure", s.Snapshot().SkipReason)
}

func TestEntryFillAndHardStopExit(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)
	intent := acceptEntry(t, r, s, clock)

	r.ApplyUpdate(types.IntentUpdate{
		ClientTag: intent.ClientTag, OrderID: "117", Status: types.IntentFilled,
		FilledQty: intent.Qty, AvgPx: 1012,
	}, s.Ticker)
	require.Equal(t, types.StateInPosition, s.State())
	assert.Equal(t, 1, exp.fills)

	// Crash through the hard stop.
	*clock = clock.Add(time.Minute)
	feed(r, s, *clock, s.Snapshot().EntryPx-50)
	require.Equal(t, types.StatePendingExit, s.State())

	exit := <-r.Intents()
	assert.Equal(t, types.SideSell, exit.Side)
	assert.Equal(t, types.PurposeExit, exit.Purpose)
	assert.Equal(t, "hard_stop", s.Snapshot().SkipReason)

	r.ApplyUpdate(types.IntentUpdate{Status: types.IntentFilled}, s.Ticker)
	assert.Equal(t, types.StateDone, s.State())
	assert.Equal(t, 1, exp.closes)
}

func TestEntryRejectionUnreserves(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)
	acceptEntry(t, r, s, clock)

	r.ApplyUpdate(types.IntentUpdate{Status: types.IntentRejected, Reason: "insufficient funds"}, s.Ticker)
	assert.Equal(t, types.StateDone, s.State())
	assert.Equal(t, 1, exp.unreserves)
	assert.Zero(t, exp.fills)
}

func TestTrailingStopNeverDecreases(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)
	intent := acceptEntry(t, r, s, clock)
	r.ApplyUpdate(types.IntentUpdate{Status: types.IntentFilled, FilledQty: intent.Qty, AvgPx: 1012}, s.Ticker)

	var prevTrail float64
	prices := []float64{1020, 1035, 1050, 1045, 1040}
	for i, px := range prices {
		*clock = clock.Add(time.Minute)
		feed(r, s, *clock, px)
		if s.State() != types.StateInPosition {
			break
		}
		trail := s.Snapshot().TrailPx
		require.GreaterOrEqual(t, trail, prevTrail, "trail decreased at step %d", i)
		prevTrail = trail
	}
	s.mu.Lock()
	assert.GreaterOrEqual(t, s.trailPx, s.structureStop)
	assert.GreaterOrEqual(t, s.maxFav, s.entryPx)
	s.mu.Unlock()
}

func TestStallScratchExit(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)
	intent := acceptEntry(t, r, s, clock)
	r.ApplyUpdate(types.IntentUpdate{Status: types.IntentFilled, FilledQty: intent.Qty, AvgPx: 1012}, s.Ticker)

	// Nine minutes later, price stuck just above entry: r < 0.5 but above
	// the early acceptance-failure band (> or_high, > vwap).
	*clock = clock.Add(9 * time.Minute)
	feed(r, s, *clock, 1013)
	assert.Equal(t, types.StatePendingExit, s.State())
	assert.Equal(t, "stall_scratch", s.Snapshot().SkipReason)
}

func TestRiskOffFlattensEverything(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, clock := newTestRunner(exp)
	s := primeWatchBreak(r)
	intent := acceptEntry(t, r, s, clock)
	r.ApplyUpdate(types.IntentUpdate{Status: types.IntentFilled, FilledQty: intent.Qty, AvgPx: 1012}, s.Ticker)

	watcher := r.Track("000660", "IT")
	r.Admit("000660")

	r.RiskOff()

	assert.Equal(t, types.StatePendingExit, s.State())
	assert.Equal(t, "risk_off", s.Snapshot().SkipReason)
	assert.Equal(t, types.StateDone, watcher.State())
}

func TestRiskOffFlattensAdoptedPosition(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, _ := newTestRunner(exp)

	// Adopted from the broker: no tick has been seen, lastPrice is zero.
	r.ForceInPosition("005930", 10, 71500)
	s := r.Lookup("005930")
	require.NotNil(t, s)
	require.Equal(t, types.StateInPosition, s.State())

	r.RiskOff()

	assert.Equal(t, types.StatePendingExit, s.State())
	assert.Equal(t, "risk_off", s.Snapshot().SkipReason)
	select {
	case exit := <-r.Intents():
		assert.Equal(t, types.SideSell, exit.Side)
		assert.Equal(t, types.PriceMarket, exit.PriceKind)
		assert.Equal(t, int64(10), exit.Qty)
	default:
		t.Fatal("no exit intent emitted for tickless position")
	}
}

func TestReconcilerOverrides(t *testing.T) {
	t.Parallel()
	exp := &openExposure{}
	r, _ := newTestRunner(exp)

	// Broker holds an untracked symbol: adopt it.
	r.ForceInPosition("051910", 5, 400000)
	s := r.Lookup("051910")
	require.NotNil(t, s)
	assert.Equal(t, types.StateInPosition, s.State())

	// Broker dropped it: close out.
	r.MarkClosedExternally("051910")
	assert.Equal(t, types.StateDone, s.State())
	assert.Equal(t, "position closed externally", s.Snapshot().SkipReason)
	assert.Equal(t, 1, exp.closes)
}
