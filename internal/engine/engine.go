// Package engine is the central orchestrator of the trading client.
//
// It wires together all subsystems:
//
//  1. Auth + REST client talk to the KIS brokerage under the shared rate
//     budget and circuit breaker.
//  2. The WebSocket client feeds the dispatcher, which routes parsed
//     ticks into per-symbol state; the subscription manager keeps the
//     stream inside the vendor slot cap.
//  3. The strategy runner drives each symbol's entry/exit state machine
//     and emits order intents; the engine executes them.
//  4. The regime poller and the OMS reconciler run as background loops;
//     the cron scheduler drives the trading-day phases.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kis-trader/internal/config"
	"kis-trader/internal/exchange"
	"kis-trader/internal/indicators"
	"kis-trader/internal/krx"
	"kis-trader/internal/ratelimit"
	"kis-trader/internal/risk"
	"kis-trader/internal/strategy"
	"kis-trader/internal/stream"
	"kis-trader/internal/universe"
	"kis-trader/pkg/types"
)

const (
	reconcileInterval    = 1500 * time.Millisecond
	focusRefreshInterval = 10 * time.Second

	// Equity is refreshed every Nth reconcile pass.
	equityEveryNth = 20
)

// Trading-day schedule, local KRX time.
const (
	cronPremarket   = "30 8 * * 1-5"  // universe refresh + anchors
	cronScan        = "14 9 * * 1-5"  // premarket value scan
	cronORLock      = "15 9 * * 1-5"  // opening range lock
	cronWindowOpen  = "16 9 * * 1-5"  // entry window anchor
	cronEntryCutoff = "0 10 * * 1-5"  // release non-position slots
	cronFlatten     = "20 15 * * 1-5" // end-of-day flatten
	cronDayReset    = "0 16 * * 1-5"  // session reset
)

// Engine orchestrates all components and owns their goroutine lifecycles.
type Engine struct {
	cfg    *config.Config
	auth   *exchange.Auth
	client *exchange.Client
	budget exchange.RateGate
	ws     *exchange.WSClient
	subs   *stream.Manager

	exposure *risk.SectorExposure
	regime   *strategy.Regime
	runner   *strategy.Runner
	filter   *universe.Filter
	calendar *krx.Calendar

	cron *cron.Cron
	loc  *time.Location

	mu     sync.Mutex
	equity float64
	adtv   map[string]float64 // per-symbol 20-day ADTV from premarket

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return nil, fmt.Errorf("load KST location: %w", err)
	}

	auth, err := exchange.NewAuth(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	priority, err := buildPriorityTable(cfg.RateBudget.PriorityWindows)
	if err != nil {
		return nil, fmt.Errorf("priority windows: %w", err)
	}
	overrides := make(map[string]ratelimit.BucketSpec, len(cfg.RateBudget.Overrides))
	for class, o := range cfg.RateBudget.Overrides {
		overrides[class] = ratelimit.BucketSpec{Capacity: o.Capacity, RefillRate: o.RefillRate}
	}

	var budget exchange.RateGate
	if cfg.RateBudget.StateFile != "" {
		shared, err := ratelimit.NewSharedBudget(cfg.RateBudget.StateFile, overrides, priority, logger)
		if err != nil {
			return nil, fmt.Errorf("shared budget: %w", err)
		}
		budget = shared
	} else {
		budget = ratelimit.NewBudget(overrides, priority)
	}

	client := exchange.NewClient(cfg, auth, budget, logger)
	ws := exchange.NewWSClient(cfg.WebsocketURL, auth.ApprovalKey(), cfg.CustType, cfg.HtsID, logger)

	e := &Engine{
		cfg:      cfg,
		auth:     auth,
		client:   client,
		budget:   budget,
		ws:       ws,
		subs:     stream.NewManager(ws, logger),
		exposure: risk.NewSectorExposure(cfg.SectorMap, cfg.Risk, logger),
		regime:   strategy.NewRegime(client, logger),
		filter:   universe.NewFilter(client, cfg.Universe, logger),
		calendar: krx.NewCalendar(cfg.TradingHolidays, loc),
		cron:     cron.New(cron.WithLocation(loc)),
		loc:      loc,
		adtv:     make(map[string]float64),
		logger:   logger.With("component", "engine"),
	}
	e.runner = strategy.NewRunner(cfg.Strategy, e.exposure, e.regime, e.Equity, logger)

	dispatcher := stream.NewDispatcher(e.sinkFor, loc, logger)
	ws.OnFrame(dispatcher.HandleFrame)
	return e, nil
}

// Equity returns the last fetched account equity in KRW.
func (e *Engine) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity
}

// sinkFor routes dispatched market data into the symbol state and then
// steps the FSM.
func (e *Engine) sinkFor(ticker string) stream.Sink {
	s := e.runner.Lookup(ticker)
	if s == nil {
		return nil
	}
	return &steppingSink{sym: s, runner: e.runner}
}

// steppingSink applies the event and immediately evaluates the FSM, so
// entries and exits react on the tick that triggers them.
type steppingSink struct {
	sym    *strategy.Symbol
	runner *strategy.Runner
}

func (ss *steppingSink) ApplyTick(t types.Tick) {
	ss.sym.ApplyTick(t)
	ss.runner.Step(ss.sym)
}

func (ss *steppingSink) ApplyAskBid(t types.OrderbookTop) {
	ss.sym.ApplyAskBid(t)
}

// Start launches all background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.refreshEquity(e.ctx); err != nil {
		return fmt.Errorf("initial balance fetch: %w", err)
	}

	execTR := exchange.TRExecNoticeLive
	if e.cfg.IsPaper {
		execTR = exchange.TRExecNoticePaper
	}
	if err := e.ws.SubscribeExecNotice(execTR); err != nil {
		e.logger.Warn("execution-notice registration deferred", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ws.Run(e.ctx, true); err != nil && e.ctx.Err() == nil {
			e.logger.Error("websocket loop exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.regime.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.intentLoop(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.focusLoop(e.ctx)
	}()

	e.scheduleTradingDay()
	e.cron.Start()

	e.logger.Info("engine started",
		"paper", e.cfg.IsPaper, "strategy", e.cfg.Strategy.ID,
		"universe", len(e.cfg.Universe.Tickers))
	return nil
}

// Stop flattens open positions and shuts every loop down.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping, flattening positions")
	e.runner.RiskOff()
	e.drainExits()

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// drainExits executes exit intents emitted by the risk-off flatten
// synchronously, so Stop does not race the intent loop's shutdown.
func (e *Engine) drainExits() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for {
		select {
		case intent := <-e.runner.Intents():
			e.execute(ctx, intent)
		default:
			return
		}
	}
}

func (e *Engine) scheduleTradingDay() {
	schedule := []struct {
		spec string
		name string
		fn   func()
	}{
		{cronPremarket, "premarket_refresh", func() { e.premarketRefresh(e.ctx) }},
		{cronScan, "premarket_scan", e.premarketScan},
		{cronORLock, "or_lock", e.runner.LockOpeningRanges},
		{cronWindowOpen, "entry_window", func() { e.runner.SetEntryWindowOpen(time.Now().In(e.loc)) }},
		{cronEntryCutoff, "entry_cutoff", func() {
			e.subs.ReleaseNonPositionSlots(func(ticker string) types.State {
				if s := e.runner.Lookup(ticker); s != nil {
					return s.State()
				}
				return types.StateDone
			})
		}},
		{cronFlatten, "eod_flatten", e.runner.RiskOff},
		{cronDayReset, "day_reset", e.resetForNewDay},
	}
	for _, job := range schedule {
		name := job.name
		fn := job.fn
		if _, err := e.cron.AddFunc(job.spec, func() {
			if !e.calendar.IsTradingDay(time.Now().In(e.loc)) {
				return
			}
			e.logger.Info("schedule fired", "job", name)
			fn()
		}); err != nil {
			e.logger.Error("cron registration failed", "job", name, "error", err)
		}
	}
}

// premarketRefresh filters the configured universe, computes daily
// anchors and subscribes the survivors to the tick stream.
func (e *Engine) premarketRefresh(ctx context.Context) {
	valid, rejected := e.filter.Run(ctx, e.cfg.Universe.Tickers)
	for _, rej := range rejected {
		e.logger.Debug("universe reject", "ticker", rej.Ticker, "reason", rej.Reason, "value", rej.Value)
	}

	for _, ticker := range valid {
		sym := e.runner.Track(ticker, e.cfg.SectorMap[ticker])
		if err := e.refreshAnchors(ctx, sym); err != nil {
			e.logger.Warn("anchor refresh failed", "ticker", ticker, "error", err)
			continue
		}
		if !e.subs.EnsureTick(ticker) {
			e.logger.Warn("no tick slot for universe symbol", "ticker", ticker)
		}
	}
}

// refreshAnchors loads the 20/60-day trailing means and the previous
// close for one symbol and stores its ADTV for the morning surge scan.
func (e *Engine) refreshAnchors(ctx context.Context, sym *strategy.Symbol) error {
	closes, err := e.client.DailyCloses(ctx, sym.Ticker, 60)
	if err != nil {
		return err
	}
	if len(closes) == 0 {
		return fmt.Errorf("no daily history for %s", sym.Ticker)
	}
	prevClose := closes[len(closes)-1]

	var ma20, ma60 float64
	if out := indicators.SMA(closes, 20); len(out) > 0 {
		ma20 = out[len(out)-1]
	}
	if out := indicators.SMA(closes, 60); len(out) > 0 {
		ma60 = out[len(out)-1]
	}
	trendOK := ma20 > 0 && ma60 > 0 && prevClose > ma20 && ma20 > ma60

	adtv, err := e.client.ADTV20(ctx, sym.Ticker)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.adtv[sym.Ticker] = adtv
	e.mu.Unlock()

	sym.SetAnchors(ma20, ma60, prevClose, trendOK, 0, 0)
	return nil
}

// premarketScan admits candidates just before the OR lock: a symbol
// qualifies when its trend anchors hold and its opening traded value
// surges against its typical 15-minute slice of ADTV.
func (e *Engine) premarketScan() {
	e.mu.Lock()
	adtv := make(map[string]float64, len(e.adtv))
	for k, v := range e.adtv {
		adtv[k] = v
	}
	e.mu.Unlock()

	for _, sym := range e.runner.Symbols() {
		snap := sym.Snapshot()
		typical := adtv[snap.Ticker] * (15.0 / 390.0)
		if typical <= 0 {
			continue
		}
		surge := snap.CumVal / typical
		sym.SetScan(snap.CumVal, surge)
		if surge >= 1.0 {
			e.runner.Admit(snap.Ticker)
		}
	}
}

func (e *Engine) resetForNewDay() {
	for _, sym := range e.runner.Symbols() {
		sym.ResetForNewDay()
	}
	e.logger.Info("session state reset")
}

// intentLoop executes order intents emitted by the state machine.
func (e *Engine) intentLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-e.runner.Intents():
			e.execute(ctx, intent)
		}
	}
}

func (e *Engine) execute(ctx context.Context, intent types.OrderIntent) {
	orderID, err := e.client.PlaceOrder(ctx, intent)
	if err != nil {
		e.logger.Error("order placement failed",
			"ticker", intent.Symbol, "purpose", intent.Purpose, "error", err)
		e.runner.ApplyUpdate(types.IntentUpdate{
			ClientTag: intent.ClientTag,
			Status:    types.IntentRejected,
			Reason:    err.Error(),
			At:        time.Now(),
		}, intent.Symbol)
		return
	}
	e.runner.ApplyUpdate(types.IntentUpdate{
		ClientTag: intent.ClientTag,
		OrderID:   orderID,
		Status:    types.IntentAccepted,
		At:        time.Now(),
	}, intent.Symbol)
}

// focusLoop periodically re-ranks the orderbook-top focus set.
func (e *Engine) focusLoop(ctx context.Context) {
	ticker := time.NewTicker(focusRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates := make([]stream.FocusCandidate, 0)
			for _, sym := range e.runner.Symbols() {
				snap := sym.Snapshot()
				candidates = append(candidates, stream.FocusCandidate{
					Ticker:    snap.Ticker,
					State:     snap.State,
					LastPrice: snap.LastPrice,
					ORHigh:    snap.ORHigh,
				})
			}
			e.subs.RefreshFocusList(candidates)
		}
	}
}

// reconcileLoop aligns local state with broker truth every 1.5 seconds:
// exposure is rebuilt wholesale, out-of-band fills are adopted and
// externally closed positions are released.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	var pass int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass++
			if pass%equityEveryNth == 0 {
				if err := e.refreshEquity(ctx); err != nil {
					e.logger.Warn("equity refresh failed", "error", err)
				}
			}
			if err := e.reconcile(ctx); err != nil {
				e.logger.Warn("reconcile failed", "error", err)
			}
		}
	}
}

func (e *Engine) refreshEquity(ctx context.Context) error {
	equity, err := e.client.Balance(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.equity = equity
	e.mu.Unlock()
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	positions, err := e.client.Positions(ctx)
	if err != nil {
		return err
	}

	held := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p
	}

	var working []string
	for _, sym := range e.runner.Symbols() {
		if sym.State() == types.StateArmed {
			working = append(working, sym.Ticker)
		}
	}
	e.exposure.Reconcile(positions, working)

	// Broker-held but not locally open: fill happened out of band. A
	// pending exit still holds at the broker until its order fills, so
	// it is not adopted back.
	for symbol, p := range held {
		s := e.runner.Lookup(symbol)
		if s == nil {
			e.runner.ForceInPosition(symbol, p.Qty, p.AvgPx)
			continue
		}
		switch s.State() {
		case types.StateInPosition, types.StatePendingExit:
		default:
			e.runner.ForceInPosition(symbol, p.Qty, p.AvgPx)
		}
	}
	// Locally open or exiting but gone at the broker: closed externally.
	for _, sym := range e.runner.Symbols() {
		if _, stillHeld := held[sym.Ticker]; stillHeld {
			continue
		}
		switch sym.State() {
		case types.StateInPosition:
			e.runner.MarkClosedExternally(sym.Ticker)
		case types.StatePendingExit:
			e.runner.ApplyUpdate(types.IntentUpdate{
				Status: types.IntentFilled,
				At:     time.Now(),
			}, sym.Ticker)
		}
	}
	return nil
}

// buildPriorityTable parses "HH:MM-HH:MM" window strings into the rate
// coordinator's priority table.
func buildPriorityTable(windows map[string][]string) (ratelimit.PriorityTable, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	table := make(ratelimit.PriorityTable, len(windows))
	for strategyID, specs := range windows {
		for _, spec := range specs {
			w, err := parseWindow(spec)
			if err != nil {
				return nil, fmt.Errorf("strategy %s: %w", strategyID, err)
			}
			table[strategyID] = append(table[strategyID], w)
		}
	}
	return table, nil
}

func parseWindow(spec string) (ratelimit.Window, error) {
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return ratelimit.Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", spec)
	}
	start, err := parseMinutes(parts[0])
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("window %q: %w", spec, err)
	}
	end, err := parseMinutes(parts[1])
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("window %q: %w", spec, err)
	}
	if end <= start {
		return ratelimit.Window{}, fmt.Errorf("window %q: end before start", spec)
	}
	return ratelimit.Window{Start: start, End: end}, nil
}

func parseMinutes(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("time %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q: bad minute", s)
	}
	return h*60 + m, nil
}
