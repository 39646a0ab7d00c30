package stream

import (
	"log/slog"
	"sort"
	"sync"

	"kis-trader/internal/krx"
	"kis-trader/pkg/types"
)

const (
	// DefaultMaxRegs is the vendor's combined realtime slot cap per
	// websocket session.
	DefaultMaxRegs = 40

	// DefaultFocusMax bounds how many symbols carry a top-of-book
	// subscription at once.
	DefaultFocusMax = 10

	// Symbols this many ticks below their breakout level still count as
	// imminent for focus ranking.
	focusTickProximity = 5
)

// Streamer is the subscription surface of the websocket client.
type Streamer interface {
	SubscribeTick(ticker string) error
	UnsubscribeTick(ticker string) error
	SubscribeAskBid(ticker string) error
	UnsubscribeAskBid(ticker string) error
	TickSubscriptions() map[string]struct{}
	AskBidSubscriptions() map[string]struct{}
}

// FocusCandidate is one symbol offered to the focus ranking.
type FocusCandidate struct {
	Ticker    string
	State     types.State
	LastPrice float64
	ORHigh    float64
}

// Manager enforces the combined realtime slot cap across the tick and
// orderbook-top subscription sets. The sets themselves live in the
// websocket client (which prunes them on failed replay); the manager only
// decides what gets a slot.
type Manager struct {
	mu       sync.Mutex
	ws       Streamer
	maxRegs  int
	focusMax int
	logger   *slog.Logger
}

// NewManager creates a manager over the websocket client's subscription
// sets with the default slot caps.
func NewManager(ws Streamer, logger *slog.Logger) *Manager {
	return &Manager{
		ws:       ws,
		maxRegs:  DefaultMaxRegs,
		focusMax: DefaultFocusMax,
		logger:   logger.With("component", "subs"),
	}
}

// EnsureTick guarantees a tick subscription for the ticker, evicting a
// tick-only symbol if the combined cap is reached. Returns false when no
// slot could be freed or the subscribe failed.
func (m *Manager) EnsureTick(ticker string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ticks := m.ws.TickSubscriptions()
	if _, ok := ticks[ticker]; ok {
		return true
	}
	if m.totalLocked() >= m.maxRegs && !m.evictTickOnlyLocked() {
		m.logger.Warn("tick slot unavailable", "ticker", ticker)
		return false
	}
	if err := m.ws.SubscribeTick(ticker); err != nil {
		m.logger.Warn("tick subscribe failed", "ticker", ticker, "error", err)
		return false
	}
	return true
}

// EnsureAskBid guarantees a top-of-book subscription, evicting any
// orderbook member if the combined cap is reached.
func (m *Manager) EnsureAskBid(ticker string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureAskBidLocked(ticker, nil)
}

// ensureAskBidLocked subscribes the ticker, evicting an orderbook member
// outside keep when the combined cap is reached.
func (m *Manager) ensureAskBidLocked(ticker string, keep map[string]struct{}) bool {
	books := m.ws.AskBidSubscriptions()
	if _, ok := books[ticker]; ok {
		return true
	}
	if m.totalLocked() >= m.maxRegs && !m.evictAskBidLocked(keep) {
		m.logger.Warn("orderbook slot unavailable", "ticker", ticker)
		return false
	}
	if err := m.ws.SubscribeAskBid(ticker); err != nil {
		m.logger.Warn("orderbook subscribe failed", "ticker", ticker, "error", err)
		return false
	}
	return true
}

func (m *Manager) totalLocked() int {
	return len(m.ws.TickSubscriptions()) + len(m.ws.AskBidSubscriptions())
}

// evictTickOnlyLocked drops one symbol subscribed to ticks but not the
// orderbook.
func (m *Manager) evictTickOnlyLocked() bool {
	books := m.ws.AskBidSubscriptions()
	for ticker := range m.ws.TickSubscriptions() {
		if _, hasBook := books[ticker]; hasBook {
			continue
		}
		if err := m.ws.UnsubscribeTick(ticker); err != nil {
			continue
		}
		m.logger.Info("evicted tick subscription", "ticker", ticker)
		return true
	}
	return false
}

// evictAskBidLocked drops one orderbook member not in keep.
func (m *Manager) evictAskBidLocked(keep map[string]struct{}) bool {
	for ticker := range m.ws.AskBidSubscriptions() {
		if _, protected := keep[ticker]; protected {
			continue
		}
		if err := m.ws.UnsubscribeAskBid(ticker); err != nil {
			continue
		}
		m.logger.Info("evicted orderbook subscription", "ticker", ticker)
		return true
	}
	return false
}

// focusClass ranks a candidate: 0 for live positions and armed entries,
// 1 for acceptance-watch symbols within a few ticks of their breakout
// level, 2 for other acceptance-watch symbols, -1 for everything else.
func focusClass(c FocusCandidate) int {
	switch c.State {
	case types.StateArmed, types.StateInPosition:
		return 0
	case types.StateWaitAcceptance:
		if c.ORHigh > 0 && c.LastPrice > 0 {
			gap := c.ORHigh - c.LastPrice
			if gap <= float64(focusTickProximity)*krx.TickSize(c.LastPrice) {
				return 1
			}
		}
		return 2
	default:
		return -1
	}
}

// RefreshFocusList re-ranks the top-of-book subscriptions: the best
// focusMax candidates get orderbook slots, stale orderbook subscriptions
// are dropped, and DONE symbols lose both subscriptions.
func (m *Manager) RefreshFocusList(candidates []FocusCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range candidates {
		if c.State == types.StateDone {
			m.ws.UnsubscribeAskBid(c.Ticker)
			m.ws.UnsubscribeTick(c.Ticker)
		}
	}

	ranked := make([]FocusCandidate, 0, len(candidates))
	for _, c := range candidates {
		if focusClass(c) >= 0 {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return focusClass(ranked[i]) < focusClass(ranked[j])
	})
	if len(ranked) > m.focusMax {
		ranked = ranked[:m.focusMax]
	}

	focus := make(map[string]struct{}, len(ranked))
	for _, c := range ranked {
		focus[c.Ticker] = struct{}{}
	}
	for ticker := range m.ws.AskBidSubscriptions() {
		if _, keep := focus[ticker]; !keep {
			m.ws.UnsubscribeAskBid(ticker)
		}
	}
	// Higher-priority members already granted this refresh are protected
	// from eviction by lower-ranked candidates.
	for _, c := range ranked {
		m.ensureAskBidLocked(c.Ticker, focus)
	}
}

// ReleaseNonPositionSlots drops both subscriptions for every tracked
// symbol that is not holding a position. Called at the entry cutoff to
// free slots for later strategies sharing the session.
func (m *Manager) ReleaseNonPositionSlots(stateOf func(ticker string) types.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ticker := range m.ws.AskBidSubscriptions() {
		if stateOf(ticker) != types.StateInPosition {
			m.ws.UnsubscribeAskBid(ticker)
		}
	}
	for ticker := range m.ws.TickSubscriptions() {
		if stateOf(ticker) != types.StateInPosition {
			m.ws.UnsubscribeTick(ticker)
		}
	}
}
