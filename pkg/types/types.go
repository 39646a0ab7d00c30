// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — order intents,
// tick and orderbook stream records, bars, and broker position snapshots.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// State is a symbol's position in the entry/exit lifecycle. New symbols
// start in StateIdle.
type State string

const (
	StateIdle           State = "IDLE"
	StateCandidate      State = "CANDIDATE"
	StateWatchBreak     State = "WATCH_BREAK"
	StateWaitAcceptance State = "WAIT_ACCEPTANCE"
	StateArmed          State = "ARMED"
	StateInPosition     State = "IN_POSITION"
	StatePendingExit    State = "PENDING_EXIT"
	StateDone           State = "DONE"
)

// PriceKind selects how an order is priced on the exchange.
type PriceKind string

const (
	PriceLimit  PriceKind = "limit"
	PriceMarket PriceKind = "market"
)

// Purpose tags why the strategy emitted an intent. The OMS wrapper uses it
// to pick the right TR-ID and to route fills back to the correct FSM path.
type Purpose string

const (
	PurposeEntry  Purpose = "entry"
	PurposeExit   Purpose = "exit"
	PurposeModify Purpose = "modify"
)

// IntentStatus is the lifecycle of a submitted intent as reported by the
// OMS wrapper: submitted → accepted → filled | cancelled | rejected.
type IntentStatus string

const (
	IntentSubmitted IntentStatus = "submitted"
	IntentAccepted  IntentStatus = "accepted"
	IntentFilled    IntentStatus = "filled"
	IntentCancelled IntentStatus = "cancelled"
	IntentRejected  IntentStatus = "rejected"
)

// ————————————————————————————————————————————————————————————————————————
// Order intents
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is the high-level order representation produced by the
// strategy layer. The exchange client converts it into the broker's order
// request for the appropriate TR-ID.
type OrderIntent struct {
	Symbol    string    // 6-digit KRX ticker
	Side      Side      // BUY or SELL
	Qty       int64     // share count
	PriceKind PriceKind // limit or market
	LimitPx   float64   // limit price in KRW, 0 for market orders
	Purpose   Purpose   // entry, exit or modify
	ClientTag string    // caller-generated id for lifecycle correlation
}

// IntentUpdate is delivered back to the strategy as the broker works an
// intent. OrderID is the broker order number once accepted.
type IntentUpdate struct {
	ClientTag string
	OrderID   string
	Status    IntentStatus
	FilledQty int64
	AvgPx     float64
	Reason    string // populated on rejection
	At        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is one parsed execution record from the tick stream.
// CumVol/CumVal are the venue's cumulative session counters and are
// authoritative when positive; ViRef is the volatility-interruption
// reference price (0 when no VI is in effect).
type Tick struct {
	Symbol  string
	At      time.Time
	Price   float64
	TickVol float64 // volume of this execution
	CumVol  float64 // cumulative session volume, 0 if absent
	CumVal  float64 // cumulative session traded value (KRW), 0 if absent
	ViRef   float64 // VI reference price, 0 if absent
}

// OrderbookTop is one parsed top-of-book record from the orderbook stream.
type OrderbookTop struct {
	Symbol string
	At     time.Time
	Ask    float64
	Bid    float64
}

// Bar is a fixed-interval OHLCV aggregate. Start is the bucket start,
// truncated down to the interval.
type Bar struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TradedValue returns the bar's approximate traded value (close × volume).
func (b Bar) TradedValue() float64 {
	return b.Close * b.Volume
}

// ————————————————————————————————————————————————————————————————————————
// Broker state
// ————————————————————————————————————————————————————————————————————————

// Position is one broker-held position as reported by the balance endpoint.
// This is the source of truth the reconciliation loop rebuilds from.
type Position struct {
	Symbol string
	Qty    int64
	AvgPx  float64
}
