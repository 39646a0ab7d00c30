// Package stream turns raw KIS websocket frames into typed market-data
// events and manages the vendor subscription slot budget.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"kis-trader/internal/exchange"
	"kis-trader/pkg/types"
)

// Tick stream field offsets within one caret-delimited record.
const (
	tickFieldTicker  = 0
	tickFieldTime    = 1
	tickFieldPrice   = 2
	tickFieldTickVol = 12
	tickFieldCumVol  = 13
	tickFieldCumVal  = 14
	tickFieldViRef   = 45

	tickMinFields = 15
)

// Orderbook-top field offsets.
const (
	bookFieldTicker = 0
	bookFieldAsk    = 3
	bookFieldBid    = 13

	bookMinFields = 4
)

var errMalformedFrame = errors.New("stream: malformed frame")

// Sink receives routed market-data events for one tracked symbol.
// Implementations run on the dispatch loop and must not block.
type Sink interface {
	ApplyTick(types.Tick)
	ApplyAskBid(types.OrderbookTop)
}

// Dispatcher parses raw data frames and routes records to per-symbol
// sinks. Untracked tickers are dropped silently; malformed frames are
// counted and logged at debug level.
type Dispatcher struct {
	lookup func(ticker string) Sink
	loc    *time.Location
	now    func() time.Time

	malformed atomic.Int64
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. lookup resolves a ticker to its
// sink, returning nil for untracked tickers. loc anchors intraday
// timestamps (KST in production).
func NewDispatcher(lookup func(string) Sink, loc *time.Location, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		lookup: lookup,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "dispatch"),
	}
}

// HandleFrame parses one raw data frame and routes each record. Intended
// to be registered as the websocket client's frame handler.
func (d *Dispatcher) HandleFrame(raw string) {
	trID, records, err := splitFrame(raw)
	if err != nil {
		d.malformed.Add(1)
		d.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	for _, fields := range records {
		switch trID {
		case exchange.TRTick:
			tick, err := parseTick(fields, d.loc, d.now())
			if err != nil {
				d.malformed.Add(1)
				continue
			}
			if sink := d.lookup(tick.Symbol); sink != nil {
				sink.ApplyTick(tick)
			}
		case exchange.TROrderbook:
			top, err := parseAskBid(fields, d.now())
			if err != nil {
				d.malformed.Add(1)
				continue
			}
			if sink := d.lookup(top.Symbol); sink != nil {
				sink.ApplyAskBid(top)
			}
		}
	}
}

// MalformedCount returns the number of frames and records dropped as
// malformed since construction.
func (d *Dispatcher) MalformedCount() int64 { return d.malformed.Load() }

// splitFrame separates a data frame "flag|tr_id|count|payload" into its
// tr_id and per-record field slices. A frame may batch several records;
// the payload field count is evenly divided by the record count.
func splitFrame(raw string) (trID string, records [][]string, err error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 {
		return "", nil, fmt.Errorf("%w: %d segments", errMalformedFrame, len(parts))
	}
	trID = parts[1]
	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		return "", nil, fmt.Errorf("%w: bad record count %q", errMalformedFrame, parts[2])
	}

	fields := strings.Split(parts[3], "^")
	if len(fields)%count != 0 {
		return "", nil, fmt.Errorf("%w: %d fields not divisible by %d records", errMalformedFrame, len(fields), count)
	}
	width := len(fields) / count
	records = make([][]string, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, fields[i*width:(i+1)*width])
	}
	return trID, records, nil
}

func parseTick(fields []string, loc *time.Location, now time.Time) (types.Tick, error) {
	if len(fields) < tickMinFields {
		return types.Tick{}, fmt.Errorf("%w: tick has %d fields", errMalformedFrame, len(fields))
	}
	price := num(fields[tickFieldPrice])
	if price <= 0 {
		return types.Tick{}, fmt.Errorf("%w: non-positive price", errMalformedFrame)
	}

	tick := types.Tick{
		Symbol:  fields[tickFieldTicker],
		At:      intradayTime(fields[tickFieldTime], loc, now),
		Price:   price,
		TickVol: num(fields[tickFieldTickVol]),
		CumVol:  num(fields[tickFieldCumVol]),
		CumVal:  num(fields[tickFieldCumVal]),
	}
	if len(fields) > tickFieldViRef {
		tick.ViRef = num(fields[tickFieldViRef])
	}
	return tick, nil
}

func parseAskBid(fields []string, now time.Time) (types.OrderbookTop, error) {
	if len(fields) < bookMinFields {
		return types.OrderbookTop{}, fmt.Errorf("%w: orderbook has %d fields", errMalformedFrame, len(fields))
	}
	top := types.OrderbookTop{
		Symbol: fields[bookFieldTicker],
		At:     now,
		Ask:    num(fields[bookFieldAsk]),
	}
	if len(fields) > bookFieldBid {
		top.Bid = num(fields[bookFieldBid])
	}
	return top, nil
}

// intradayTime combines an HHMMSS stream field with today's date.
func intradayTime(hhmmss string, loc *time.Location, now time.Time) time.Time {
	if len(hhmmss) != 6 {
		return now
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return now
	}
	y, mo, d := now.In(loc).Date()
	return time.Date(y, mo, d, h, m, s, 0, loc)
}

func num(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
