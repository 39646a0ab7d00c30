package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Streaming TR-IDs.
const (
	TRTick            = "H0STCNT0" // realtime execution ticks
	TROrderbook       = "H0STASP0" // top-of-book quotes
	TRExecNoticeLive  = "H0STCNI0" // account execution notices, live
	TRExecNoticePaper = "H0STCNI9" // account execution notices, paper
)

// Subscription command ids carried in the tr_type field. The venue uses
// "1" both for orderbook and execution-notice registration.
const (
	cmdSubOrderbook   = "1"
	cmdUnsubOrderbook = "2"
	cmdSubTick        = "3"
	cmdUnsubTick      = "4"
	cmdSubNotice      = "1"
)

const (
	wsOpenTimeout  = 30 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	// A connection alive this long proves stable and resets the
	// reconnect backoff counter.
	stableAfter = 30 * time.Second
)

// ErrNotConnected is returned by subscribe/unsubscribe while disconnected.
var ErrNotConnected = errors.New("exchange: websocket not connected")

// FrameHandler receives one raw data frame. Handlers run on the read loop;
// panics are caught and logged without stopping dispatch.
type FrameHandler func(raw string)

// WSClient is the single long-lived streaming connection. It maintains the
// two subscription sets (tick, orderbook-top) for replay after reconnect
// and exposes append-only frame callbacks.
type WSClient struct {
	url         string
	approvalKey string
	custType    string
	htsID       string

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	connectedSince time.Time
	attempts       int
	tickSubs       map[string]struct{}
	askbidSubs     map[string]struct{}
	execNoticeTR   string

	cbMu     sync.RWMutex
	handlers []FrameHandler

	logger *slog.Logger
}

// NewWSClient creates a disconnected client; call Run to connect.
func NewWSClient(url, approvalKey, custType, htsID string, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:         url,
		approvalKey: approvalKey,
		custType:    custType,
		htsID:       htsID,
		tickSubs:    make(map[string]struct{}),
		askbidSubs:  make(map[string]struct{}),
		logger:      logger.With("component", "ws_client"),
	}
}

// OnFrame registers a data-frame callback. Registration is append-only.
func (w *WSClient) OnFrame(h FrameHandler) {
	w.cbMu.Lock()
	w.handlers = append(w.handlers, h)
	w.cbMu.Unlock()
}

// Connected reports whether the connection is currently up.
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// TickSubscriptions returns a copy of the current tick subscription set.
func (w *WSClient) TickSubscriptions() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copySet(w.tickSubs)
}

// AskBidSubscriptions returns a copy of the orderbook-top subscription set.
func (w *WSClient) AskBidSubscriptions() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copySet(w.askbidSubs)
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// connect opens the WebSocket. It does NOT reset the reconnect-attempt
// counter; only a proven-stable connection does.
func (w *WSClient) connect(ctx context.Context) bool {
	dialer := websocket.Dialer{HandshakeTimeout: wsOpenTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, wsOpenTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, w.url, nil)
	if err != nil {
		w.logger.Error("websocket connect failed", "url", w.url, "error", err)
		return false
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.connectedSince = time.Now()
	w.mu.Unlock()

	w.logger.Info("websocket connected", "url", w.url)
	return true
}

func (w *WSClient) disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Run is the main loop: connect, read frames, dispatch, reconnect with
// exponential backoff when autoReconnect is set. Returns when ctx is done
// or, without autoReconnect, on the first connection loss.
func (w *WSClient) Run(ctx context.Context, autoReconnect bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !w.connect(ctx) {
			if !autoReconnect {
				return fmt.Errorf("%w: websocket connect", ErrTransport)
			}
			if err := w.backoff(ctx); err != nil {
				return err
			}
			continue
		}
		w.replaySubscriptions()

		pingDone := make(chan struct{})
		go w.pingLoop(ctx, pingDone)
		err := w.readLoop(ctx)
		close(pingDone)
		w.disconnect()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("websocket disconnected", "error", err)
		if !autoReconnect {
			return err
		}
		if err := w.backoff(ctx); err != nil {
			return err
		}
	}
}

func (w *WSClient) backoff(ctx context.Context) error {
	w.mu.Lock()
	delay := reconnectBase << w.attempts
	if delay > reconnectMax || delay <= 0 {
		delay = reconnectMax
	}
	w.attempts++
	attempts := w.attempts
	w.mu.Unlock()

	w.logger.Info("reconnecting", "attempt", attempts, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (w *WSClient) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				return
			}
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPongTimeout))
		}
	}
}

func (w *WSClient) readLoop(ctx context.Context) error {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

		raw := string(msg)
		if strings.HasPrefix(raw, "0") || strings.HasPrefix(raw, "1") {
			w.deliver(raw)
		} else {
			w.handleControl(conn, raw)
		}

		// A connection stable past the threshold resets the backoff.
		w.mu.Lock()
		if w.attempts > 0 && time.Since(w.connectedSince) >= stableAfter {
			w.attempts = 0
		}
		w.mu.Unlock()
	}
}

// deliver fans one data frame out to all handlers with panic isolation.
func (w *WSClient) deliver(raw string) {
	w.cbMu.RLock()
	handlers := w.handlers
	w.cbMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("frame handler panicked", "panic", r)
				}
			}()
			h(raw)
		}()
	}
}

// handleControl answers server PINGPONG frames and logs subscription acks.
func (w *WSClient) handleControl(conn *websocket.Conn, raw string) {
	var ctrl struct {
		Header struct {
			TRID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			RtCd string `json:"rt_cd"`
			Msg1 string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(raw), &ctrl); err != nil {
		w.logger.Warn("unparseable control frame")
		return
	}
	switch ctrl.Header.TRID {
	case "PINGPONG":
		conn.WriteMessage(websocket.TextMessage, []byte(raw))
	default:
		w.logger.Debug("control frame",
			"tr_id", ctrl.Header.TRID, "rt_cd", ctrl.Body.RtCd, "msg", ctrl.Body.Msg1)
	}
}

// SubscribeTick subscribes a ticker to the execution stream. Idempotent;
// fails while disconnected.
func (w *WSClient) SubscribeTick(ticker string) error {
	return w.command(ticker, TRTick, cmdSubTick, w.tickSubs, true)
}

// UnsubscribeTick removes a ticker from the execution stream.
func (w *WSClient) UnsubscribeTick(ticker string) error {
	return w.command(ticker, TRTick, cmdUnsubTick, w.tickSubs, false)
}

// SubscribeExecNotice registers the account execution-notice stream,
// keyed by the HTS user id. The registration is remembered and replayed
// on every (re)connect; it occupies the vendor slot the subscription
// manager keeps outside its cap. Safe to call while disconnected.
func (w *WSClient) SubscribeExecNotice(trID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execNoticeTR = trID
	if !w.connected || w.conn == nil {
		return nil // sent by replay once connected
	}
	return w.sendCommandLocked(w.htsID, trID, cmdSubNotice)
}

// SubscribeAskBid subscribes a ticker to the top-of-book stream.
func (w *WSClient) SubscribeAskBid(ticker string) error {
	return w.command(ticker, TROrderbook, cmdSubOrderbook, w.askbidSubs, true)
}

// UnsubscribeAskBid removes a ticker from the top-of-book stream.
func (w *WSClient) UnsubscribeAskBid(ticker string) error {
	return w.command(ticker, TROrderbook, cmdUnsubOrderbook, w.askbidSubs, false)
}

func (w *WSClient) command(ticker, trID, cmd string, set map[string]struct{}, subscribe bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, have := set[ticker]
	if subscribe == have {
		return nil // idempotent
	}
	if !w.connected || w.conn == nil {
		return ErrNotConnected
	}
	if err := w.sendCommandLocked(ticker, trID, cmd); err != nil {
		return err
	}
	if subscribe {
		set[ticker] = struct{}{}
	} else {
		delete(set, ticker)
	}
	return nil
}

func (w *WSClient) sendCommandLocked(ticker, trID, cmd string) error {
	frame := map[string]any{
		"header": map[string]string{
			"approval_key": w.approvalKey,
			"custtype":     w.custType,
			"tr_type":      cmd,
			"content-type": "utf-8",
		},
		"body": map[string]any{
			"input": map[string]string{
				"tr_id":  trID,
				"tr_key": ticker,
			},
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal ws command: %w", err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: ws command: %v", ErrTransport, err)
	}
	return nil
}

// replaySubscriptions re-issues both subscription sets after reconnect.
// Tickers whose re-subscribe fails are removed from the in-memory set so
// the subscription manager can re-enqueue them later.
func (w *WSClient) replaySubscriptions() {
	w.mu.Lock()
	defer w.mu.Unlock()

	replay := func(set map[string]struct{}, trID, cmd string) {
		for ticker := range set {
			if err := w.sendCommandLocked(ticker, trID, cmd); err != nil {
				w.logger.Warn("re-subscribe failed, dropping",
					"ticker", ticker, "tr_id", trID, "error", err)
				delete(set, ticker)
			}
		}
	}
	replay(w.tickSubs, TRTick, cmdSubTick)
	replay(w.askbidSubs, TROrderbook, cmdSubOrderbook)

	// The execution-notice registration is kept through failures and
	// retried on the next reconnect.
	if w.execNoticeTR != "" {
		if err := w.sendCommandLocked(w.htsID, w.execNoticeTR, cmdSubNotice); err != nil {
			w.logger.Warn("execution-notice re-register failed",
				"tr_id", w.execNoticeTR, "error", err)
		}
	}
}
