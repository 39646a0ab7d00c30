package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer accepts websocket connections and records every command
// frame it receives; it can push data frames to the newest connection.
type wsTestServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []map[string]any
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{t: t}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(msg, &frame) == nil {
				ws.mu.Lock()
				ws.commands = append(ws.commands, frame)
				ws.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) push(t *testing.T, raw string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ws.mu.Lock()
		n := len(ws.conns)
		var conn *websocket.Conn
		if n > 0 {
			conn = ws.conns[n-1]
		}
		ws.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err == nil {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no websocket connection to push to")
}

func (ws *wsTestServer) commandCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.commands)
}

func (ws *wsTestServer) lastCommand() map[string]any {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.commands) == 0 {
		return nil
	}
	return ws.commands[len(ws.commands)-1]
}

func (ws *wsTestServer) dropConnections() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.Close()
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	t.Parallel()
	c := NewWSClient("ws://127.0.0.1:1/ws", "key", "P", "tester", testLogger())
	if err := c.SubscribeTick("005930"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribeIdempotentAndCommandShape(t *testing.T) {
	t.Parallel()
	srv := newWSTestServer(t)
	c := NewWSClient(srv.url(), "appr-key", "P", "tester", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, false)
	waitFor(t, c.Connected, "client never connected")

	if err := c.SubscribeTick("005930"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return srv.commandCount() == 1 }, "subscribe command not received")

	cmd := srv.lastCommand()
	header := cmd["header"].(map[string]any)
	if header["approval_key"] != "appr-key" {
		t.Errorf("approval_key = %v", header["approval_key"])
	}
	if header["tr_type"] != "3" {
		t.Errorf("tick subscribe tr_type = %v, want 3", header["tr_type"])
	}
	input := cmd["body"].(map[string]any)["input"].(map[string]any)
	if input["tr_id"] != TRTick || input["tr_key"] != "005930" {
		t.Errorf("input = %v", input)
	}

	// Second subscribe is a no-op.
	if err := c.SubscribeTick("005930"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if srv.commandCount() != 1 {
		t.Errorf("idempotent subscribe sent %d commands, want 1", srv.commandCount())
	}

	if err := c.SubscribeAskBid("005930"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return srv.commandCount() == 2 }, "orderbook command not received")
	if got := srv.lastCommand()["header"].(map[string]any)["tr_type"]; got != "1" {
		t.Errorf("orderbook subscribe tr_type = %v, want 1", got)
	}
}

func TestFrameDeliveryWithPanicIsolation(t *testing.T) {
	t.Parallel()
	srv := newWSTestServer(t)
	c := NewWSClient(srv.url(), "key", "P", "tester", testLogger())

	var mu sync.Mutex
	var got []string
	c.OnFrame(func(raw string) { panic("handler bug") })
	c.OnFrame(func(raw string) {
		mu.Lock()
		got = append(got, raw)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, false)
	waitFor(t, c.Connected, "client never connected")

	frame := "0|H0STCNT0|001|005930^093000^71500"
	srv.push(t, frame)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "frame not delivered past panicking handler")
	mu.Lock()
	if got[0] != frame {
		t.Errorf("delivered frame = %q", got[0])
	}
	mu.Unlock()
}

func TestExecNoticeRegistrationUsesHtsID(t *testing.T) {
	t.Parallel()
	srv := newWSTestServer(t)
	c := NewWSClient(srv.url(), "key", "P", "hts-user", testLogger())

	// Requested before the connection exists: remembered, not an error.
	if err := c.SubscribeExecNotice(TRExecNoticePaper); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, false)
	waitFor(t, func() bool { return srv.commandCount() == 1 }, "registration not sent on connect")

	cmd := srv.lastCommand()
	if got := cmd["header"].(map[string]any)["tr_type"]; got != "1" {
		t.Errorf("exec-notice tr_type = %v, want 1", got)
	}
	input := cmd["body"].(map[string]any)["input"].(map[string]any)
	if input["tr_id"] != TRExecNoticePaper {
		t.Errorf("tr_id = %v, want %v", input["tr_id"], TRExecNoticePaper)
	}
	if input["tr_key"] != "hts-user" {
		t.Errorf("tr_key = %v, want the HTS user id", input["tr_key"])
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	t.Parallel()
	srv := newWSTestServer(t)
	c := NewWSClient(srv.url(), "key", "P", "tester", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, true)
	waitFor(t, c.Connected, "client never connected")

	if err := c.SubscribeTick("005930"); err != nil {
		t.Fatal(err)
	}
	if err := c.SubscribeAskBid("000660"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return srv.commandCount() == 2 }, "initial commands not received")

	srv.dropConnections()

	// After the backoff reconnect, both sets must be replayed.
	waitFor(t, func() bool { return srv.commandCount() >= 4 }, "subscriptions not replayed")
	if _, ok := c.TickSubscriptions()["005930"]; !ok {
		t.Error("tick subscription lost across reconnect")
	}
	if _, ok := c.AskBidSubscriptions()["000660"]; !ok {
		t.Error("orderbook subscription lost across reconnect")
	}
}
