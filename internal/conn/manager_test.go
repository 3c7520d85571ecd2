package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sockline/sockline/internal/pending"
	"github.com/sockline/sockline/internal/queue"
	"github.com/sockline/sockline/internal/subs"
	"github.com/sockline/sockline/internal/wire"
)

// mockServer creates a test WebSocket server.
func mockServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// keepOpen reads and discards frames until the peer goes away.
func keepOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// echoResponder answers pings with pongs and every other envelope
// carrying an id with a success response.
func echoResponder(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		var reply *wire.Envelope
		switch {
		case env.Type == wire.TypePing:
			reply = &wire.Envelope{Type: wire.TypePong, RequestID: env.ID}
		case env.ID != "":
			ok := true
			reply = &wire.Envelope{Type: "response", RequestID: env.ID, Success: &ok}
		}

		if reply != nil {
			out, _ := json.Marshal(reply)
			if conn.WriteMessage(websocket.TextMessage, out) != nil {
				return
			}
		}
	}
}

// quietConfig disables all recovery features so tests opt in to the
// behavior under test.
func quietConfig(url string) Config {
	return Config{URL: url}
}

func connect(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	server := mockServer(t, keepOpen)
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)

	states := make(chan State, 16)
	m.OnStateChange(func(s State) { states <- s })

	connect(t, m)
	if !m.IsConnected() {
		t.Error("expected IsConnected after Connect")
	}

	if err := m.Disconnect(websocket.CloseNormalClosure, "done"); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if m.IsConnected() {
		t.Error("still connected after Disconnect")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want %v", m.State(), StateDisconnected)
	}

	want := []State{StateConnecting, StateConnected, StateDisconnected}
	for i, w := range want {
		select {
		case got := <-states:
			if got != w {
				t.Errorf("state[%d] = %v, want %v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("state[%d] never emitted", i)
		}
	}
}

func TestManager_ConnectTwice(t *testing.T) {
	server := mockServer(t, keepOpen)
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	if err := m.Connect(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestManager_SendReceivesResponse(t *testing.T) {
	server := mockServer(t, echoResponder)
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	env, _ := wire.New("order.create", map[string]int{"qty": 3})
	resp, err := m.Send(context.Background(), env, SendOptions{
		ExpectResponse: true,
		Timeout:        2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if resp.RequestID != env.ID {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, env.ID)
	}
	if resp.Success == nil || !*resp.Success {
		t.Error("expected a success response")
	}
	if m.Stats().PendingRequests != 0 {
		t.Errorf("PendingRequests = %d, want 0", m.Stats().PendingRequests)
	}
}

func TestManager_SendResponseTimeout(t *testing.T) {
	server := mockServer(t, keepOpen) // never answers
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	env, _ := wire.New("order.create", nil)
	start := time.Now()
	_, err := m.Send(context.Background(), env, SendOptions{
		ExpectResponse: true,
		Timeout:        100 * time.Millisecond,
	})

	if err != pending.ErrResponseTimeout {
		t.Fatalf("Send error = %v, want ErrResponseTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, before the configured timeout", elapsed)
	}
	if m.Stats().PendingRequests != 0 {
		t.Errorf("PendingRequests = %d, want 0 after timeout", m.Stats().PendingRequests)
	}
}

func TestManager_SendWhileDownNoQueue(t *testing.T) {
	m := NewManager(quietConfig("ws://127.0.0.1:1/ws"), nil, nil)

	env, _ := wire.New("order.create", nil)
	if _, err := m.Send(context.Background(), env, SendOptions{}); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestManager_QueueFlushOrder(t *testing.T) {
	var mu sync.Mutex
	var received []string

	server := mockServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env wire.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == "job" {
				mu.Lock()
				received = append(received, env.ID)
				mu.Unlock()
			}
		}
	})
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.Queue = QueueConfig{Enabled: true, MaxSize: 2, FlushOnReconnect: true}

	m := NewManager(cfg, nil, nil)

	// Capacity 2: A and B queue, C is a hard failure.
	sendJob := func(id string) error {
		_, err := m.Send(context.Background(), &wire.Envelope{ID: id, Type: "job"}, SendOptions{})
		return err
	}
	if err := sendJob("a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := sendJob("b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := sendJob("c"); err != queue.ErrQueueFull {
		t.Fatalf("enqueue c = %v, want ErrQueueFull", err)
	}
	if m.Stats().QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", m.Stats().QueueDepth)
	}

	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "a" || received[1] != "b" {
		t.Errorf("received = %v, want [a b]", received)
	}
	if m.Stats().QueueDepth != 0 {
		t.Errorf("QueueDepth = %d, want 0 after flush", m.Stats().QueueDepth)
	}
}

func TestManager_DisconnectRejectsPending(t *testing.T) {
	server := mockServer(t, keepOpen)
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)
	connect(t, m)

	errCh := make(chan error, 1)
	env, _ := wire.New("order.create", nil)
	go func() {
		_, err := m.Send(context.Background(), env, SendOptions{
			ExpectResponse: true,
			Timeout:        time.Minute,
		})
		errCh <- err
	}()

	// Wait for the request to register before tearing down.
	deadline := time.Now().Add(time.Second)
	for m.Stats().PendingRequests == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m.Disconnect(websocket.CloseNormalClosure, "teardown")

	select {
	case err := <-errCh:
		if err != pending.ErrConnectionClosed {
			t.Errorf("Send error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never settled after Disconnect")
	}

	if n := m.Stats().PendingRequests; n != 0 {
		t.Errorf("PendingRequests = %d, want 0", n)
	}
}

func TestManager_ReconnectAfterAbnormalClose(t *testing.T) {
	var mu sync.Mutex
	accepts := 0

	server := mockServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		accepts++
		first := accepts == 1
		mu.Unlock()

		if first {
			// Kill the first connection without a close frame.
			conn.Close()
			return
		}
		keepOpen(conn)
	})
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.Reconnect = ReconnectConfig{
		Enabled:       true,
		MaxAttempts:   5,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2,
	}

	m := NewManager(cfg, nil, nil)

	states := make(chan State, 32)
	m.OnStateChange(func(s State) { states <- s })

	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	sawReconnecting := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateReconnecting {
				sawReconnecting = true
			}
			if s == StateConnected && sawReconnecting {
				if m.Stats().TotalReconnects != 1 {
					t.Errorf("TotalReconnects = %d, want 1", m.Stats().TotalReconnects)
				}
				return
			}
		case <-deadline:
			t.Fatal("never reconnected after abnormal close")
		}
	}
}

func TestManager_MaxAttemptsTerminalError(t *testing.T) {
	// A server that exists only long enough to learn its port.
	server := mockServer(t, keepOpen)
	url := wsURL(server)
	server.Close()

	cfg := quietConfig(url)
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.Reconnect = ReconnectConfig{
		Enabled:       true,
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 1.5,
	}

	m := NewManager(cfg, nil, nil)

	states := make(chan State, 32)
	m.OnStateChange(func(s State) { states <- s })

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect to a dead server should fail")
	}

	// The initial failure also passes through the error state; the
	// terminal one is reached once the attempt ceiling is spent.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s != StateError || m.Stats().ReconnectAttempts < 3 {
				continue
			}
			if got := m.Stats().ReconnectAttempts; got != 3 {
				t.Errorf("ReconnectAttempts = %d, want 3", got)
			}
			// No further automatic attempts.
			time.Sleep(100 * time.Millisecond)
			if m.State() != StateError {
				t.Errorf("State = %v, want %v to be terminal", m.State(), StateError)
			}
			return
		case <-deadline:
			t.Fatalf("terminal error state never reached (attempts=%d)", m.Stats().ReconnectAttempts)
		}
	}
}

func TestManager_HeartbeatKeepsConnectionAlive(t *testing.T) {
	server := mockServer(t, echoResponder)
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{
		Enabled:  true,
		Interval: 30 * time.Millisecond,
		Timeout:  200 * time.Millisecond,
	}

	m := NewManager(cfg, nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	// Survive several heartbeat cycles.
	time.Sleep(200 * time.Millisecond)

	if !m.IsConnected() {
		t.Error("connection died despite pongs")
	}
	if m.Stats().LastLatency <= 0 {
		t.Error("expected a measured heartbeat latency")
	}
}

func TestManager_HeartbeatTimeoutForcesClose(t *testing.T) {
	server := mockServer(t, keepOpen) // swallows pings, never pongs
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{
		Enabled:  true,
		Interval: 20 * time.Millisecond,
		Timeout:  40 * time.Millisecond,
	}

	m := NewManager(cfg, nil, nil)

	states := make(chan State, 16)
	m.OnStateChange(func(s State) { states <- s })

	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateDisconnected {
				return // reconnect disabled: dead heartbeat ends the connection
			}
		case <-deadline:
			t.Fatal("heartbeat timeout never closed the connection")
		}
	}
}

func TestManager_SubscriptionRouting(t *testing.T) {
	frames := make(chan []byte, 16)
	server := mockServer(t, func(conn *websocket.Conn) {
		for data := range frames {
			if conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	var mu sync.Mutex
	var orders, all []string
	m.Subscribe("orders", func(e *wire.Envelope) {
		mu.Lock()
		orders = append(orders, e.Type)
		mu.Unlock()
	}, nil)
	m.Subscribe(subs.Wildcard, func(e *wire.Envelope) {
		mu.Lock()
		all = append(all, e.Type)
		mu.Unlock()
	}, nil)

	push := func(env wire.Envelope) {
		data, _ := json.Marshal(env)
		frames <- data
	}

	push(wire.Envelope{Type: "order.created", Channel: "orders"})
	push(wire.Envelope{Type: "payment.settled", Channel: "payments"})
	push(wire.Envelope{Type: wire.TypePong})                         // heartbeat, never routed
	push(wire.Envelope{Type: "response", RequestID: "not-pending"})  // correlated shape, no subscriber match by channel
	push(wire.Envelope{Type: "order.deleted", Channel: "orders"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(orders) == 2 && len(all) >= 3
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(orders) != 2 || orders[0] != "order.created" || orders[1] != "order.deleted" {
		t.Errorf("orders = %v, want [order.created order.deleted]", orders)
	}
	for _, typ := range all {
		if typ == wire.TypePong {
			t.Error("wildcard subscriber received a heartbeat envelope")
		}
	}
}

func TestManager_AutoSubscribeAnnounced(t *testing.T) {
	announced := make(chan string, 8)
	server := mockServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env wire.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == wire.TypeSubscribe {
				announced <- env.Channel
			}
		}
	})
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.Channels = ChannelConfig{Enabled: true, AutoSubscribe: []string{"orders", "alerts"}}

	m := NewManager(cfg, nil, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ch := <-announced:
			got[ch] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d subscribe announcements arrived", i)
		}
	}
	if !got["orders"] || !got["alerts"] {
		t.Errorf("announced channels = %v, want orders and alerts", got)
	}
}

// staticTokens is a fixed-token credential provider.
type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context) (string, error) { return s.token, nil }

func TestManager_AuthQueryToken(t *testing.T) {
	gotToken := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		keepOpen(conn)
	}))
	defer server.Close()

	cfg := quietConfig(wsURL(server))
	cfg.AuthMode = AuthQuery

	m := NewManager(cfg, staticTokens{token: "tok-123"}, nil)
	connect(t, m)
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	select {
	case tok := <-gotToken:
		if tok != "tok-123" {
			t.Errorf("token = %q, want %q", tok, "tok-123")
		}
	case <-time.After(time.Second):
		t.Fatal("handshake never reached the server")
	}
}

func TestManager_EventUnsubscribe(t *testing.T) {
	server := mockServer(t, keepOpen)
	defer server.Close()

	m := NewManager(quietConfig(wsURL(server)), nil, nil)

	calls := 0
	unsub := m.OnStateChange(func(State) { calls++ })
	unsub()

	connect(t, m)
	m.Disconnect(websocket.CloseNormalClosure, "")

	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", calls)
	}
}
