package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sockline/sockline/internal/backoff"
	"github.com/sockline/sockline/internal/heartbeat"
	"github.com/sockline/sockline/internal/pending"
	"github.com/sockline/sockline/internal/queue"
	"github.com/sockline/sockline/internal/subs"
	"github.com/sockline/sockline/internal/wire"
)

// Manager owns the socket handle and the connection state, and
// orchestrates the heartbeat monitor, the outbound queue, the pending
// request tracker, and the subscription router. It is the only
// component that touches the raw socket.
type Manager struct {
	cfg    Config
	tokens TokenProvider
	logger *slog.Logger
	codec  wire.Codec
	policy backoff.Policy

	pending *pending.Tracker
	sendQ   *queue.Queue // nil when queuing is disabled
	router  *subs.Router
	hb      *heartbeat.Monitor // nil when heartbeat is disabled
	events  *events

	mu             sync.Mutex
	state          State
	sock           *socket
	attempts       int // consecutive failed connect attempts
	reconnectTimer *time.Timer

	sent              atomic.Uint64
	received          atomic.Uint64
	reconnectAttempts atomic.Uint64
	totalReconnects   atomic.Uint64
}

// NewManager creates a Manager in the disconnected state. tokens may
// be nil for anonymous connections.
func NewManager(cfg Config, tokens TokenProvider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
		codec:  cfg.Codec,
		policy: backoff.Policy{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Factor:       cfg.Reconnect.BackoffFactor,
			Jitter:       cfg.Reconnect.Jitter,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		pending: pending.NewTracker(logger),
		router:  subs.NewRouter(logger),
		events:  newEvents(logger),
		state:   StateDisconnected,
	}

	if cfg.Queue.Enabled {
		m.sendQ = queue.New(cfg.Queue.MaxSize, logger)
	}
	if cfg.Heartbeat.Enabled {
		m.hb = heartbeat.NewMonitor(
			cfg.Heartbeat.Interval,
			cfg.Heartbeat.Timeout,
			m.transmit,
			m.onHeartbeatDead,
			logger,
		)
	}

	return m
}

// Connect opens the socket and completes post-connect setup:
// heartbeat start, queue flush, channel announcements. Returns once
// the connection is usable or the handshake fails.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting:
		m.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	m.cancelReconnectLocked()
	m.attempts = 0
	changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyState(changed, StateConnecting)

	err := m.establish(ctx)
	if err == nil {
		return nil
	}
	if err == pending.ErrConnectionClosed {
		// Disconnect superseded the dial; leave its state alone.
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	changed = m.setStateLocked(StateError)
	scheduleRetry := m.cfg.Reconnect.Enabled
	m.mu.Unlock()
	m.notifyState(changed, StateError)
	m.events.emitError(err)

	if scheduleRetry {
		m.mu.Lock()
		if m.state == StateError {
			changed = m.setStateLocked(StateReconnecting)
			m.scheduleReconnectLocked()
		} else {
			changed = false
		}
		m.mu.Unlock()
		m.notifyState(changed, StateReconnecting)
	}

	return fmt.Errorf("connect: %w", err)
}

// Disconnect closes the socket cleanly, cancels every timer, rejects
// all pending requests, and transitions to disconnected. It never
// triggers reconnection; it is the universal cancellation primitive.
func (m *Manager) Disconnect(code int, reason string) error {
	m.mu.Lock()
	m.cancelReconnectLocked()
	sock := m.sock
	m.sock = nil
	m.attempts = 0
	changed := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if m.hb != nil {
		m.hb.Stop()
	}
	m.pending.RejectAll(pending.ErrConnectionClosed)

	var err error
	if sock != nil {
		err = sock.close(code, reason)
	}

	m.notifyState(changed, StateDisconnected)
	if sock != nil {
		m.events.emitClose(CloseInfo{Code: code, Reason: reason})
	}

	return err
}

// IsConnected is a pure state query.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Send transmits an envelope, or queues it when disconnected and
// queuing is enabled. With ExpectResponse it blocks until the
// correlated reply arrives, the per-attempt timeout elapses
// (pending.ErrResponseTimeout after Retries extra attempts), or ctx
// is done.
//
// A queued send returns nil at enqueue time; delivery happens at the
// next flush. ExpectResponse requires a live connection and fails
// with ErrNotConnected otherwise.
func (m *Manager) Send(ctx context.Context, env *wire.Envelope, opts SendOptions) (*wire.Envelope, error) {
	if env.Type == "" {
		return nil, wire.ErrEmptyType
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	m.mu.Lock()
	sock := m.sock
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || sock == nil {
		if opts.ExpectResponse {
			return nil, ErrNotConnected
		}
		if m.sendQ != nil {
			if err := m.sendQ.Enqueue(env); err != nil {
				return nil, err
			}
			m.logger.Debug("message queued", "id", env.ID, "type", env.Type)
			return nil, nil
		}
		return nil, ErrNotConnected
	}

	if !opts.ExpectResponse {
		return nil, m.transmitOn(sock, env)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultSendTimeout
	}

	attempts := opts.Retries + 1
	for i := 0; i < attempts; i++ {
		resp, err := m.sendAwait(ctx, sock, env, timeout)
		if err == pending.ErrResponseTimeout && i < attempts-1 {
			m.logger.Debug("response timeout, retrying",
				"id", env.ID,
				"attempt", i+1,
			)
			continue
		}
		return resp, err
	}

	return nil, pending.ErrResponseTimeout
}

func (m *Manager) sendAwait(ctx context.Context, sock *socket, env *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	ch, err := m.pending.Await(env.ID, timeout)
	if err != nil {
		return nil, err
	}

	if err := m.transmitOn(sock, env); err != nil {
		m.pending.Reject(env.ID, err)
		<-ch
		return nil, err
	}

	select {
	case out := <-ch:
		return out.Response, out.Err
	case <-ctx.Done():
		m.pending.Reject(env.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Subscribe registers a channel handler and, when channels are
// enabled and the connection is up, announces the interest to the
// server (best-effort; re-sent on every reconnect).
func (m *Manager) Subscribe(channel string, handler subs.Handler, opts *subs.Options) string {
	id := m.router.Subscribe(channel, handler, opts)

	if m.cfg.Channels.Enabled && channel != subs.Wildcard && m.IsConnected() {
		m.announce(wire.TypeSubscribe, channel)
	}

	return id
}

// Unsubscribe removes a subscription. When it was the last one on its
// channel, the server is told we lost interest.
func (m *Manager) Unsubscribe(id string) bool {
	channel, ok := m.router.Unsubscribe(id)
	if !ok {
		return false
	}

	if m.cfg.Channels.Enabled && channel != subs.Wildcard &&
		!m.router.HasChannel(channel) && m.IsConnected() {
		m.announce(wire.TypeUnsubscribe, channel)
	}

	return true
}

// Event registration. Each call returns an unsubscribe func.

func (m *Manager) OnOpen(fn func()) func() { return m.events.onOpen(fn) }

func (m *Manager) OnClose(fn func(CloseInfo)) func() { return m.events.onClose(fn) }

func (m *Manager) OnError(fn func(error)) func() { return m.events.onError(fn) }

func (m *Manager) OnMessage(fn func(*wire.Envelope)) func() { return m.events.onMessage(fn) }

func (m *Manager) OnStateChange(fn func(State)) func() { return m.events.onStateChange(fn) }

// Stats returns a snapshot of connection counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		State:             m.State(),
		MessagesSent:      m.sent.Load(),
		MessagesReceived:  m.received.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		TotalReconnects:   m.totalReconnects.Load(),
		PendingRequests:   m.pending.Len(),
	}
	if m.sendQ != nil {
		s.QueueDepth = m.sendQ.Len()
	}
	if m.hb != nil {
		s.LastLatency = m.hb.Latency()
	}
	return s
}

// establish dials a fresh socket and runs post-connect setup. The
// caller must already hold the Connecting state.
func (m *Manager) establish(ctx context.Context) error {
	target, header, token, err := m.authTarget(ctx)
	if err != nil {
		return err
	}

	sock := newSocket(socketConfig{
		url:              target,
		subprotocols:     m.cfg.Subprotocols,
		header:           header,
		handshakeTimeout: m.cfg.HandshakeTimeout,
		writeTimeout:     m.cfg.WriteTimeout,
		bufferSize:       m.cfg.BufferSize,
	}, m.logger)

	if err := sock.dial(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Disconnect raced the dial; abandon the fresh socket.
		m.mu.Unlock()
		sock.close(websocket.CloseNormalClosure, "superseded")
		return pending.ErrConnectionClosed
	}
	m.sock = sock
	m.attempts = 0
	changed := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	go m.pump(sock)

	if m.hb != nil {
		m.hb.Start()
	}

	if m.cfg.AuthMode == AuthMessage && token != "" {
		m.sendAuthMessage(sock, token)
	}

	m.announceChannels(sock)

	if m.sendQ != nil && m.cfg.Queue.FlushOnReconnect {
		sent, err := m.sendQ.Flush(func(env *wire.Envelope) error {
			return m.transmitOn(sock, env)
		})
		if err != nil {
			m.logger.Warn("queue flush incomplete", "sent", sent, "error", err)
		} else if sent > 0 {
			m.logger.Info("queue flushed", "sent", sent)
		}
	}

	m.notifyState(changed, StateConnected)
	m.events.emitOpen()

	m.logger.Info("connected", "url", m.cfg.URL)

	return nil
}

// authTarget resolves the dial URL and headers for the configured
// auth mode. An absent or empty token degrades to anonymous.
func (m *Manager) authTarget(ctx context.Context) (target string, header http.Header, token string, err error) {
	target = m.cfg.URL
	header = http.Header{}

	if m.tokens == nil || m.cfg.AuthMode == AuthNone {
		return target, header, "", nil
	}

	token, err = m.tokens.Token(ctx)
	if err != nil {
		return "", nil, "", fmt.Errorf("get token: %w", err)
	}
	if token == "" {
		return target, header, "", nil
	}

	switch m.cfg.AuthMode {
	case AuthHeader:
		key := m.cfg.TokenKey
		if key == "" {
			key = "Authorization"
		}
		header.Set(key, "Bearer "+token)

	case AuthQuery:
		key := m.cfg.TokenKey
		if key == "" {
			key = "token"
		}
		u, perr := url.Parse(target)
		if perr != nil {
			return "", nil, "", fmt.Errorf("parse url: %w", perr)
		}
		q := u.Query()
		q.Set(key, token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	return target, header, token, nil
}

func (m *Manager) sendAuthMessage(sock *socket, token string) {
	key := m.cfg.TokenKey
	if key == "" {
		key = "token"
	}

	env, err := wire.New(wire.TypeAuth, map[string]string{key: token})
	if err == nil {
		env.ID = uuid.NewString()
		err = m.transmitOn(sock, env)
	}
	if err != nil {
		m.logger.Warn("failed to send auth message", "error", err)
	}
}

// announceChannels re-sends channel interest after every successful
// connect: the configured auto-subscribe list plus every channel with
// a live subscription.
func (m *Manager) announceChannels(sock *socket) {
	if !m.cfg.Channels.Enabled {
		return
	}

	seen := make(map[string]struct{})
	channels := make([]string, 0, len(m.cfg.Channels.AutoSubscribe))
	for _, ch := range append(m.cfg.Channels.AutoSubscribe, m.router.Channels()...) {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}

	for _, ch := range channels {
		env := &wire.Envelope{
			ID:        uuid.NewString(),
			Type:      wire.TypeSubscribe,
			Channel:   ch,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := m.transmitOn(sock, env); err != nil {
			m.logger.Warn("failed to announce channel", "channel", ch, "error", err)
		}
	}
}

func (m *Manager) announce(msgType, channel string) {
	env := &wire.Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := m.transmit(env); err != nil {
		m.logger.Debug("channel announcement failed",
			"type", msgType,
			"channel", channel,
			"error", err,
		)
	}
}

// transmit encodes and writes an envelope on the current socket.
func (m *Manager) transmit(env *wire.Envelope) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock == nil {
		return ErrNotConnected
	}
	return m.transmitOn(sock, env)
}

func (m *Manager) transmitOn(sock *socket, env *wire.Envelope) error {
	data, err := m.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := sock.send(data); err != nil {
		return err
	}
	m.sent.Add(1)
	return nil
}

// pump routes inbound traffic for one connection epoch.
func (m *Manager) pump(sock *socket) {
	for {
		select {
		case fr, ok := <-sock.frames:
			if !ok {
				return
			}
			m.handleFrame(fr)

		case err := <-sock.errs:
			m.handleSocketError(sock, err)
			return

		case <-sock.done:
			return
		}
	}
}

// handleFrame decodes one frame and routes it: pongs to the heartbeat
// monitor, correlated replies to the pending tracker, everything else
// to the subscription router.
func (m *Manager) handleFrame(fr frame) {
	env, err := m.codec.Decode(fr.data)
	if err != nil {
		m.logger.Warn("undecodable frame", "error", err)
		return
	}
	m.received.Add(1)

	switch {
	case env.Type == wire.TypePong:
		if m.hb != nil {
			m.hb.Pong(env)
		}

	case env.Type == wire.TypePing:
		// Server-initiated probe; answer in kind.
		pong := &wire.Envelope{
			Type:      wire.TypePong,
			RequestID: env.ID,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := m.transmit(pong); err != nil {
			m.logger.Debug("failed to answer ping", "error", err)
		}

	case env.IsResponse() && m.pending.Resolve(env.RequestID, env):

	case env.ID != "" && m.pending.Resolve(env.ID, env):
		// Some servers echo the correlation id in the id field.

	default:
		m.router.Dispatch(env)
	}

	m.events.emitMessage(env)
}

// handleSocketError tears down the epoch after an abnormal closure
// and, when enabled, hands off to the reconnection schedule. Stale
// epochs are ignored, so a heartbeat death and a read error for the
// same socket coalesce into one teardown.
func (m *Manager) handleSocketError(sock *socket, cause error) {
	m.mu.Lock()
	if m.sock != sock {
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.mu.Unlock()

	sock.close(websocket.CloseAbnormalClosure, "")

	if m.hb != nil {
		m.hb.Stop()
	}
	m.pending.RejectAll(pending.ErrConnectionClosed)

	m.logger.Warn("connection lost", "error", cause)
	m.events.emitError(cause)
	m.events.emitClose(closeInfoFromError(cause))

	m.mu.Lock()
	if m.cfg.Reconnect.Enabled {
		changed := m.setStateLocked(StateReconnecting)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notifyState(changed, StateReconnecting)
		return
	}
	changed := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notifyState(changed, StateDisconnected)
}

// onHeartbeatDead force-closes the socket so the dead connection is
// handled through the same teardown path as a read error.
func (m *Manager) onHeartbeatDead(err error) {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	if sock == nil {
		return
	}
	m.handleSocketError(sock, err)
}

// scheduleReconnectLocked arms the retry timer for the next attempt.
// Caller holds m.mu with state Reconnecting.
func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	m.reconnectAttempts.Add(1)
	attempt := m.attempts

	delay := m.policy.Delay(attempt)
	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", m.policy.MaxAttempts,
		"delay", delay,
	)

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.tryReconnect()
	})
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		// Disconnect or an explicit Connect raced the timer.
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	changed := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyState(changed, StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	err := m.establish(ctx)
	cancel()

	if err == nil {
		m.totalReconnects.Add(1)
		m.logger.Info("reconnected")
		return
	}

	m.logger.Warn("reconnect attempt failed", "error", err)
	m.events.emitError(err)

	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.policy.Exhausted(m.attempts) {
		changed = m.setStateLocked(StateError)
		m.mu.Unlock()
		m.notifyState(changed, StateError)
		m.events.emitError(fmt.Errorf("%w after %d attempts", ErrMaxReconnectAttempts, m.policy.MaxAttempts))
		return
	}
	changed = m.setStateLocked(StateReconnecting)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notifyState(changed, StateReconnecting)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// setStateLocked records a transition; caller holds m.mu. Returns
// whether the state actually changed so the emit can happen outside
// the lock.
func (m *Manager) setStateLocked(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) notifyState(changed bool, s State) {
	if !changed {
		return
	}
	m.logger.Debug("state change", "state", s)
	m.events.emitState(s)
}

func closeInfoFromError(err error) CloseInfo {
	if ce, ok := err.(*websocket.CloseError); ok {
		return CloseInfo{Code: ce.Code, Reason: ce.Text}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}
