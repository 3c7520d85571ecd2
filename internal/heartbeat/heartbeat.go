// Package heartbeat probes connection liveness with ping/pong
// envelopes and measures round-trip latency.
package heartbeat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sockline/sockline/internal/wire"
)

// Errors
var (
	ErrHeartbeatTimeout = errors.New("heartbeat timeout: no pong received")
)

// Monitor periodically sends a ping envelope and arms a timeout. A
// pong arriving in time clears the timer and records latency; a
// timeout signals connection death through the onDead callback.
//
// The monitor is dormant until Start and must be re-armed after each
// successful connect.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	send     func(env *wire.Envelope) error
	onDead   func(err error)
	logger   *slog.Logger

	mu          sync.Mutex
	running     bool
	done        chan struct{}
	pingID      string
	pingSentAt  time.Time
	deadTimer   *time.Timer
	lastLatency time.Duration
}

// NewMonitor creates a dormant monitor. send transmits the ping
// envelope on the active connection; onDead is invoked at most once
// per armed ping when no pong arrives within timeout.
func NewMonitor(interval, timeout time.Duration, send func(*wire.Envelope) error, onDead func(error), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		send:     send,
		onDead:   onDead,
		logger:   logger,
	}
}

// Start arms the monitor. No-op if already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(done)
}

// Stop disarms the monitor and cancels any pending timeout. Safe to
// call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.done)

	if m.deadTimer != nil {
		m.deadTimer.Stop()
		m.deadTimer = nil
	}
	m.pingID = ""
}

// Pong handles a pong envelope. Clears the pending timeout and
// records round-trip latency when it answers the outstanding ping.
func (m *Monitor) Pong(env *wire.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pingID == "" {
		return
	}
	if env.RequestID != "" && env.RequestID != m.pingID {
		return
	}

	if m.deadTimer != nil {
		m.deadTimer.Stop()
		m.deadTimer = nil
	}
	m.lastLatency = time.Since(m.pingSentAt)
	m.pingID = ""

	m.logger.Debug("pong received", "latency", m.lastLatency)
}

// Latency returns the last measured round-trip time, zero if none yet.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLatency
}

func (m *Monitor) loop(done chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.ping()
		}
	}
}

func (m *Monitor) ping() {
	env := &wire.Envelope{
		ID:        uuid.NewString(),
		Type:      wire.TypePing,
		Timestamp: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.pingID = env.ID
	m.pingSentAt = time.Now()

	id := env.ID
	m.deadTimer = time.AfterFunc(m.timeout, func() {
		m.expire(id)
	})
	m.mu.Unlock()

	if err := m.send(env); err != nil {
		m.logger.Debug("failed to send ping", "error", err)
	}
}

func (m *Monitor) expire(pingID string) {
	m.mu.Lock()
	// A pong or Stop may have raced the timer.
	if !m.running || m.pingID != pingID {
		m.mu.Unlock()
		return
	}
	m.pingID = ""
	m.deadTimer = nil
	m.mu.Unlock()

	m.logger.Warn("heartbeat timeout", "timeout", m.timeout)
	m.onDead(ErrHeartbeatTimeout)
}
