package conn

import (
	"context"
	"errors"
	"time"

	"github.com/sockline/sockline/internal/wire"
)

// Errors
var (
	ErrHandshakeTimeout     = errors.New("handshake did not complete in time")
	ErrNotConnected         = errors.New("not connected")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	ErrAlreadyConnected     = errors.New("already connected")
)

// State is the connection state. Exactly one state holds at any
// instant; transitions are driven only by the Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// AuthMode selects how the token from the TokenProvider reaches the
// server during the handshake.
type AuthMode string

const (
	AuthNone    AuthMode = "none"    // Anonymous connection
	AuthHeader  AuthMode = "header"  // Bearer token in a request header
	AuthQuery   AuthMode = "query"   // Token as a URL query parameter
	AuthMessage AuthMode = "message" // Auth envelope sent after the socket opens
)

// TokenProvider supplies credentials for the handshake. A nil
// provider or an empty token means an anonymous connection.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Defaults for optional configuration fields.
const (
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultWriteTimeout          = 5 * time.Second
	DefaultBufferSize            = 256
	DefaultSendTimeout           = 30 * time.Second
	DefaultReconnectMaxAttempts  = 10
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultBackoffFactor         = 1.5
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHeartbeatTimeout      = 10 * time.Second
	DefaultQueueMaxSize          = 100
)

// ReconnectConfig controls automatic reconnection after abnormal
// closure.
type ReconnectConfig struct {
	Enabled       bool
	MaxAttempts   int           // Consecutive failures before terminal error
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Ceiling for backoff delays
	BackoffFactor float64
	Jitter        bool
}

// HeartbeatConfig controls the ping/pong liveness probe.
type HeartbeatConfig struct {
	Enabled  bool
	Interval time.Duration // Time between pings
	Timeout  time.Duration // Max wait for the matching pong
}

// QueueConfig controls buffering of outbound envelopes while
// disconnected.
type QueueConfig struct {
	Enabled          bool
	MaxSize          int
	FlushOnReconnect bool
}

// ChannelConfig controls server-side channel announcements.
type ChannelConfig struct {
	Enabled       bool
	AutoSubscribe []string // Channels announced on every successful connect
}

// Config configures a Manager. Zero-valued optional fields are filled
// with defaults; URL is required.
type Config struct {
	URL          string
	Subprotocols []string

	AuthMode AuthMode
	TokenKey string // Header name, query parameter, or auth message field

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int // Inbound frame channel buffer

	Codec wire.Codec // nil means wire.JSONCodec

	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
	Queue     QueueConfig
	Channels  ChannelConfig
}

// DefaultConfig returns a config with every recovery feature enabled
// at its default setting.
func DefaultConfig(url string) Config {
	return Config{
		URL:      url,
		AuthMode: AuthNone,
		Reconnect: ReconnectConfig{
			Enabled:       true,
			MaxAttempts:   DefaultReconnectMaxAttempts,
			InitialDelay:  DefaultReconnectInitialDelay,
			MaxDelay:      DefaultReconnectMaxDelay,
			BackoffFactor: DefaultBackoffFactor,
			Jitter:        true,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: DefaultHeartbeatInterval,
			Timeout:  DefaultHeartbeatTimeout,
		},
		Queue: QueueConfig{
			Enabled:          true,
			MaxSize:          DefaultQueueMaxSize,
			FlushOnReconnect: true,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.AuthMode == "" {
		c.AuthMode = AuthNone
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Codec == nil {
		c.Codec = wire.JSONCodec{}
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = DefaultReconnectInitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.BackoffFactor == 0 {
		c.Reconnect.BackoffFactor = DefaultBackoffFactor
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = DefaultQueueMaxSize
	}
}

// SendOptions controls one Send call.
type SendOptions struct {
	Timeout        time.Duration // Response wait per attempt; DefaultSendTimeout when zero
	ExpectResponse bool          // Wait for a correlated reply
	Retries        int           // Extra attempts after a response timeout
}

// Stats is a point-in-time snapshot of connection counters. Counters
// are monotonic within a connection epoch.
type Stats struct {
	State             State
	MessagesSent      uint64
	MessagesReceived  uint64
	ReconnectAttempts uint64
	TotalReconnects   uint64
	QueueDepth        int
	PendingRequests   int
	LastLatency       time.Duration
}
