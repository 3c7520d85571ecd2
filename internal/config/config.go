// Package config loads and validates YAML configuration for the
// sockline commands.
package config

import (
	"time"

	"github.com/sockline/sockline/internal/conn"
)

// Config is the root configuration document.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Connection ConnectionConfig `yaml:"connection"`
	Database   DBConfig         `yaml:"database"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionConfig mirrors the conn package's configuration surface.
type ConnectionConfig struct {
	URL              string        `yaml:"url"`
	Subprotocols     []string      `yaml:"subprotocols"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	Auth      AuthConfig      `yaml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// AuthConfig selects the handshake credential mode. TokenEnv names an
// environment variable holding a static token.
type AuthConfig struct {
	Mode     string `yaml:"mode"` // none, header, query, message
	TokenKey string `yaml:"token_key"`
	TokenEnv string `yaml:"token_env"`
}

// ReconnectConfig mirrors conn.ReconnectConfig. Pointer booleans
// distinguish "absent" (default true) from an explicit false.
type ReconnectConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        *bool         `yaml:"jitter"`
}

// HeartbeatConfig mirrors conn.HeartbeatConfig.
type HeartbeatConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QueueConfig mirrors conn.QueueConfig.
type QueueConfig struct {
	Enabled          *bool `yaml:"enabled"`
	MaxSize          int   `yaml:"max_size"`
	FlushOnReconnect *bool `yaml:"flush_on_reconnect"`
}

// ChannelsConfig mirrors conn.ChannelConfig.
type ChannelsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AutoSubscribe []string `yaml:"auto_subscribe"`
}

// DBConfig holds PostgreSQL connection settings for the archiver.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ArchiveConfig controls the envelope archiver.
type ArchiveConfig struct {
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// ToConn converts the YAML surface into a conn.Config.
func (c ConnectionConfig) ToConn() conn.Config {
	return conn.Config{
		URL:              c.URL,
		Subprotocols:     c.Subprotocols,
		AuthMode:         conn.AuthMode(c.Auth.Mode),
		TokenKey:         c.Auth.TokenKey,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		Reconnect: conn.ReconnectConfig{
			Enabled:       boolOr(c.Reconnect.Enabled, true),
			MaxAttempts:   c.Reconnect.MaxAttempts,
			InitialDelay:  c.Reconnect.InitialDelay,
			MaxDelay:      c.Reconnect.MaxDelay,
			BackoffFactor: c.Reconnect.BackoffFactor,
			Jitter:        boolOr(c.Reconnect.Jitter, true),
		},
		Heartbeat: conn.HeartbeatConfig{
			Enabled:  boolOr(c.Heartbeat.Enabled, true),
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.Timeout,
		},
		Queue: conn.QueueConfig{
			Enabled:          boolOr(c.Queue.Enabled, true),
			MaxSize:          c.Queue.MaxSize,
			FlushOnReconnect: boolOr(c.Queue.FlushOnReconnect, true),
		},
		Channels: conn.ChannelConfig{
			Enabled:       c.Channels.Enabled,
			AutoSubscribe: c.Channels.AutoSubscribe,
		},
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
