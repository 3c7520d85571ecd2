package config

import (
	"errors"
	"fmt"
	"strings"
)

var validAuthModes = []string{"none", "header", "query", "message"}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Connection.URL == "" {
		return errors.New("connection.url is required")
	}
	if !strings.HasPrefix(c.Connection.URL, "ws://") && !strings.HasPrefix(c.Connection.URL, "wss://") {
		return fmt.Errorf("connection.url must be a ws:// or wss:// URL, got %q", c.Connection.URL)
	}

	if !validMode(c.Connection.Auth.Mode) {
		return fmt.Errorf("connection.auth.mode must be one of %v, got %q", validAuthModes, c.Connection.Auth.Mode)
	}
	if c.Connection.Auth.Mode != "none" && c.Connection.Auth.TokenEnv == "" {
		return errors.New("connection.auth.token_env is required when auth is enabled")
	}

	if c.Connection.Reconnect.MaxAttempts < 0 {
		return errors.New("connection.reconnect.max_attempts must be >= 0")
	}
	if f := c.Connection.Reconnect.BackoffFactor; f != 0 && f < 1 {
		return fmt.Errorf("connection.reconnect.backoff_factor must be >= 1, got %v", f)
	}
	if c.Connection.Queue.MaxSize < 0 {
		return errors.New("connection.queue.max_size must be >= 0")
	}

	// Database settings are only needed by the archiver.
	if c.Database.Host != "" {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Archive.BatchSize < 1 {
		return errors.New("archive.batch_size must be >= 1")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func validMode(mode string) bool {
	for _, m := range validAuthModes {
		if mode == m {
			return true
		}
	}
	return false
}
