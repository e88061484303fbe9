package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Realtime.Validate(); err != nil {
		return err
	}

	if c.Archive.Enabled {
		if err := c.Database.Archive.validate("database.archive"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
		if c.Archive.FlushInterval <= 0 {
			return errors.New("archive.flush_interval must be > 0")
		}
		if c.Archive.CompressThreshold != nil && *c.Archive.CompressThreshold < 0 {
			return errors.New("archive.compress_threshold must be >= 0")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

// Validate checks the realtime section.
func (r *RealtimeConfig) Validate() error {
	if r.Endpoint == "" {
		return errors.New("realtime.endpoint is required")
	}
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return fmt.Errorf("realtime.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("realtime.endpoint must use ws or wss, got %q", u.Scheme)
	}
	if r.ReconnectBaseInterval <= 0 {
		return errors.New("realtime.reconnect_base_interval must be > 0")
	}
	if r.ReconnectMultiplier < 1 {
		return fmt.Errorf("realtime.reconnect_multiplier must be >= 1, got %v", r.ReconnectMultiplier)
	}
	if r.ReconnectMaxInterval < r.ReconnectBaseInterval {
		return fmt.Errorf("realtime.reconnect_max_interval (%v) cannot be less than reconnect_base_interval (%v)",
			r.ReconnectMaxInterval, r.ReconnectBaseInterval)
	}
	if r.MaxReconnectAttempts != nil && *r.MaxReconnectAttempts < 0 {
		return errors.New("realtime.max_reconnect_attempts must be >= 0")
	}
	if r.QueueMaxLen != nil && *r.QueueMaxLen < 0 {
		return errors.New("realtime.queue_max_len must be >= 0")
	}
	if r.PingTimeout < r.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%v) cannot be less than ping_interval (%v)",
			r.PingTimeout, r.PingInterval)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
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
