package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID            = "relay"
	DefaultReconnectBaseInterval = 1 * time.Second
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectMaxInterval  = 30 * time.Second
	DefaultMaxReconnectAttempts  = 5
	DefaultQueueMaxLen           = 1000
	DefaultPingInterval          = 30 * time.Second
	DefaultPingTimeout           = 60 * time.Second
	DefaultWriteTimeout          = 5 * time.Second
	DefaultReadBuffer            = 1000
	DefaultDBPort                = 5432
	DefaultDBSSLMode             = "prefer"
	DefaultMaxConns              = 10
	DefaultMinConns              = 2
	DefaultBatchSize             = 500
	DefaultFlushInterval         = 2 * time.Second
	DefaultBufferSize            = 10000
	DefaultCompressThreshold     = 1024
	DefaultHealthPort            = 8080
)

// ApplyDefaults fills zero-valued optional fields.
func (c *RelayConfig) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Realtime defaults
	c.Realtime.applyDefaults()

	// Database defaults
	applyDBDefaults(&c.Database.Archive)

	// Archive defaults
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultBufferSize
	}
	if c.Archive.CompressThreshold == nil {
		n := DefaultCompressThreshold
		c.Archive.CompressThreshold = &n
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func (r *RealtimeConfig) applyDefaults() {
	if r.ReconnectBaseInterval == 0 {
		r.ReconnectBaseInterval = DefaultReconnectBaseInterval
	}
	if r.ReconnectMultiplier == 0 {
		r.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if r.ReconnectMaxInterval == 0 {
		r.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if r.MaxReconnectAttempts == nil {
		n := DefaultMaxReconnectAttempts
		r.MaxReconnectAttempts = &n
	}
	if r.QueueMaxLen == nil {
		n := DefaultQueueMaxLen
		r.QueueMaxLen = &n
	}
	if r.PingInterval == 0 {
		r.PingInterval = DefaultPingInterval
	}
	if r.PingTimeout == 0 {
		r.PingTimeout = DefaultPingTimeout
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.ReadBuffer == 0 {
		r.ReadBuffer = DefaultReadBuffer
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
