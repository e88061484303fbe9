package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Database      DatabaseConfig      `yaml:"database"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Health        HealthConfig        `yaml:"health"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// RealtimeConfig holds the status endpoint and connection manager settings.
type RealtimeConfig struct {
	Endpoint              string        `yaml:"endpoint"`
	Token                 string        `yaml:"token"` // sent as a Bearer header
	ReconnectBaseInterval time.Duration `yaml:"reconnect_base_interval"`
	ReconnectMultiplier   float64       `yaml:"reconnect_multiplier"`
	ReconnectMaxInterval  time.Duration `yaml:"reconnect_max_interval"`
	MaxReconnectAttempts  *int          `yaml:"max_reconnect_attempts"` // nil = default; 0 disables retries
	QueueMaxLen           *int          `yaml:"queue_max_len"` // nil = default; 0 = unbounded
	PingInterval          time.Duration `yaml:"ping_interval"`
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	ReadBuffer            int           `yaml:"read_buffer"`
}

// SubscriptionsConfig lists topics the relay subscribes to at startup.
type SubscriptionsConfig struct {
	GenerationJobs    []string `yaml:"generation_jobs"`
	Documents         []string `yaml:"documents"`
	NotificationUsers []string `yaml:"notification_users"`
}

// Count returns the total number of configured topics.
func (s SubscriptionsConfig) Count() int {
	return len(s.GenerationJobs) + len(s.Documents) + len(s.NotificationUsers)
}

// DatabaseConfig holds the event archive database.
type DatabaseConfig struct {
	Archive DBConfig `yaml:"archive"`
}

// DBConfig holds a single database connection.
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

// ArchiveConfig holds event archive writer settings.
type ArchiveConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	BufferSize        int           `yaml:"buffer_size"`
	CompressThreshold *int          `yaml:"compress_threshold"` // bytes; nil = default; 0 disables compression
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
