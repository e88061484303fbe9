package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrNoEndpoint       = errors.New("no endpoint configured")
	ErrEmptyIdentifier  = errors.New("subscription identifier is empty")
	ErrForcedDisconnect = errors.New("forced disconnect")
	ErrUnknownTopicKind = errors.New("unknown topic kind")
)

// WebSocket close codes used locally.
const (
	CloseNormal   = 1000 // clean, caller-initiated
	CloseAbnormal = 1006 // no close frame (dial failure, network drop, stale)
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://app.example.com/ws/status/)
	Token            string        // Sent as a Bearer Authorization header when non-empty
	HandshakeTimeout time.Duration // Dial + upgrade timeout
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Endpoint    string          // Default endpoint for Connect()
	Token       string          // Bearer token passed to every client
	Reconnect   ReconnectPolicy // Backoff and attempt cap
	QueueMaxLen int             // Outbound queue bound; 0 = unbounded
	Client      ClientConfig    // Per-handle transport settings (URL is filled by the manager)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Reconnect:   DefaultReconnectPolicy(),
		QueueMaxLen: 1000,
		Client:      DefaultClientConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         State `json:"state"`
	Attempt       int   `json:"attempt"`
	Subscriptions int   `json:"subscriptions"`
	Queued        int   `json:"queued"`
	Dropped       int64 `json:"dropped"`
	Sent          int64 `json:"sent"`
	Received      int64 `json:"received"`
	ParseErrors   int64 `json:"parse_errors"`
	Reconnects    int64 `json:"reconnects"`
	Replayed      int64 `json:"replayed"` // subscribe frames resent on reconnect; first open excluded
}
