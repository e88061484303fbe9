package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/statusfeed/internal/model"
)

// Client represents a single WebSocket handle to the status endpoint.
// A Client is single-use: once its read loop ends it is discarded and the
// manager dials a fresh one.
type Client interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection with a normal close frame.
	Close() error

	// ForceDisconnect drops the socket without a close frame, as a network
	// failure would. The read loop reports an abnormal closure.
	ForceDisconnect() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns a channel of raw inbound frames. It is closed when
	// the read loop ends, after which CloseInfo is valid.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// CloseInfo describes how the handle closed.
	CloseInfo() model.CloseInfo

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	started    bool
	closed     bool
	forced     bool
	stale      bool
	lastPingAt time.Time
	closeInfo  model.CloseInfo
}

// NewClient creates a new WebSocket client. Zero durations fall back to
// DefaultClientConfig values.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 2),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		// Close raced the handshake.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.started = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	close(c.done)

	if !started {
		c.setCloseInfo(model.CloseInfo{Code: CloseNormal, Reason: "client disconnect"})
		close(c.messages)
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// ForceDisconnect drops the underlying socket without a close handshake.
func (c *client) ForceDisconnect() error {
	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.forced = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	return conn.Close()
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// CloseInfo returns the close code and reason once the read loop has ended.
func (c *client) CloseInfo() model.CloseInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeInfo
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *client) setCloseInfo(info model.CloseInfo) {
	c.mu.Lock()
	c.closeInfo = info
	c.mu.Unlock()
}

// readLoop reads frames until the socket fails or Close is called. Frames are
// never dropped: a full buffer applies backpressure to the socket.
func (c *client) readLoop() {
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			c.finish(err)
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			c.finish(nil)
			return
		}
	}
}

// finish records why the read loop ended and reports unexpected failures.
func (c *client) finish(err error) {
	c.mu.Lock()
	c.connected = false
	closed, forced, stale := c.closed, c.forced, c.stale
	c.mu.Unlock()

	var info model.CloseInfo
	var ce *websocket.CloseError
	switch {
	case closed:
		info = model.CloseInfo{Code: CloseNormal, Reason: "client disconnect"}
	case forced:
		info = model.CloseInfo{Code: CloseAbnormal, Reason: ErrForcedDisconnect.Error()}
		err = ErrForcedDisconnect
	case stale:
		info = model.CloseInfo{Code: CloseAbnormal, Reason: ErrStaleConnection.Error()}
		err = nil // already reported by the heartbeat
	case errors.As(err, &ce):
		info = model.CloseInfo{Code: ce.Code, Reason: ce.Text}
	default:
		info = model.CloseInfo{Code: CloseAbnormal, Reason: err.Error()}
	}
	c.setCloseInfo(info)

	if closed || err == nil {
		return
	}
	if ce != nil && ce.Code == websocket.CloseNormalClosure {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

// heartbeatLoop pings the server and monitors for stale connections.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			connected := c.connected
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if !connected {
				return
			}

			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.mu.Lock()
				c.stale = true
				c.mu.Unlock()
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				conn.Close()
				return
			}
		}
	}
}
