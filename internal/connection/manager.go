package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/queue"
)

// Timer is the part of *time.Timer the manager uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// ClientFactory builds a transport handle for one connection epoch.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces the gorilla transport.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		m.newClient = f
	}
}

// WithAfterFunc replaces the reconnect timer.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = f
	}
}

// outbound is one queued frame. subKey is set for subscribe messages so
// they can be purged on unsubscribe and skipped after replay.
type outbound struct {
	data   []byte
	subKey string
}

type lifecycleEvent struct {
	name    string
	payload any
}

// Manager owns the single WebSocket handle and its lifecycle.
//
// Every transition happens under mu. Lifecycle events are collected while
// the lock is held and emitted after it is released, so listeners may call
// back into the manager.
type Manager struct {
	cfg        ManagerConfig
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	sessionID  uuid.UUID

	newClient ClientFactory
	afterFunc AfterFunc

	// epoch increments whenever the current handle is superseded. Callbacks
	// carrying an older epoch are ignored.
	epoch atomic.Uint64

	mu          sync.Mutex
	state       State
	endpoint    string
	client      Client
	dialCancel  context.CancelFunc
	retry       Timer
	policy      ReconnectPolicy
	queue       *queue.Queue[outbound]
	subs        *registry
	writeBroken bool
	opened      bool

	sent        atomic.Int64
	received    atomic.Int64
	parseErrors atomic.Int64
	reconnects  atomic.Int64
	replayed    atomic.Int64
}

// NewManager creates a Connection Manager in the Disconnected state.
func NewManager(cfg ManagerConfig, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(logger)
	}

	sessionID := uuid.New()
	m := &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With("session_id", sessionID),
		sessionID:  sessionID,
		newClient:  NewClient,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		state:    StateDisconnected,
		endpoint: cfg.Endpoint,
		policy:   cfg.Reconnect,
		subs:     newRegistry(),
	}
	m.queue = queue.New[outbound](64, cfg.QueueMaxLen, m.logger)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatcher returns the dispatcher lifecycle and inbound events go to.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// SessionID identifies this manager in logs.
func (m *Manager) SessionID() uuid.UUID {
	return m.sessionID
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the endpoint used by the next dial.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Connect starts connecting to endpoint, or to the last used endpoint when
// none is given. It returns immediately; the outcome is reported through the
// connected, error and disconnected events. Connect is a no-op while
// Connecting or Connected. Calling it while Reconnecting dials immediately
// instead of waiting for the backoff timer.
func (m *Manager) Connect(endpoint ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(endpoint) > 0 && endpoint[0] != "" {
		m.endpoint = endpoint[0]
	}
	if m.state == StateConnecting || m.state == StateConnected {
		return nil
	}
	if m.endpoint == "" {
		return ErrNoEndpoint
	}

	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.dialLocked()
	return nil
}

// dialLocked moves to Connecting and dials a fresh handle in the background.
func (m *Manager) dialLocked() {
	epoch := m.epoch.Add(1)
	m.state = StateConnecting

	cfg := m.cfg.Client
	cfg.URL = m.endpoint
	cfg.Token = m.cfg.Token
	c := m.newClient(cfg, m.logger.With("epoch", epoch))
	m.client = c

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	m.logger.Info("connecting",
		"endpoint", m.endpoint,
		"attempt", m.policy.Attempt(),
	)

	go m.dial(ctx, cancel, epoch, c)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, epoch uint64, c Client) {
	err := c.Connect(ctx)
	cancel()

	m.mu.Lock()
	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		c.Close()
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("connect failed", "error", err)
		events := []lifecycleEvent{{model.EventError, err}}
		events = append(events, m.handleCloseLocked(model.CloseInfo{
			Code:   CloseAbnormal,
			Reason: err.Error(),
		})...)
		m.mu.Unlock()
		m.emit(events)
		return
	}

	m.state = StateConnected
	m.policy.Reset()
	m.writeBroken = false
	reopened := m.opened
	if reopened {
		m.reconnects.Add(1)
	}
	m.opened = true
	m.flushLocked(c, reopened)
	m.logger.Info("connected",
		"endpoint", m.endpoint,
		"subscriptions", m.subs.len(),
	)
	m.mu.Unlock()

	m.emit([]lifecycleEvent{{model.EventConnected, nil}})

	go m.pump(epoch, c)
}

// flushLocked replays every recorded subscription, then drains the queue in
// submission order. Descriptor sends count as replays only when reopened.
// Queued subscribe messages whose topic was just replayed are dropped so
// each subscription goes out once per open. A failed write leaves the
// failed frame and everything after it queued.
func (m *Manager) flushLocked(c Client, reopened bool) {
	replayed := 0
	for _, desc := range m.subs.descriptors() {
		data, err := json.Marshal(desc.Message())
		if err != nil {
			m.logger.Error("marshal subscribe message", "topic", desc.Key(), "error", err)
			continue
		}
		if err := c.Send(data); err != nil {
			m.breakWriteLocked(c, err)
			return
		}
		m.sent.Add(1)
		if reopened {
			m.replayed.Add(1)
		}
		replayed++
	}

	flushed := 0
	for {
		item, ok := m.queue.Peek()
		if !ok {
			break
		}
		if item.subKey != "" && m.subs.has(item.subKey) {
			m.queue.Pop()
			continue
		}
		if err := c.Send(item.data); err != nil {
			m.breakWriteLocked(c, err)
			return
		}
		m.queue.Pop()
		m.sent.Add(1)
		flushed++
	}

	if replayed > 0 || flushed > 0 {
		m.logger.Debug("flushed outbound",
			"replayed", replayed,
			"queued", flushed,
		)
	}
}

// breakWriteLocked stops direct writes on the current handle and drops it so
// the close path schedules a fresh connection.
func (m *Manager) breakWriteLocked(c Client, err error) {
	m.logger.Warn("write failed, queueing until next open", "error", err)
	m.writeBroken = true
	c.ForceDisconnect()
}

// pump dispatches inbound frames in wire order until the handle's read loop
// ends, then runs the close path.
func (m *Manager) pump(epoch uint64, c Client) {
	for msg := range c.Messages() {
		m.received.Add(1)

		env, err := dispatch.ParseEnvelope(msg.Data, msg.ReceivedAt)
		if err != nil {
			m.parseErrors.Add(1)
			m.logger.Warn("dropping malformed message",
				"error", err,
				"bytes", len(msg.Data),
			)
			continue
		}
		if m.epoch.Load() != epoch {
			continue
		}
		m.dispatcher.EmitEnvelope(env)
	}

	var events []lifecycleEvent
drain:
	for {
		select {
		case err := <-c.Errors():
			m.logger.Warn("connection error", "error", err)
			events = append(events, lifecycleEvent{model.EventError, err})
		default:
			break drain
		}
	}

	info := c.CloseInfo()
	c.Close()

	m.mu.Lock()
	if m.epoch.Load() != epoch {
		m.mu.Unlock()
		return
	}
	events = append(events, m.handleCloseLocked(info)...)
	m.mu.Unlock()

	m.emit(events)
}

// handleCloseLocked runs the unintentional close path: Disconnected, then
// either a scheduled retry (Reconnecting) or the terminal exhausted event.
func (m *Manager) handleCloseLocked(info model.CloseInfo) []lifecycleEvent {
	m.client = nil
	m.state = StateDisconnected
	events := []lifecycleEvent{{model.EventDisconnected, info}}

	delay, ok := m.policy.Next()
	if !ok {
		m.logger.Warn("giving up reconnecting",
			"attempts", m.policy.Attempt(),
			"code", info.Code,
			"reason", info.Reason,
		)
		return append(events, lifecycleEvent{
			model.EventMaxReconnectAttempts,
			model.ExhaustedInfo{Attempts: m.policy.Attempt()},
		})
	}

	m.state = StateReconnecting
	epoch := m.epoch.Load()
	m.retry = m.afterFunc(delay, func() { m.fireRetry(epoch) })

	m.logger.Info("scheduling reconnect",
		"attempt", m.policy.Attempt(),
		"delay", delay,
		"code", info.Code,
		"reason", info.Reason,
	)
	return events
}

func (m *Manager) fireRetry(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch.Load() != epoch || m.state != StateReconnecting {
		return
	}
	m.retry = nil
	m.dialLocked()
}

// Send transmits msg immediately when Connected, otherwise appends it to the
// outbound queue. []byte and json.RawMessage are sent verbatim; anything
// else is JSON-encoded.
func (m *Manager) Send(msg any) error {
	var data []byte
	switch v := msg.(type) {
	case json.RawMessage:
		data = append([]byte(nil), v...)
	case []byte:
		data = append([]byte(nil), v...)
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal outbound message: %w", err)
		}
		data = b
	}

	m.mu.Lock()
	m.sendLocked(outbound{data: data})
	m.mu.Unlock()
	return nil
}

func (m *Manager) sendLocked(o outbound) {
	if m.state == StateConnected && !m.writeBroken && m.client != nil {
		err := m.client.Send(o.data)
		if err == nil {
			m.sent.Add(1)
			return
		}
		m.breakWriteLocked(m.client, err)
	}
	m.queue.Push(o)
}

// Disconnect closes the connection cleanly and resets the session: the retry
// timer is cancelled, queued messages and subscription descriptors are
// discarded and the attempt counter returns to zero. No reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	prev := m.state
	m.state = StateClosing
	epoch := m.epoch.Add(1)

	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	c := m.client
	m.client = nil

	dropped := m.queue.Len()
	m.queue.Clear()
	m.subs.clear()
	m.policy.Reset()
	m.writeBroken = false
	m.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}

	m.mu.Lock()
	if m.epoch.Load() == epoch {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.logger.Info("disconnected by client",
		"previous_state", prev,
		"discarded_queued", dropped,
	)

	if prev != StateDisconnected {
		m.emit([]lifecycleEvent{{model.EventDisconnected, model.CloseInfo{
			Code:   CloseNormal,
			Reason: "client disconnect",
		}}})
	}

	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	attempt := m.policy.Attempt()
	subs := m.subs.len()
	qs := m.queue.Stats()
	m.mu.Unlock()

	return ManagerStats{
		State:         state,
		Attempt:       attempt,
		Subscriptions: subs,
		Queued:        qs.Count,
		Dropped:       qs.Dropped,
		Sent:          m.sent.Load(),
		Received:      m.received.Load(),
		ParseErrors:   m.parseErrors.Load(),
		Reconnects:    m.reconnects.Load(),
		Replayed:      m.replayed.Load(),
	}
}

func (m *Manager) emit(events []lifecycleEvent) {
	for _, e := range events {
		m.dispatcher.Emit(e.name, e.payload)
	}
}
