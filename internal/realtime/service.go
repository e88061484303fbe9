// Package realtime is the caller-facing entry point to the status feed.
//
// A Service is constructed once at startup and passed to every consumer.
// It bundles the connection manager, the dispatcher and projection
// construction behind one API.
package realtime

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/statusfeed/internal/config"
	"github.com/rickgao/statusfeed/internal/connection"
	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/projection"
)

// Stats combines connection and dispatcher statistics.
type Stats struct {
	SessionID  string                  `json:"session_id"`
	Endpoint   string                  `json:"endpoint"`
	Connection connection.ManagerStats `json:"connection"`
	Dispatcher dispatch.Stats          `json:"dispatcher"`
	GaveUp     bool                    `json:"gave_up"`
}

// Service is the shared realtime client.
type Service struct {
	manager    *connection.Manager
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	gaveUp atomic.Bool
}

// New creates a Service. Nothing is dialled until Connect.
func New(cfg connection.ManagerConfig, logger *slog.Logger, opts ...connection.Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	d := dispatch.New(logger.With("component", "dispatcher"))
	s := &Service{
		dispatcher: d,
		logger:     logger,
		manager:    connection.NewManager(cfg, d, logger.With("component", "connection"), opts...),
	}

	d.OnFunc(model.EventConnected, func(dispatch.Event) { s.gaveUp.Store(false) })
	d.OnFunc(model.EventMaxReconnectAttempts, func(dispatch.Event) { s.gaveUp.Store(true) })

	return s
}

// ManagerConfig converts the realtime config section.
func ManagerConfig(r config.RealtimeConfig) connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.Endpoint = r.Endpoint
	cfg.Token = r.Token
	if r.QueueMaxLen != nil {
		cfg.QueueMaxLen = *r.QueueMaxLen
	}

	if r.ReconnectBaseInterval > 0 {
		cfg.Reconnect.BaseInterval = r.ReconnectBaseInterval
	}
	if r.ReconnectMultiplier > 0 {
		cfg.Reconnect.Multiplier = r.ReconnectMultiplier
	}
	if r.ReconnectMaxInterval > 0 {
		cfg.Reconnect.Cap = r.ReconnectMaxInterval
	}
	if r.MaxReconnectAttempts != nil {
		cfg.Reconnect.MaxAttempts = *r.MaxReconnectAttempts
	}

	// Zero values fall back to connection.DefaultClientConfig.
	cfg.Client.PingInterval = r.PingInterval
	cfg.Client.PingTimeout = r.PingTimeout
	cfg.Client.WriteTimeout = r.WriteTimeout
	if r.ReadBuffer > 0 {
		cfg.Client.BufferSize = r.ReadBuffer
	}
	return cfg
}

// Connect starts connecting. See connection.Manager.Connect.
func (s *Service) Connect(endpoint ...string) error {
	return s.manager.Connect(endpoint...)
}

// Disconnect closes the connection and resets the session.
func (s *Service) Disconnect() error {
	return s.manager.Disconnect()
}

// Send transmits or queues an outbound message.
func (s *Service) Send(msg any) error {
	return s.manager.Send(msg)
}

// On registers a listener. Dispose the returned handle to remove it.
func (s *Service) On(event string, l dispatch.Listener) *dispatch.Handle {
	return s.dispatcher.On(event, l)
}

// OnFunc registers a function listener.
func (s *Service) OnFunc(event string, f func(dispatch.Event)) *dispatch.Handle {
	return s.dispatcher.OnFunc(event, f)
}

// Off removes a listener.
func (s *Service) Off(h *dispatch.Handle) {
	s.dispatcher.Off(h)
}

// SubscribeToGeneration registers interest in a generation job.
func (s *Service) SubscribeToGeneration(jobID string) (*connection.TopicSubscription, error) {
	return s.manager.SubscribeGeneration(jobID)
}

// SubscribeToDocument registers interest in a document.
func (s *Service) SubscribeToDocument(documentID string) (*connection.TopicSubscription, error) {
	return s.manager.SubscribeDocument(documentID)
}

// SubscribeToNotifications registers interest in a user's notifications.
func (s *Service) SubscribeToNotifications(userID string) (*connection.TopicSubscription, error) {
	return s.manager.SubscribeNotifications(userID)
}

// SubscribeConfigured subscribes to every topic listed in subs. On error the
// subscriptions made so far are released.
func (s *Service) SubscribeConfigured(subs config.SubscriptionsConfig) ([]*connection.TopicSubscription, error) {
	out := make([]*connection.TopicSubscription, 0, subs.Count())
	add := func(kind model.TopicKind, ids []string) error {
		for _, id := range ids {
			sub, err := s.manager.Subscribe(model.SubscriptionDescriptor{Kind: kind, ID: id})
			if err != nil {
				return fmt.Errorf("subscribe %s %q: %w", kind, id, err)
			}
			out = append(out, sub)
		}
		return nil
	}

	err := add(model.TopicGeneration, subs.GenerationJobs)
	if err == nil {
		err = add(model.TopicDocument, subs.Documents)
	}
	if err == nil {
		err = add(model.TopicNotifications, subs.NotificationUsers)
	}
	if err != nil {
		for _, sub := range out {
			sub.Unsubscribe()
		}
		return nil, err
	}
	return out, nil
}

// TrackGenerationStatus returns a projection of jobID's progress. The caller
// owns it and must Close it. It only sees events for topics subscribed via
// SubscribeToGeneration.
func (s *Service) TrackGenerationStatus(jobID string) *projection.Generation {
	return projection.TrackGeneration(s.dispatcher, jobID, s.logger)
}

// TrackDocumentStatus returns a projection of documentID's processing state.
func (s *Service) TrackDocumentStatus(documentID string) *projection.Document {
	return projection.TrackDocument(s.dispatcher, documentID, s.logger)
}

// ConnectionState returns the current connection state.
func (s *Service) ConnectionState() connection.State {
	return s.manager.State()
}

// GaveUp reports whether the last reconnect cycle ended in
// max_reconnect_attempts without a successful open since.
func (s *Service) GaveUp() bool {
	return s.gaveUp.Load()
}

// Stats returns current statistics.
func (s *Service) Stats() Stats {
	return Stats{
		SessionID:  s.manager.SessionID().String(),
		Endpoint:   s.manager.Endpoint(),
		Connection: s.manager.Stats(),
		Dispatcher: s.dispatcher.Stats(),
		GaveUp:     s.gaveUp.Load(),
	}
}

// Dispatcher exposes the underlying dispatcher for components such as the
// archive writer.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}
