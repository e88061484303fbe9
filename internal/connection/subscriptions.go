package connection

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickgao/statusfeed/internal/model"
)

// subEntry is one recorded descriptor. refs counts the TopicSubscription
// handles sharing it.
type subEntry struct {
	desc model.SubscriptionDescriptor
	refs int
}

// registry holds subscription descriptors in the order they were first
// recorded. Replay walks it in that order.
type registry struct {
	order []*subEntry
	byKey map[string]*subEntry
}

func newRegistry() *registry {
	return &registry{byKey: make(map[string]*subEntry)}
}

// acquire records desc or bumps its refcount. added is true when the
// descriptor was not previously recorded.
func (r *registry) acquire(desc model.SubscriptionDescriptor) (e *subEntry, added bool) {
	if e, ok := r.byKey[desc.Key()]; ok {
		e.refs++
		return e, false
	}
	e = &subEntry{desc: desc, refs: 1}
	r.byKey[desc.Key()] = e
	r.order = append(r.order, e)
	return e, true
}

// release drops one reference. removed is true when the descriptor left the
// registry. Entries from before a clear are ignored.
func (r *registry) release(e *subEntry) (removed bool) {
	if r.byKey[e.desc.Key()] != e || e.refs == 0 {
		return false
	}
	e.refs--
	if e.refs > 0 {
		return false
	}
	delete(r.byKey, e.desc.Key())
	for i, other := range r.order {
		if other == e {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) has(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

func (r *registry) descriptors() []model.SubscriptionDescriptor {
	out := make([]model.SubscriptionDescriptor, len(r.order))
	for i, e := range r.order {
		out[i] = e.desc
	}
	return out
}

func (r *registry) len() int {
	return len(r.order)
}

func (r *registry) clear() {
	for _, e := range r.order {
		e.refs = 0
	}
	r.order = nil
	r.byKey = make(map[string]*subEntry)
}

// TopicSubscription is the caller's handle on a recorded subscription.
type TopicSubscription struct {
	m        *Manager
	entry    *subEntry
	released bool // guarded by m.mu
}

// Descriptor returns the topic this handle refers to.
func (s *TopicSubscription) Descriptor() model.SubscriptionDescriptor {
	return s.entry.desc
}

// Unsubscribe releases the handle. When the last handle for a topic is
// released the descriptor is forgotten, so later reconnects stop replaying
// it, and any still-queued subscribe message for it is discarded. Safe to
// call more than once.
func (s *TopicSubscription) Unsubscribe() {
	if s == nil || s.m == nil {
		return
	}
	s.m.unsubscribe(s)
}

// SubscribeGeneration subscribes to progress for one generation job.
func (m *Manager) SubscribeGeneration(jobID string) (*TopicSubscription, error) {
	return m.Subscribe(model.SubscriptionDescriptor{Kind: model.TopicGeneration, ID: jobID})
}

// SubscribeDocument subscribes to processing updates for one document.
func (m *Manager) SubscribeDocument(documentID string) (*TopicSubscription, error) {
	return m.Subscribe(model.SubscriptionDescriptor{Kind: model.TopicDocument, ID: documentID})
}

// SubscribeNotifications subscribes to a user's notification stream.
func (m *Manager) SubscribeNotifications(userID string) (*TopicSubscription, error) {
	return m.Subscribe(model.SubscriptionDescriptor{Kind: model.TopicNotifications, ID: userID})
}

// Subscribe records desc and sends its subscribe message. The message goes
// through Send, so it is queued while disconnected. Subscribing to a topic
// that is already recorded only adds a reference.
func (m *Manager) Subscribe(desc model.SubscriptionDescriptor) (*TopicSubscription, error) {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return nil, ErrEmptyIdentifier
	}
	switch desc.Kind {
	case model.TopicGeneration, model.TopicDocument, model.TopicNotifications:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopicKind, desc.Kind)
	}

	data, err := json.Marshal(desc.Message())
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe message: %w", err)
	}

	m.mu.Lock()
	entry, added := m.subs.acquire(desc)
	if added {
		m.sendLocked(outbound{data: data, subKey: desc.Key()})
	}
	m.mu.Unlock()

	if added {
		m.logger.Debug("subscription recorded", "topic", desc.Key())
	}

	return &TopicSubscription{m: m, entry: entry}, nil
}

// Subscriptions returns the recorded descriptors in replay order.
func (m *Manager) Subscriptions() []model.SubscriptionDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.descriptors()
}

func (m *Manager) unsubscribe(s *TopicSubscription) {
	m.mu.Lock()
	if s.released {
		m.mu.Unlock()
		return
	}
	s.released = true
	removed := m.subs.release(s.entry)
	purged := 0
	if removed {
		key := s.entry.desc.Key()
		purged = m.queue.RemoveFunc(func(o outbound) bool { return o.subKey == key })
	}
	m.mu.Unlock()

	if removed {
		m.logger.Debug("subscription released",
			"topic", s.entry.desc.Key(),
			"purged_queued", purged,
		)
	}
}
