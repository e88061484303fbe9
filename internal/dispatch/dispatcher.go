package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/statusfeed/internal/model"
)

// Event is what a listener receives.
type Event struct {
	Name    string // event name; for wildcard listeners, the envelope type
	Payload any    // model.Envelope for inbound events, see model for lifecycle payloads
}

// Listener receives dispatched events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc is a function adapter for Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) {
	f(e)
}

// Handle identifies one registration. Dispose is safe to call repeatedly.
type Handle struct {
	ID    uuid.UUID
	Event string

	listener Listener
	d        *Dispatcher
	disposed atomic.Bool
}

// Dispose removes the registration from its dispatcher.
func (h *Handle) Dispose() {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return
	}
	h.d.remove(h)
}

// Active reports whether the registration is still live.
func (h *Handle) Active() bool {
	return h != nil && !h.disposed.Load()
}

// Stats contains dispatcher statistics.
type Stats struct {
	Emitted        int64
	Delivered      int64
	ListenerPanics int64
	Listeners      int
}

// Dispatcher routes named events to registered listeners.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]*Handle // copy-on-write; emit iterates a snapshot

	emitted   atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:    logger,
		listeners: make(map[string][]*Handle),
	}
}

// On registers a listener for an event. Use model.EventAll to receive
// every inbound envelope.
func (d *Dispatcher) On(event string, l Listener) *Handle {
	h := &Handle{
		ID:       uuid.New(),
		Event:    event,
		listener: l,
		d:        d,
	}

	d.mu.Lock()
	existing := d.listeners[event]
	next := make([]*Handle, len(existing), len(existing)+1)
	copy(next, existing)
	d.listeners[event] = append(next, h)
	d.mu.Unlock()

	return h
}

// OnFunc registers a function listener.
func (d *Dispatcher) OnFunc(event string, f func(Event)) *Handle {
	return d.On(event, ListenerFunc(f))
}

// Off removes a registration. Equivalent to h.Dispose().
func (d *Dispatcher) Off(h *Handle) {
	h.Dispose()
}

// ListenerCount returns the number of listeners registered for an event.
func (d *Dispatcher) ListenerCount(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event])
}

// Emit synchronously invokes every listener for event, in registration order.
func (d *Dispatcher) Emit(event string, payload any) {
	d.emitted.Add(1)
	d.deliver(d.snapshot(event), Event{Name: event, Payload: payload})
}

// EmitEnvelope dispatches an inbound envelope under its own type, then to
// wildcard listeners.
func (d *Dispatcher) EmitEnvelope(env model.Envelope) {
	d.emitted.Add(1)
	e := Event{Name: env.Type, Payload: env}
	d.deliver(d.snapshot(env.Type), e)
	if env.Type != model.EventAll {
		d.deliver(d.snapshot(model.EventAll), e)
	}
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	n := 0
	for _, hs := range d.listeners {
		n += len(hs)
	}
	d.mu.RUnlock()

	return Stats{
		Emitted:        d.emitted.Load(),
		Delivered:      d.delivered.Load(),
		ListenerPanics: d.panics.Load(),
		Listeners:      n,
	}
}

func (d *Dispatcher) snapshot(event string) []*Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners[event]
}

func (d *Dispatcher) deliver(handles []*Handle, e Event) {
	for _, h := range handles {
		if !h.Active() {
			continue
		}
		d.invoke(h, e)
	}
}

// invoke runs one listener, recovering from panics.
func (d *Dispatcher) invoke(h *Handle, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("listener panicked",
				"event", e.Name,
				"listener_id", h.ID,
				"error", fmt.Sprint(r),
			)
		}
	}()
	h.listener.HandleEvent(e)
	d.delivered.Add(1)
}

func (d *Dispatcher) remove(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing := d.listeners[h.Event]
	next := make([]*Handle, 0, len(existing))
	for _, other := range existing {
		if other != h {
			next = append(next, other)
		}
	}
	if len(next) == 0 {
		delete(d.listeners, h.Event)
		return
	}
	d.listeners[h.Event] = next
}
