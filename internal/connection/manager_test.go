package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
)

// statusServer is a mock status endpoint that records every frame it
// receives, per connection.
type statusServer struct {
	t      *testing.T
	server *httptest.Server

	refuse   atomic.Bool
	requests atomic.Int32

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames [][]string
}

func newStatusServer(t *testing.T) *statusServer {
	s := &statusServer{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		idx := len(s.conns)
		s.conns = append(s.conns, conn)
		s.frames = append(s.frames, nil)
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames[idx] = append(s.frames[idx], string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *statusServer) url() string {
	return wsURL(s.server)
}

func (s *statusServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *statusServer) framesOf(idx int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.frames) {
		return nil
	}
	return append([]string(nil), s.frames[idx]...)
}

// waitFrames waits until connection idx has received at least n frames.
func (s *statusServer) waitFrames(idx, n int) []string {
	s.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.framesOf(idx); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatalf("conn %d: timeout waiting for %d frames, have %v", idx, n, s.framesOf(idx))
	return nil
}

// drop kills connection idx without a close handshake.
func (s *statusServer) drop(idx int) {
	s.mu.Lock()
	conn := s.conns[idx]
	s.mu.Unlock()
	conn.UnderlyingConn().Close()
}

// push writes a text frame to connection idx.
func (s *statusServer) push(idx int, msg string) {
	s.mu.Lock()
	conn := s.conns[idx]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

// fakeClock captures reconnect timers so tests control when retries fire.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{delay: d, fn: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

// fireLast runs the most recent timer unless it was stopped.
func (c *fakeClock) fireLast(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	if len(c.timers) == 0 {
		c.mu.Unlock()
		t.Fatal("no timer scheduled")
	}
	timer := c.timers[len(c.timers)-1]
	c.mu.Unlock()

	if timer.stopped.Swap(true) {
		t.Fatal("latest timer was stopped")
	}
	timer.fn()
}

// recorder collects lifecycle events from a dispatcher.
type recorder struct {
	events chan dispatch.Event
}

func newRecorder(d *dispatch.Dispatcher) *recorder {
	r := &recorder{events: make(chan dispatch.Event, 64)}
	for _, name := range []string{
		model.EventConnected,
		model.EventDisconnected,
		model.EventError,
		model.EventMaxReconnectAttempts,
	} {
		d.OnFunc(name, func(e dispatch.Event) { r.events <- e })
	}
	return r
}

// expect waits for the named event, failing on any other lifecycle event
// listed in unexpected.
func (r *recorder) expect(t *testing.T, name string, unexpected ...string) dispatch.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e.Name == name {
				return e
			}
			for _, u := range unexpected {
				if e.Name == u {
					t.Fatalf("got %s (%v) while waiting for %s", e.Name, e.Payload, name)
				}
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", name)
			return dispatch.Event{}
		}
	}
}

// quiet asserts no lifecycle event arrives for a short while.
func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %s (%v)", e.Name, e.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestManager(t *testing.T, endpoint string, policy ReconnectPolicy) (*Manager, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{}
	d := dispatch.New(nil)
	rec := newRecorder(d)

	cfg := DefaultManagerConfig()
	cfg.Endpoint = endpoint
	cfg.Reconnect = policy
	cfg.Client.BufferSize = 16

	m := NewManager(cfg, d, nil, WithAfterFunc(clock.AfterFunc))
	t.Cleanup(func() { m.Disconnect() })
	return m, clock, rec
}

func testPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseInterval: 10 * time.Millisecond,
		Multiplier:   2,
		Cap:          40 * time.Millisecond,
		MaxAttempts:  4,
	}
}

func subscribeFrame(t *testing.T, kind model.TopicKind, id string) string {
	t.Helper()
	data, err := json.Marshal(model.SubscriptionDescriptor{Kind: kind, ID: id}.Message())
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func assertFrames(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestManager_SubscribeBeforeOpenThenReplayAfterDrop(t *testing.T) {
	srv := newStatusServer(t)
	m, clock, rec := newTestManager(t, srv.url(), testPolicy())

	var progress []float64
	var progressMu sync.Mutex
	m.Dispatcher().OnFunc(model.TypeGenerationStatus, func(e dispatch.Event) {
		st, err := dispatch.Decode[model.GenerationStatus](e)
		if err != nil || st.JobID != "job-42" || st.Progress == nil {
			return
		}
		progressMu.Lock()
		progress = append(progress, *st.Progress)
		progressMu.Unlock()
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := m.SubscribeGeneration("job-42"); err != nil {
		t.Fatalf("SubscribeGeneration failed: %v", err)
	}

	rec.expect(t, model.EventConnected, model.EventError)
	job42 := subscribeFrame(t, model.TopicGeneration, "job-42")

	// Transmitted exactly once after open.
	srv.waitFrames(0, 1)
	time.Sleep(30 * time.Millisecond)
	assertFrames(t, srv.framesOf(0), []string{job42})

	// The first open is not a replay.
	if r := m.Stats().Replayed; r != 0 {
		t.Errorf("Replayed after first open = %d, want 0", r)
	}

	srv.push(0, `{"type":"generation_status","payload":{"job_id":"job-42","status":"running","progress":10}}`)

	// Abrupt close.
	srv.drop(0)
	ev := rec.expect(t, model.EventDisconnected)
	info := ev.Payload.(model.CloseInfo)
	if info.Code == CloseNormal {
		t.Errorf("close code = %d, want non-normal", info.Code)
	}
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State = %v, want reconnecting", got)
	}
	if d := clock.delays(); len(d) != 1 || d[0] != 10*time.Millisecond {
		t.Fatalf("delays = %v, want [10ms]", d)
	}

	clock.fireLast(t)
	rec.expect(t, model.EventConnected, model.EventMaxReconnectAttempts)

	srv.waitFrames(1, 1)
	time.Sleep(30 * time.Millisecond)
	assertFrames(t, srv.framesOf(1), []string{job42})

	srv.push(1, `{"type":"generation_status","payload":{"job_id":"job-42","status":"running","progress":50}}`)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		progressMu.Lock()
		n := len(progress)
		progressMu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	progressMu.Lock()
	defer progressMu.Unlock()
	if len(progress) != 2 || progress[0] != 10 || progress[1] != 50 {
		t.Errorf("progress = %v, want [10 50]", progress)
	}

	stats := m.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if stats.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1", stats.Replayed)
	}
	if stats.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0 after successful open", stats.Attempt)
	}
}

func TestManager_QueuedMessagesFlushInOrder(t *testing.T) {
	srv := newStatusServer(t)
	m, _, rec := newTestManager(t, srv.url(), testPolicy())

	for _, msg := range []string{`{"type":"m1"}`, `{"type":"m2"}`, `{"type":"m3"}`} {
		if err := m.Send(json.RawMessage(msg)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if q := m.Stats().Queued; q != 3 {
		t.Fatalf("Queued = %d, want 3", q)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	rec.expect(t, model.EventConnected)

	if err := m.Send(map[string]string{"type": "after"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := srv.waitFrames(0, 4)
	assertFrames(t, got, []string{`{"type":"m1"}`, `{"type":"m2"}`, `{"type":"m3"}`, `{"type":"after"}`})

	if q := m.Stats().Queued; q != 0 {
		t.Errorf("Queued = %d, want 0", q)
	}
}

func TestManager_ReplayExactlyOncePerReconnect(t *testing.T) {
	srv := newStatusServer(t)
	m, clock, rec := newTestManager(t, srv.url(), testPolicy())

	m.Connect()
	rec.expect(t, model.EventConnected)

	m.SubscribeGeneration("job-1")
	m.SubscribeDocument("doc-7")
	m.SubscribeGeneration("job-1") // already recorded, not resent
	srv.waitFrames(0, 2)

	srv.drop(0)
	rec.expect(t, model.EventDisconnected)

	// While reconnecting: a new subscription and an unrelated message queue up.
	m.SubscribeNotifications("user-9")
	m.Send(json.RawMessage(`{"type":"ping_app"}`))

	clock.fireLast(t)
	rec.expect(t, model.EventConnected)

	got := srv.waitFrames(1, 4)
	time.Sleep(30 * time.Millisecond)
	got = srv.framesOf(1)
	assertFrames(t, got, []string{
		subscribeFrame(t, model.TopicGeneration, "job-1"),
		subscribeFrame(t, model.TopicDocument, "doc-7"),
		subscribeFrame(t, model.TopicNotifications, "user-9"),
		`{"type":"ping_app"}`,
	})

	if r := m.Stats().Replayed; r != 3 {
		t.Errorf("Replayed = %d, want 3", r)
	}
}

func TestManager_BackoffSequenceAndExhaustion(t *testing.T) {
	srv := newStatusServer(t)
	srv.refuse.Store(true)
	m, clock, rec := newTestManager(t, srv.url(), testPolicy())

	m.Connect()

	// Initial dial plus four retries, each failing.
	for i := 0; i < 4; i++ {
		rec.expect(t, model.EventError)
		rec.expect(t, model.EventDisconnected)
		clock.fireLast(t)
	}
	rec.expect(t, model.EventError)
	rec.expect(t, model.EventDisconnected)
	ev := rec.expect(t, model.EventMaxReconnectAttempts)
	if info := ev.Payload.(model.ExhaustedInfo); info.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", info.Attempts)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	got := clock.delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}

	if s := m.State(); s != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s)
	}

	// No further automatic attempts.
	time.Sleep(50 * time.Millisecond)
	if n := srv.requests.Load(); n != 5 {
		t.Errorf("dial attempts = %d, want 5", n)
	}
	if n := len(clock.delays()); n != 4 {
		t.Errorf("timers = %d, want 4", n)
	}

	// An explicit Connect tries again; success resets the policy to base.
	srv.refuse.Store(false)
	m.Connect()
	rec.expect(t, model.EventConnected)
	if a := m.Stats().Attempt; a != 0 {
		t.Errorf("Attempt = %d, want 0", a)
	}

	srv.drop(0)
	rec.expect(t, model.EventDisconnected)
	got = clock.delays()
	if last := got[len(got)-1]; last != 10*time.Millisecond {
		t.Errorf("delay after reset = %v, want 10ms", last)
	}
}

func TestManager_ZeroMaxAttempts(t *testing.T) {
	srv := newStatusServer(t)
	policy := testPolicy()
	policy.MaxAttempts = 0
	m, clock, rec := newTestManager(t, srv.url(), policy)

	m.Connect()
	rec.expect(t, model.EventConnected)

	srv.drop(0)
	rec.expect(t, model.EventDisconnected)
	rec.expect(t, model.EventMaxReconnectAttempts)

	if n := len(clock.delays()); n != 0 {
		t.Errorf("timers = %d, want 0", n)
	}
	if s := m.State(); s != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s)
	}
}

func TestManager_DisconnectIsTerminal(t *testing.T) {
	srv := newStatusServer(t)
	m, clock, rec := newTestManager(t, srv.url(), testPolicy())

	m.Connect()
	rec.expect(t, model.EventConnected)
	m.SubscribeGeneration("job-1")
	srv.waitFrames(0, 1)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	ev := rec.expect(t, model.EventDisconnected)
	if info := ev.Payload.(model.CloseInfo); info.Code != CloseNormal {
		t.Errorf("close code = %d, want %d", info.Code, CloseNormal)
	}

	rec.quiet(t)
	if n := len(clock.delays()); n != 0 {
		t.Errorf("timers = %d, want 0", n)
	}

	stats := m.Stats()
	if stats.State != StateDisconnected {
		t.Errorf("State = %v, want disconnected", stats.State)
	}
	if stats.Subscriptions != 0 {
		t.Errorf("Subscriptions = %d, want 0", stats.Subscriptions)
	}

	// A second Disconnect does not announce again.
	m.Disconnect()
	rec.quiet(t)
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	srv := newStatusServer(t)
	m, clock, rec := newTestManager(t, srv.url(), testPolicy())

	m.Connect()
	rec.expect(t, model.EventConnected)
	srv.drop(0)
	rec.expect(t, model.EventDisconnected)

	m.Disconnect()
	rec.expect(t, model.EventDisconnected)

	clock.mu.Lock()
	stopped := clock.timers[0].stopped.Load()
	clock.mu.Unlock()
	if !stopped {
		t.Error("pending retry timer was not stopped")
	}
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestManager_MalformedInboundDropped(t *testing.T) {
	srv := newStatusServer(t)
	m, _, rec := newTestManager(t, srv.url(), testPolicy())

	got := make(chan string, 4)
	m.Dispatcher().OnFunc(model.EventAll, func(e dispatch.Event) { got <- e.Name })

	m.Connect()
	rec.expect(t, model.EventConnected)

	srv.push(0, `not json`)
	srv.push(0, `{"payload":{}}`)
	srv.push(0, `{"type":"quiz_ready","payload":{"id":1}}`)

	select {
	case name := <-got:
		if name != "quiz_ready" {
			t.Errorf("first dispatched = %s, want quiz_ready", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatched envelope")
	}

	rec.quiet(t)
	stats := m.Stats()
	if stats.ParseErrors != 2 {
		t.Errorf("ParseErrors = %d, want 2", stats.ParseErrors)
	}
	if stats.State != StateConnected {
		t.Errorf("State = %v, want connected", stats.State)
	}
}

func TestManager_ConnectIsNoOpWhileConnected(t *testing.T) {
	srv := newStatusServer(t)
	m, _, rec := newTestManager(t, srv.url(), testPolicy())

	m.Connect()
	m.Connect()
	rec.expect(t, model.EventConnected)
	m.Connect()

	rec.quiet(t)
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestManager_UnsubscribePurgesQueued(t *testing.T) {
	srv := newStatusServer(t)
	m, _, rec := newTestManager(t, srv.url(), testPolicy())

	a1, _ := m.SubscribeGeneration("job-a")
	a2, _ := m.SubscribeGeneration("job-a")
	b, _ := m.SubscribeDocument("doc-b")

	a1.Unsubscribe()
	a1.Unsubscribe() // second release of the same handle is ignored
	b.Unsubscribe()

	subs := m.Subscriptions()
	if len(subs) != 1 || subs[0].Key() != "generation:job-a" {
		t.Fatalf("Subscriptions = %v, want [generation:job-a]", subs)
	}

	m.Connect()
	rec.expect(t, model.EventConnected)
	srv.waitFrames(0, 1)
	time.Sleep(30 * time.Millisecond)
	assertFrames(t, srv.framesOf(0), []string{subscribeFrame(t, model.TopicGeneration, "job-a")})

	a2.Unsubscribe()
	if n := len(m.Subscriptions()); n != 0 {
		t.Errorf("Subscriptions = %d, want 0", n)
	}
}

func TestManager_InputErrors(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, nil)

	if err := m.Connect(); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Connect without endpoint = %v, want ErrNoEndpoint", err)
	}
	if _, err := m.SubscribeGeneration("  "); !errors.Is(err, ErrEmptyIdentifier) {
		t.Errorf("SubscribeGeneration(blank) = %v, want ErrEmptyIdentifier", err)
	}
	if _, err := m.Subscribe(model.SubscriptionDescriptor{Kind: "quiz", ID: "1"}); !errors.Is(err, ErrUnknownTopicKind) {
		t.Errorf("Subscribe(unknown kind) = %v, want ErrUnknownTopicKind", err)
	}
	if err := m.Send(func() {}); err == nil {
		t.Error("Send of an unencodable value should fail")
	}
	if s := m.State(); s != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s)
	}
}

func TestManager_QueueBoundDropsOldest(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.QueueMaxLen = 2
	m := NewManager(cfg, nil, nil)

	m.Send(json.RawMessage(`{"n":1}`))
	m.Send(json.RawMessage(`{"n":2}`))
	m.Send(json.RawMessage(`{"n":3}`))

	stats := m.Stats()
	if stats.Queued != 2 || stats.Dropped != 1 {
		t.Errorf("Queued/Dropped = %d/%d, want 2/1", stats.Queued, stats.Dropped)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateClosing, "closing"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
