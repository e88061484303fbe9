package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/statusfeed/internal/connection"
	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/projection"
	"github.com/rickgao/statusfeed/internal/realtime"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptedServer answers the first subscribe frame with the given frames.
func scriptedServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newService(endpoint string, attempts int) *realtime.Service {
	cfg := connection.DefaultManagerConfig()
	cfg.Endpoint = endpoint
	cfg.Reconnect.BaseInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxAttempts = attempts
	return realtime.New(cfg, nil)
}

func (b *syncBuffer) waitContains(t *testing.T, s string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), s) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("output missing %q:\n%s", s, b.String())
}

func runWithTimeout(t *testing.T, svc *realtime.Service, raw bool, kind model.TopicKind, id string) (*syncBuffer, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := &syncBuffer{}
	err := watch(ctx, out, svc, raw, kind, id)
	if ctx.Err() != nil {
		t.Fatalf("watch did not finish: %s", out.String())
	}
	return out, err
}

func TestWatch_GenerationCompletes(t *testing.T) {
	url := scriptedServer(t,
		`{"type":"generation_status","payload":{"job_id":"job-42","status":"running","progress":40,"message":"Outline drafted","stage":"outline"}}`,
		`{"type":"generation_status","payload":{"job_id":"job-42","status":"completed","progress":100,"message":"Done"}}`,
	)

	out, err := runWithTimeout(t, newService(url, 1), false, model.TopicGeneration, "job-42")
	if err != nil {
		t.Fatalf("watch error = %v", err)
	}
	out.waitContains(t, "outline: Outline drafted")
	out.waitContains(t, "[job-42] completed 100%")
}

func TestWatch_GenerationFailedExitCode(t *testing.T) {
	url := scriptedServer(t,
		`{"type":"generation_status","payload":{"job_id":"job-1","status":"failed","progress":10}}`,
	)

	_, err := runWithTimeout(t, newService(url, 1), false, model.TopicGeneration, "job-1")
	var ee *exitErr
	if !errors.As(err, &ee) || ee.code != exitFailed {
		t.Fatalf("err = %v, want exit code %d", err, exitFailed)
	}
}

func TestWatch_DocumentRaw(t *testing.T) {
	url := scriptedServer(t,
		`{"type":"document_processed","payload":{"document_id":"doc-7","status":"completed","pages":3}}`,
	)

	out, err := runWithTimeout(t, newService(url, 1), true, model.TopicDocument, "doc-7")
	if err != nil {
		t.Fatalf("watch error = %v", err)
	}
	// The raw printer runs after the projection, so it may land after return.
	out.waitContains(t, `document_processed {"document_id":"doc-7"`)
	out.waitContains(t, "[doc-7] completed pages=3")
}

func TestWatch_GaveUpExitCode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := runWithTimeout(t, newService(url, 0), false, model.TopicNotifications, "user-1")
	var ee *exitErr
	if !errors.As(err, &ee) || ee.code != exitGaveUp {
		t.Fatalf("err = %v, want exit code %d", err, exitGaveUp)
	}
}

func TestRealtimeConfig(t *testing.T) {
	t.Setenv("STATUSFEED_TOKEN", "env-token")

	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := "realtime:\n  endpoint: wss://from-config/ws\n  token: file-token\n  max_reconnect_attempts: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		opts         options
		wantEndpoint string
		wantToken    string
		wantErr      bool
	}{
		{"flags only", options{endpoint: "ws://localhost:8000/ws"}, "ws://localhost:8000/ws", "env-token", false},
		{"token flag wins", options{endpoint: "ws://localhost:8000/ws", token: "flag"}, "ws://localhost:8000/ws", "flag", false},
		{"config file", options{configPath: path}, "wss://from-config/ws", "file-token", false},
		{"endpoint flag overrides config", options{configPath: path, endpoint: "ws://other/ws"}, "ws://other/ws", "file-token", false},
		{"no endpoint", options{}, "", "", true},
		{"bad scheme", options{endpoint: "http://localhost/ws"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := tt.opts.realtimeConfig()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("realtimeConfig() error = %v", err)
			}
			if rc.Endpoint != tt.wantEndpoint || rc.Token != tt.wantToken {
				t.Errorf("endpoint/token = %s/%s, want %s/%s", rc.Endpoint, rc.Token, tt.wantEndpoint, tt.wantToken)
			}
			if rc.MaxReconnectAttempts == nil {
				t.Error("defaults not applied")
			}
		})
	}
}

func TestGenerationRenderer_PrintsNewLogsOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var r generationRenderer

	snap := projection.GenerationSnapshot{
		JobID:    "job-42",
		Status:   "running",
		Progress: 25,
		Logs:     []projection.LogEntry{{Timestamp: t0, Message: "Building outline", Stage: "outline"}},
	}
	first := r.render(snap)
	want := "  03:04:05 outline: Building outline\n[job-42] running  25%\n"
	if first != want {
		t.Errorf("first render = %q, want %q", first, want)
	}

	snap.Progress = 100
	snap.Status = "completed"
	snap.CourseID = "c-9"
	second := r.render(snap)
	if second != "[job-42] completed 100% course=c-9\n" {
		t.Errorf("second render = %q", second)
	}
}

func TestFormatDocument(t *testing.T) {
	got := formatDocument(projection.DocumentSnapshot{
		DocumentID: "doc-7",
		Status:     "completed",
		Result:     map[string]any{"document_id": "doc-7", "status": "completed", "pages": float64(12), "lang": "en"},
	})
	if want := "[doc-7] completed lang=en pages=12"; got != want {
		t.Errorf("formatDocument = %q, want %q", got, want)
	}
	if got := formatDocument(projection.DocumentSnapshot{DocumentID: "d"}); got != "[d] pending" {
		t.Errorf("empty status = %q, want pending", got)
	}
}

func TestFormatNotification(t *testing.T) {
	tests := []struct {
		n    model.Notification
		want string
	}{
		{model.Notification{Message: "hello"}, "[info] hello"},
		{model.Notification{Title: "Course ready", Message: "Open it", Level: "success"}, "[success] Course ready: Open it"},
	}
	for _, tt := range tests {
		if got := formatNotification(tt.n); got != tt.want {
			t.Errorf("formatNotification = %q, want %q", got, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "statusctl dev") {
		t.Errorf("version output = %q", out.String())
	}
}
