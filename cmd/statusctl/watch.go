package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/statusfeed/internal/config"
	"github.com/rickgao/statusfeed/internal/connection"
	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
	"github.com/rickgao/statusfeed/internal/realtime"
)

// Exit codes.
const (
	exitGaveUp = 2
	exitFailed = 3
)

func newWatchCmd(opts *options) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a topic and print updates",
	}

	for _, kind := range []model.TopicKind{model.TopicGeneration, model.TopicDocument, model.TopicNotifications} {
		watchCmd.AddCommand(&cobra.Command{
			Use:   fmt.Sprintf("%s <%s>", kind, kind.IDField()),
			Short: fmt.Sprintf("Watch %s updates", kind),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWatch(ctx, cmd.OutOrStdout(), opts, kind, args[0])
			},
		})
	}
	return watchCmd
}

// realtimeConfig resolves realtime settings from --config, flags and the
// environment, in increasing order of precedence for the endpoint and token.
func (o *options) realtimeConfig() (config.RealtimeConfig, error) {
	cfg := &config.RelayConfig{}
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.RealtimeConfig{}, err
		}
		cfg = loaded
	}

	if o.endpoint != "" {
		cfg.Realtime.Endpoint = o.endpoint
	}
	switch {
	case o.token != "":
		cfg.Realtime.Token = o.token
	case cfg.Realtime.Token == "":
		cfg.Realtime.Token = os.Getenv("STATUSFEED_TOKEN")
	}

	cfg.ApplyDefaults()
	if err := cfg.Realtime.Validate(); err != nil {
		return config.RealtimeConfig{}, err
	}
	return cfg.Realtime, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runWatch(ctx context.Context, out io.Writer, opts *options, kind model.TopicKind, id string) error {
	rc, err := opts.realtimeConfig()
	if err != nil {
		return codeError(1, "%s", err)
	}
	return watch(ctx, out, realtime.New(realtime.ManagerConfig(rc), newLogger(opts.logLevel)), opts.raw, kind, id)
}

// watch subscribes svc to one topic and prints updates until the topic
// reaches a terminal status, ctx ends or reconnection is abandoned.
func watch(ctx context.Context, out io.Writer, svc *realtime.Service, raw bool, kind model.TopicKind, id string) error {
	defer svc.Disconnect()

	var (
		mu       sync.Mutex
		gaveUp   = make(chan struct{})
		once     sync.Once
		attempts int
	)
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	svc.OnFunc(model.EventMaxReconnectAttempts, func(e dispatch.Event) {
		once.Do(func() {
			info, _ := e.Payload.(model.ExhaustedInfo)
			attempts = info.Attempts
			close(gaveUp)
		})
	})
	svc.OnFunc(model.EventConnected, func(dispatch.Event) { printf("-- connected\n") })
	svc.OnFunc(model.EventDisconnected, func(e dispatch.Event) {
		info, _ := e.Payload.(model.CloseInfo)
		printf("-- disconnected (%d %s)\n", info.Code, info.Reason)
	})
	if raw {
		svc.OnFunc(model.EventAll, func(e dispatch.Event) {
			if env, ok := e.Payload.(model.Envelope); ok {
				printf("%s %s\n", env.Type, env.Payload)
			}
		})
	}

	var (
		updates <-chan struct{}
		done    <-chan struct{}
		render  func() error
		sub     *connection.TopicSubscription
		err     error
	)

	switch kind {
	case model.TopicGeneration:
		g := svc.TrackGenerationStatus(id)
		defer g.Close()
		var r generationRenderer
		updates, done = g.Updates(), g.Done()
		render = func() error {
			snap := g.Snapshot()
			printf("%s", r.render(snap))
			if snap.Status == model.StatusFailed || snap.Status == model.StatusCancelled {
				return codeError(exitFailed, "generation %s %s", id, snap.Status)
			}
			return nil
		}
		sub, err = svc.SubscribeToGeneration(id)

	case model.TopicDocument:
		d := svc.TrackDocumentStatus(id)
		defer d.Close()
		updates, done = d.Updates(), d.Done()
		render = func() error {
			snap := d.Snapshot()
			printf("%s\n", formatDocument(snap))
			if snap.Status == model.StatusFailed || snap.Status == model.StatusCancelled {
				return codeError(exitFailed, "document %s %s", id, snap.Status)
			}
			return nil
		}
		sub, err = svc.SubscribeToDocument(id)

	case model.TopicNotifications:
		h := svc.OnFunc(model.TypeNotification, func(e dispatch.Event) {
			n, derr := dispatch.Decode[model.Notification](e)
			if derr != nil || string(n.UserID) != id {
				return
			}
			printf("%s\n", formatNotification(n))
		})
		defer h.Dispose()
		sub, err = svc.SubscribeToNotifications(id)

	default:
		return codeError(1, "unknown topic kind %q", kind)
	}
	if err != nil {
		return codeError(1, "subscribe: %s", err)
	}
	defer sub.Unsubscribe()

	if err := svc.Connect(); err != nil {
		return codeError(1, "connect: %s", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gaveUp:
			return codeError(exitGaveUp, "gave up after %d reconnect attempts", attempts)
		case <-updates:
			if err := render(); err != nil {
				return err
			}
		case <-done:
			return render()
		}
	}
}
