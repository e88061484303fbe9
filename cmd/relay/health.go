package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/statusfeed/internal/archive"
	"github.com/rickgao/statusfeed/internal/connection"
	"github.com/rickgao/statusfeed/internal/realtime"
	"github.com/rickgao/statusfeed/internal/version"
)

type statsSource interface {
	Stats() realtime.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type archiveStats interface {
	Stats() archive.WriterMetrics
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Realtime   realtime.Stats `json:"realtime"`
	Components map[string]any `json:"components"`
}

// newHealthHandler serves /health. db and ar are nil when the archive is
// disabled.
func newHealthHandler(svc statsSource, db pinger, ar archiveStats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := svc.Stats()
		health := healthResponse{
			Status:     "healthy",
			Version:    version.Get(),
			Realtime:   stats,
			Components: make(map[string]any),
		}

		health.Components["realtime"] = stats.Connection.State.String()
		if stats.Connection.State != connection.StateConnected {
			health.Status = "degraded"
		}
		if stats.GaveUp {
			health.Status = "unhealthy"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["archive_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["archive_db"] = "connected"
			}
		}
		if ar != nil {
			health.Components["archive"] = ar.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
