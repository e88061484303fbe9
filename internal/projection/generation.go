package projection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
)

// LogEntry is one progress message reported for a generation job.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

// GenerationSnapshot is a point-in-time copy of a Generation.
type GenerationSnapshot struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Progress  float64    `json:"progress"`
	Logs      []LogEntry `json:"logs"`
	CourseID  string     `json:"course_id,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Generation tracks one generation job's status, progress and log.
type Generation struct {
	jobID  string
	logger *slog.Logger

	mu        sync.RWMutex
	status    string
	progress  float64
	logs      []LogEntry
	courseID  string
	updatedAt time.Time

	updates  chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	handles   []*dispatch.Handle
	closeOnce sync.Once
}

// TrackGeneration starts projecting generation_status and
// course_generation_complete events for jobID.
func TrackGeneration(d *dispatch.Dispatcher, jobID string, logger *slog.Logger) *Generation {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generation{
		jobID:   jobID,
		logger:  logger.With("job_id", jobID),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	g.handles = []*dispatch.Handle{
		d.OnFunc(model.TypeGenerationStatus, g.onStatus),
		d.OnFunc(model.TypeCourseGenerationComplete, g.onComplete),
	}
	return g
}

// JobID returns the tracked job identifier.
func (g *Generation) JobID() string {
	return g.jobID
}

// Snapshot returns a copy of the current state.
func (g *Generation) Snapshot() GenerationSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GenerationSnapshot{
		JobID:     g.jobID,
		Status:    g.status,
		Progress:  g.progress,
		Logs:      append([]LogEntry(nil), g.logs...),
		CourseID:  g.courseID,
		UpdatedAt: g.updatedAt,
	}
}

// Updates signals after each change. Signals coalesce: a slow reader sees
// one pending signal and reads the latest Snapshot.
func (g *Generation) Updates() <-chan struct{} {
	return g.updates
}

// Done is closed once the job reaches completed, failed or cancelled.
// Reaching a terminal status does not release the projection.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Close stops the projection from receiving events.
func (g *Generation) Close() {
	g.closeOnce.Do(func() {
		for _, h := range g.handles {
			h.Dispose()
		}
	})
}

func (g *Generation) onStatus(e dispatch.Event) {
	st, err := dispatch.Decode[model.GenerationStatus](e)
	if err != nil {
		g.logger.Debug("ignoring undecodable generation_status", "error", err)
		return
	}
	if string(st.JobID) != g.jobID {
		return
	}

	at := receivedAt(e)
	g.mu.Lock()
	if st.Status != "" {
		g.status = st.Status
	}
	if st.Progress != nil {
		g.progress = *st.Progress
	}
	if st.Message != "" {
		g.logs = append(g.logs, LogEntry{
			Timestamp: at,
			Message:   st.Message,
			Stage:     st.Stage,
		})
	}
	g.updatedAt = at
	status := g.status
	g.mu.Unlock()

	g.changed(status)
}

func (g *Generation) onComplete(e dispatch.Event) {
	c, err := dispatch.Decode[model.CourseGenerationComplete](e)
	if err != nil {
		g.logger.Debug("ignoring undecodable course_generation_complete", "error", err)
		return
	}
	if string(c.JobID) != g.jobID {
		return
	}

	at := receivedAt(e)
	g.mu.Lock()
	g.status = model.StatusCompleted
	g.progress = 100
	g.courseID = string(c.CourseID)
	if c.Message != "" {
		g.logs = append(g.logs, LogEntry{Timestamp: at, Message: c.Message})
	}
	g.updatedAt = at
	g.mu.Unlock()

	g.changed(model.StatusCompleted)
}

func (g *Generation) changed(status string) {
	select {
	case g.updates <- struct{}{}:
	default:
	}
	if IsTerminal(status) {
		g.doneOnce.Do(func() { close(g.done) })
	}
}

// IsTerminal reports whether status ends a job.
func IsTerminal(status string) bool {
	switch status {
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		return true
	}
	return false
}

// receivedAt returns the envelope's local receive time, or now.
func receivedAt(e dispatch.Event) time.Time {
	if env, ok := e.Payload.(model.Envelope); ok && !env.ReceivedAt.IsZero() {
		return env.ReceivedAt
	}
	return time.Now()
}
