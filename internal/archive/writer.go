package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/statusfeed/internal/config"
	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
)

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_events (
	event_id    UUID PRIMARY KEY,
	received_at BIGINT NOT NULL,
	event_type  TEXT NOT NULL,
	topic_kind  TEXT NOT NULL DEFAULT '',
	topic_id    TEXT NOT NULL DEFAULT '',
	payload     BYTEA NOT NULL,
	compressed  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS realtime_events_topic_idx
	ON realtime_events (topic_kind, topic_id, received_at);
`

const insertEvent = `
	INSERT INTO realtime_events (event_id, received_at, event_type, topic_kind, topic_id, payload, compressed)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (event_id) DO NOTHING
`

// eventNamespace seeds content-derived event IDs.
var eventNamespace = uuid.MustParse("8f0a2c52-2f4e-4b8e-9a43-6c1d3f9b7e10")

// BatchSender executes a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create realtime_events: %w", err)
	}
	return nil
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize         int
	FlushInterval     time.Duration
	BufferSize        int
	CompressThreshold int // bytes; <= 0 disables compression
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:         config.DefaultBatchSize,
		FlushInterval:     config.DefaultFlushInterval,
		BufferSize:        config.DefaultBufferSize,
		CompressThreshold: config.DefaultCompressThreshold,
	}
}

// WriterConfigFrom converts the archive config section. An unset
// compress_threshold falls back to the default.
func WriterConfigFrom(c config.ArchiveConfig) WriterConfig {
	threshold := config.DefaultCompressThreshold
	if c.CompressThreshold != nil {
		threshold = *c.CompressThreshold
	}
	return WriterConfig{
		BatchSize:         c.BatchSize,
		FlushInterval:     c.FlushInterval,
		BufferSize:        c.BufferSize,
		CompressThreshold: threshold,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`
}

// eventRow is one realtime_events row.
type eventRow struct {
	EventID    uuid.UUID
	ReceivedAt int64 // Unix microseconds
	EventType  string
	TopicKind  string
	TopicID    string
	Payload    []byte
	Compressed bool
}

// Writer archives inbound envelopes.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the dispatcher
	input  chan model.Envelope
	handle *dispatch.Handle

	// Database
	db BatchSender

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewWriter creates a Writer. Call Attach and Start to begin archiving.
func NewWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultFlushInterval
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan model.Envelope, cfg.BufferSize),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Attach registers the writer for every inbound envelope on d.
func (w *Writer) Attach(d *dispatch.Dispatcher) {
	w.handle = d.On(model.EventAll, w)
}

// HandleEvent enqueues an inbound envelope. It never blocks the caller.
func (w *Writer) HandleEvent(e dispatch.Event) {
	env, ok := e.Payload.(model.Envelope)
	if !ok {
		return
	}
	select {
	case w.input <- env:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		dropped := w.metrics.Dropped
		w.batchMu.Unlock()
		w.logger.Warn("archive buffer full, dropping event",
			"event_type", env.Type,
			"dropped_total", dropped,
		)
	}
}

// Start begins consuming envelopes and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"compress_threshold", w.cfg.CompressThreshold,
	)
	return nil
}

// Stop detaches from the dispatcher, drains buffered envelopes and flushes.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.handle != nil {
		w.handle.Dispose()
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

	// Drain what is left in the buffer, then final flush.
	for {
		select {
		case env := <-w.input:
			w.addRow(w.transform(env))
			continue
		default:
		}
		break
	}
	w.flush(ctx)

	w.logger.Info("archive writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case env := <-w.input:
			if w.addRow(w.transform(env)) {
				w.flush(w.ctx)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// addRow appends to the batch and reports whether it is full.
func (w *Writer) addRow(row eventRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts an envelope to a row.
func (w *Writer) transform(env model.Envelope) eventRow {
	kind, id := env.Topic()
	payload, compressed := Compress(env.Payload, w.cfg.CompressThreshold)

	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return eventRow{
		EventID:    EventID(env),
		ReceivedAt: receivedAt.UnixMicro(),
		EventType:  env.Type,
		TopicKind:  string(kind),
		TopicID:    id,
		Payload:    payload,
		Compressed: compressed,
	}
}

// EventID derives a stable ID from the envelope type and payload.
func EventID(env model.Envelope) uuid.UUID {
	name := make([]byte, 0, len(env.Type)+1+len(env.Payload))
	name = append(name, env.Type...)
	name = append(name, 0)
	name = append(name, env.Payload...)
	return uuid.NewSHA1(eventNamespace, name)
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, fmt.Errorf("archive database not configured")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.EventID, r.ReceivedAt, r.EventType, r.TopicKind, r.TopicID, r.Payload, r.Compressed)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
