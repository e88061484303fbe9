package projection

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rickgao/statusfeed/internal/dispatch"
	"github.com/rickgao/statusfeed/internal/model"
)

// DocumentSnapshot is a point-in-time copy of a Document.
type DocumentSnapshot struct {
	DocumentID string         `json:"document_id"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Document tracks the latest processing result for one document. Each
// document_processed event replaces the previous status and result.
type Document struct {
	documentID string
	logger     *slog.Logger

	mu        sync.RWMutex
	status    string
	result    map[string]any
	updatedAt time.Time

	updates  chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	handle *dispatch.Handle
}

// TrackDocument starts projecting document_processed events for documentID.
func TrackDocument(d *dispatch.Dispatcher, documentID string, logger *slog.Logger) *Document {
	if logger == nil {
		logger = slog.Default()
	}
	doc := &Document{
		documentID: documentID,
		logger:     logger.With("document_id", documentID),
		updates:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	doc.handle = d.OnFunc(model.TypeDocumentProcessed, doc.onProcessed)
	return doc
}

// DocumentID returns the tracked document identifier.
func (d *Document) DocumentID() string {
	return d.documentID
}

// Snapshot returns a copy of the current state.
func (d *Document) Snapshot() DocumentSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DocumentSnapshot{
		DocumentID: d.documentID,
		Status:     d.status,
		Result:     maps.Clone(d.result),
		UpdatedAt:  d.updatedAt,
	}
}

// Updates signals after each change. Signals coalesce.
func (d *Document) Updates() <-chan struct{} {
	return d.updates
}

// Done is closed once the document reaches a terminal status.
func (d *Document) Done() <-chan struct{} {
	return d.done
}

// Close stops the projection from receiving events.
func (d *Document) Close() {
	d.handle.Dispose()
}

func (d *Document) onProcessed(e dispatch.Event) {
	p, err := dispatch.Decode[model.DocumentProcessed](e)
	if err != nil {
		d.logger.Debug("ignoring undecodable document_processed", "error", err)
		return
	}
	if string(p.DocumentID) != d.documentID {
		return
	}

	d.mu.Lock()
	d.status = p.Status
	d.result = p.Fields
	d.updatedAt = receivedAt(e)
	d.mu.Unlock()

	select {
	case d.updates <- struct{}{}:
	default:
	}
	if IsTerminal(p.Status) {
		d.doneOnce.Do(func() { close(d.done) })
	}
}
