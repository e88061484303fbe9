package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Event Names
// -----------------------------------------------------------------------------

// Inbound envelope types understood by the projections. Any other type is
// still dispatched under its own name.
const (
	TypeGenerationStatus         = "generation_status"
	TypeDocumentProcessed        = "document_processed"
	TypeCourseGenerationComplete = "course_generation_complete"
	TypeNotification             = "notification"
)

// Local lifecycle events. These never appear on the wire.
const (
	EventConnected            = "connected"
	EventDisconnected         = "disconnected"
	EventError                = "error"
	EventMaxReconnectAttempts = "max_reconnect_attempts"

	// EventAll receives every inbound envelope regardless of type.
	EventAll = "*"
)

// Terminal generation statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// -----------------------------------------------------------------------------
// Envelope
// -----------------------------------------------------------------------------

// Envelope is the inbound wire unit carrying one event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// ReceivedAt is stamped locally when the frame was read.
	ReceivedAt time.Time `json:"-"`
}

// topicFields is the subset of payload fields that identify a topic.
type topicFields struct {
	JobID      ID `json:"job_id"`
	DocumentID ID `json:"document_id"`
	UserID     ID `json:"user_id"`
}

// Topic extracts the topic an envelope belongs to from its payload.
// Returns an empty kind when the payload names no known identifier.
func (e Envelope) Topic() (TopicKind, string) {
	if len(e.Payload) == 0 {
		return "", ""
	}
	var f topicFields
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return "", ""
	}
	switch {
	case f.JobID != "":
		return TopicGeneration, string(f.JobID)
	case f.DocumentID != "":
		return TopicDocument, string(f.DocumentID)
	case f.UserID != "":
		return TopicNotifications, string(f.UserID)
	}
	return "", ""
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// GenerationStatus is the payload of a generation_status envelope.
type GenerationStatus struct {
	JobID    ID       `json:"job_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"` // nil when absent
	Message  string   `json:"message,omitempty"`
	Stage    string   `json:"stage,omitempty"`
}

// DocumentProcessed is the payload of a document_processed envelope.
// Result fields beyond document_id and status are kept in Fields.
type DocumentProcessed struct {
	DocumentID ID             `json:"document_id"`
	Status     string         `json:"status"`
	Fields     map[string]any `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the full object in Fields.
func (d *DocumentProcessed) UnmarshalJSON(data []byte) error {
	type known DocumentProcessed
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*d = DocumentProcessed(k)
	d.Fields = fields
	return nil
}

// CourseGenerationComplete is the payload of a course_generation_complete envelope.
type CourseGenerationComplete struct {
	JobID    ID     `json:"job_id"`
	CourseID ID     `json:"course_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Notification is the payload of a notification envelope.
type Notification struct {
	ID        ID     `json:"id"`
	UserID    ID     `json:"user_id"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CloseInfo accompanies the disconnected event.
type CloseInfo struct {
	Code   int
	Reason string
}

// ExhaustedInfo accompanies the max_reconnect_attempts event.
type ExhaustedInfo struct {
	Attempts int
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// TopicKind names a family of topics.
type TopicKind string

const (
	TopicGeneration    TopicKind = "generation"
	TopicDocument      TopicKind = "document"
	TopicNotifications TopicKind = "notifications"
)

// IDField returns the outbound identifier field for the kind.
func (k TopicKind) IDField() string {
	switch k {
	case TopicGeneration:
		return "job_id"
	case TopicDocument:
		return "document_id"
	case TopicNotifications:
		return "user_id"
	}
	return "id"
}

// SubscriptionDescriptor describes an active logical interest.
type SubscriptionDescriptor struct {
	Kind TopicKind
	ID   string
}

// Key uniquely identifies the descriptor (e.g. "generation:job-42").
func (d SubscriptionDescriptor) Key() string {
	return string(d.Kind) + ":" + d.ID
}

// Message builds the subscribe_<kind> outbound message.
func (d SubscriptionDescriptor) Message() map[string]string {
	return map[string]string{
		"type":          "subscribe_" + string(d.Kind),
		d.Kind.IDField(): d.ID,
	}
}
