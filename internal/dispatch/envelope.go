package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/statusfeed/internal/model"
)

// ErrEmptyType is returned for envelopes without a type.
var ErrEmptyType = errors.New("envelope has no type")

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(data []byte, receivedAt time.Time) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return model.Envelope{}, ErrEmptyType
	}
	env.ReceivedAt = receivedAt
	return env, nil
}

// Decode unmarshals an event payload into T. It accepts a model.Envelope
// (as delivered for inbound events) or a value already of type T.
func Decode[T any](e Event) (T, error) {
	var out T
	switch p := e.Payload.(type) {
	case model.Envelope:
		if len(p.Payload) == 0 {
			return out, fmt.Errorf("decode %s: empty payload", e.Name)
		}
		if err := json.Unmarshal(p.Payload, &out); err != nil {
			return out, fmt.Errorf("decode %s: %w", e.Name, err)
		}
		return out, nil
	case T:
		return p, nil
	}
	return out, fmt.Errorf("decode %s: unexpected payload %T", e.Name, e.Payload)
}
