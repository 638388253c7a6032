// Package event defines the envelope that travels through the bus and the
// handler contract used to consume it.
//
// An Envelope is immutable once published. Routing is driven by its Type,
// a dot-delimited string such as "approval.item.approved". The payload is
// opaque JSON whose shape is determined by the type; the bus never inspects
// it beyond optional advisory validation.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope format version stamped on every event.
const SchemaVersion = "1.0"

// Envelope is the canonical, serialized form of an event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	TenantID      string          `json:"tenantId"`
	ActorID       string          `json:"actorId,omitempty"`
	SchemaVersion string          `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`

	// ReplayOf references the replay job that re-published this event.
	ReplayOf string `json:"replayOf,omitempty"`
}

// IsReplay reports whether the envelope was produced by a replay job.
func (e *Envelope) IsReplay() bool {
	return e.ReplayOf != ""
}

// Validate checks the fields the bus relies on for routing and bookkeeping.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	if e.Type == "" {
		return errors.New("envelope type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("envelope timestamp is required")
	}
	return nil
}

// Marshal serializes the envelope to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its wire form and validates it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](e *Envelope) (T, error) {
	var payload T
	if len(e.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode payload of %s: %w", e.Type, err)
	}
	return payload, nil
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithSource sets the free-text origin tag.
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.Source = source
	}
}

// WithCorrelationID sets the correlation ID (default: a fresh UUID).
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithActorID sets the originating principal.
func WithActorID(id string) Option {
	return func(e *Envelope) {
		e.ActorID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t
	}
}

// WithReplayOf marks the envelope as re-published by a replay job.
func WithReplayOf(jobID string) Option {
	return func(e *Envelope) {
		e.ReplayOf = jobID
	}
}

// New creates an envelope with a generated id, timestamp and correlation id.
// The payload is marshalled to JSON unless it already is a json.RawMessage.
func New(eventType, tenantID string, payload any, opts ...Option) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", eventType, err)
	}

	env := &Envelope{
		Type:          eventType,
		TenantID:      tenantID,
		SchemaVersion: SchemaVersion,
		Payload:       raw,
	}
	for _, opt := range opts {
		opt(env)
	}

	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	return env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
