package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	eberrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Validator checks the payload of an envelope.
type Validator func(env *event.Envelope) error

// SchemaRegistry maps event types to payload validators.
//
// Validation is advisory: the consumer logs failures and dispatches the
// event anyway, leaving rejection to the handlers.
type SchemaRegistry struct {
	mu         sync.RWMutex
	validators map[string][]Validator
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		validators: make(map[string][]Validator),
	}
}

// Register adds a validator for an exact event type.
func (r *SchemaRegistry) Register(eventType string, v Validator) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if v == nil {
		return fmt.Errorf("validator for %s is nil", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = append(r.validators[eventType], v)
	return nil
}

// Has returns true if validators exist for the event type.
func (r *SchemaRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators[eventType]) > 0
}

// Validate runs every validator registered for the envelope type.
// Types without validators always pass.
func (r *SchemaRegistry) Validate(env *event.Envelope) error {
	r.mu.RLock()
	validators := r.validators[env.Type]
	r.mu.RUnlock()

	var errs []error
	for _, v := range validators {
		if err := v(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequireFields returns a validator that checks the payload is a JSON object
// containing every named top-level field.
func RequireFields(fields ...string) Validator {
	return func(env *event.Envelope) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(env.Payload, &obj); err != nil || obj == nil {
			return &eberrors.ValidationError{EventType: env.Type, Message: "payload is not a JSON object"}
		}
		for _, f := range fields {
			if _, ok := obj[f]; !ok {
				return &eberrors.ValidationError{EventType: env.Type, Field: f, Message: "required field missing"}
			}
		}
		return nil
	}
}

// PayloadShape returns a validator that checks the payload decodes into T
// without unknown fields.
func PayloadShape[T any]() Validator {
	return func(env *event.Envelope) error {
		dec := json.NewDecoder(bytes.NewReader(env.Payload))
		dec.DisallowUnknownFields()
		var v T
		if err := dec.Decode(&v); err != nil {
			return &eberrors.ValidationError{EventType: env.Type, Message: err.Error()}
		}
		return nil
	}
}
