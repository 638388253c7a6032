package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	eberrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
)

// Log entry field names.
const (
	FieldEnvelope  = "envelope"
	FieldEventID   = "event_id"
	FieldType      = "type"
	FieldTenantID  = "tenant_id"
	FieldHandlerID = "handler_id"
	FieldHandler   = "handler"
	FieldAttempt   = "attempt"

	FieldFailureReason = "failure_reason"
	FieldMovedAt       = "moved_at"
	FieldAttempts      = "attempts"

	FieldOriginalID = "original_id"
)

// delivery is one decoded main log entry.
type delivery struct {
	position  string
	env       *event.Envelope
	handlerID HandlerID
	handler   string
	attempt   int
}

// targeted reports whether the entry is a redelivery for a single handler.
func (d delivery) targeted() bool {
	return d.handlerID != 0
}

func envelopeFields(env *event.Envelope) (map[string]string, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return map[string]string{
		FieldEnvelope: string(data),
		FieldEventID:  env.ID,
		FieldType:     env.Type,
		FieldTenantID: env.TenantID,
	}, nil
}

func redeliveryFields(env *event.Envelope, sub *Subscription, attempt int) (map[string]string, error) {
	fields, err := envelopeFields(env)
	if err != nil {
		return nil, err
	}
	fields[FieldHandlerID] = strconv.FormatUint(uint64(sub.ID), 10)
	fields[FieldHandler] = sub.Name
	fields[FieldAttempt] = strconv.Itoa(attempt)
	return fields, nil
}

func decodeDelivery(msg broker.Message) (delivery, error) {
	raw, ok := msg.Fields[FieldEnvelope]
	if !ok {
		return delivery{}, fmt.Errorf("%w: entry %s has no %s field", ErrInvalidEvent, msg.ID, FieldEnvelope)
	}
	env, err := event.Decode([]byte(raw))
	if err != nil {
		return delivery{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	d := delivery{position: msg.ID, env: env}
	if v, ok := msg.Fields[FieldHandlerID]; ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			return delivery{}, fmt.Errorf("%w: bad %s %q", ErrInvalidEvent, FieldHandlerID, v)
		}
		d.handlerID = HandlerID(id)
		d.handler = msg.Fields[FieldHandler]

		attempt, err := strconv.Atoi(msg.Fields[FieldAttempt])
		if err != nil || attempt < 0 {
			return delivery{}, fmt.Errorf("%w: bad %s %q", ErrInvalidEvent, FieldAttempt, msg.Fields[FieldAttempt])
		}
		d.attempt = attempt
	}
	return d, nil
}

// bookkeepingRetry is the metadata write schedule. A missing or duplicate
// record will not change on retry.
var bookkeepingRetry = func() eberrors.RetryConfig {
	cfg := eberrors.BookkeepingRetry
	cfg.RetryableFunc = func(err error) bool {
		return !errors.Is(err, metadata.ErrNotFound) &&
			!errors.Is(err, metadata.ErrDuplicate) &&
			!errors.Is(err, metadata.ErrStoreClosed)
	}
	return cfg
}()

// bookkeep runs a metadata write with retries, logging and swallowing the
// final error.
func bookkeep(ctx context.Context, logger *slog.Logger, eventID, op string, fn func(context.Context) error) bool {
	if err := eberrors.Do(ctx, bookkeepingRetry, fn); err != nil {
		observability.LogMetadataError(logger, eventID, op, err)
		return false
	}
	return true
}
