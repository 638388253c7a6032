package eventbus

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	eberrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
)

// Sentinel errors for bus operations.
var (
	// ErrInvalidPattern is returned when registering a subscription pattern
	// that is not "*", "prefix.*" or an exact event type.
	ErrInvalidPattern = errors.New("invalid subscription pattern")

	// ErrRegistryFrozen is returned when registering after the consumer started.
	ErrRegistryFrozen = errors.New("handler registry is frozen")

	// ErrConsumerStopped is returned when starting a consumer that already stopped.
	ErrConsumerStopped = errors.New("consumer stopped")

	// ErrConsumerRunning is returned when starting a consumer twice.
	ErrConsumerRunning = errors.New("consumer already running")

	// ErrCircuitOpen is the stop reason of a consumer that exceeded its
	// consecutive read error ceiling.
	ErrCircuitOpen = errors.New("read error ceiling exceeded")

	// ErrInvalidEvent is returned for events that cannot be built or decoded.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrJobNotFound is returned for unknown replay jobs.
	ErrJobNotFound = errors.New("replay job not found")

	// ErrDeadLetterNotFound is returned for unknown dead letter entries.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")

	// ErrInvalidReplay is returned for replay requests with an empty or
	// inverted time range.
	ErrInvalidReplay = errors.New("invalid replay request")

	// ErrSchedulerClosed is returned when scheduling on a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrUnknownHandler is the dead letter reason for a redelivery addressed
	// to a handler this process does not have.
	ErrUnknownHandler = errors.New("handler not registered")
)

// PublishError reports a failed append to the main log.
// The event was not published; the caller owns any retry.
type PublishError struct {
	EventID   string
	EventType string
	Err       error
}

// Error implements error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s): %v", e.EventType, e.EventID, e.Err)
}

// Unwrap returns the underlying broker error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Retryable reports whether publishing again may succeed.
func (e *PublishError) Retryable() bool {
	return eberrors.IsRetryable(brokerFailure("append", e.Err))
}

// brokerFailure categorizes an error returned by a broker call. A closed
// broker is permanent. Errors that carry no category are transport failures
// and therefore transient.
func brokerFailure(op string, err error) error {
	var catErr *eberrors.CategorizedError
	switch {
	case errors.Is(err, broker.ErrClosed):
		return eberrors.Permanent(err, op)
	case errors.As(err, &catErr):
		return err
	default:
		return eberrors.Transient(err, op)
	}
}
