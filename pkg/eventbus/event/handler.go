package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Handler processes a delivered event.
//
// Handlers report failure by returning an error. They never write event
// metadata themselves; the consumer loop is the only writer.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// TypedHandler wraps a function handling a specific payload type.
// Payloads that do not decode into T fail the handler.
func TypedHandler[T any](fn func(ctx context.Context, payload T, env *Envelope) error) Handler {
	return HandlerFunc(func(ctx context.Context, env *Envelope) error {
		payload, err := DecodePayload[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, payload, env)
	})
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// PanicError is returned by RecoveryMiddleware when a handler panics.
type PanicError struct {
	EventID string
	Value   any
	Stack   []byte
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("event %s: handler panic: %v", e.EventID, e.Value)
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{EventID: env.ID, Value: r, Stack: debug.Stack()}
				}
			}()
			return next.Handle(ctx, env)
		})
	}
}

// LoggingMiddleware logs each handler invocation at debug level and failures
// at warn level.
func LoggingMiddleware(logger *slog.Logger, name string) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) error {
			start := time.Now()
			err := next.Handle(ctx, env)
			attrs := []any{
				slog.String("event_id", env.ID),
				slog.String("event_type", env.Type),
				slog.String("handler", name),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.WarnContext(ctx, "handler failed", append(attrs, slog.String("error", err.Error()))...)
				return err
			}
			logger.DebugContext(ctx, "handler completed", attrs...)
			return nil
		})
	}
}

// TenantMiddleware skips events whose tenant is not in the allowed set.
// Skipped events count as handled.
func TenantMiddleware(tenants ...string) MiddlewareFunc {
	allowed := make(map[string]struct{}, len(tenants))
	for _, t := range tenants {
		allowed[t] = struct{}{}
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) error {
			if _, ok := allowed[env.TenantID]; !ok {
				return nil
			}
			return next.Handle(ctx, env)
		})
	}
}

// SkipReplays makes a handler ignore events re-published by a replay job.
func SkipReplays() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) error {
			if env.IsReplay() {
				return nil
			}
			return next.Handle(ctx, env)
		})
	}
}
