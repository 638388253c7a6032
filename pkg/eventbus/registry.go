package eventbus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// Registration defaults.
const (
	DefaultPriority   = 100
	DefaultMaxRetries = 3
)

// HandlerID identifies one registration. IDs are assigned in registration
// order starting at 1, so processes that register the same handlers in the
// same order agree on them.
type HandlerID uint64

// String implements fmt.Stringer.
func (id HandlerID) String() string {
	return "handler-" + strconv.FormatUint(uint64(id), 10)
}

// Subscription is a registered handler.
type Subscription struct {
	ID         HandlerID
	Pattern    string
	Name       string
	Priority   int
	MaxRetries int
	Handler    event.Handler
}

// Matches reports whether the subscription pattern matches eventType.
func (s *Subscription) Matches(eventType string) bool {
	return matchPattern(s.Pattern, eventType)
}

// RegisterOption configures a registration.
type RegisterOption func(*Subscription)

// WithPriority sets the invocation priority. Lower runs first.
func WithPriority(p int) RegisterOption {
	return func(s *Subscription) {
		s.Priority = p
	}
}

// WithMaxRetries sets how many redeliveries a failing handler gets before
// the event is dead-lettered. Zero dead-letters on the first failure.
func WithMaxRetries(n int) RegisterOption {
	return func(s *Subscription) {
		if n >= 0 {
			s.MaxRetries = n
		}
	}
}

// WithName sets the name used in logs, metrics and dead letters.
func WithName(name string) RegisterOption {
	return func(s *Subscription) {
		s.Name = name
	}
}

// Registry maps subscription patterns to handlers.
//
// Registration happens at startup. The consumer freezes the registry when it
// starts; after that it is read-only.
type Registry struct {
	mu         sync.RWMutex
	subs       []*Subscription
	byID       map[HandlerID]*Subscription
	middleware []event.MiddlewareFunc
	nextID     HandlerID
	frozen     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[HandlerID]*Subscription),
	}
}

// Use adds middleware applied to every handler registered afterwards.
// The first middleware is the outermost.
func (r *Registry) Use(middleware ...event.MiddlewareFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	r.middleware = append(r.middleware, middleware...)
	return nil
}

// Register subscribes handler to pattern.
//
// Patterns take exactly three forms: "*" matches every type, "prefix.*"
// matches any type starting with "prefix.", and anything else must be an
// exact event type.
func (r *Registry) Register(pattern string, handler event.Handler, opts ...RegisterOption) (HandlerID, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, fmt.Errorf("register %q: handler is nil", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return 0, ErrRegistryFrozen
	}

	r.nextID++
	sub := &Subscription{
		ID:         r.nextID,
		Pattern:    pattern,
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.Name == "" {
		sub.Name = pattern + "#" + strconv.FormatUint(uint64(sub.ID), 10)
	}
	sub.Handler = event.ChainMiddleware(handler, r.middleware...)

	r.subs = append(r.subs, sub)
	r.byID[sub.ID] = sub
	return sub.ID, nil
}

// RegisterFunc is a convenience wrapper around Register.
func (r *Registry) RegisterFunc(pattern string, fn func(ctx context.Context, env *event.Envelope) error, opts ...RegisterOption) (HandlerID, error) {
	return r.Register(pattern, event.HandlerFunc(fn), opts...)
}

// Match returns every subscription matching eventType ordered by ascending
// priority, ties broken by registration order.
func (r *Registry) Match(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Subscription
	for _, sub := range r.subs {
		if matchPattern(sub.Pattern, eventType) {
			matched = append(matched, sub)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// Lookup returns the subscription with the given ID.
func (r *Registry) Lookup(id HandlerID) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ValidatePattern checks that pattern is "*", "prefix.*" or an exact type.
func ValidatePattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	literal := strings.TrimSuffix(pattern, ".*")
	if literal == "" {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if strings.ContainsAny(literal, "*?[] \t\n") {
		return fmt.Errorf("%w: %q: only \"*\" and a trailing \".*\" are supported", ErrInvalidPattern, pattern)
	}
	if strings.HasPrefix(literal, ".") || strings.HasSuffix(literal, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return nil
}

func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}
