/*
Package eventbus provides at-least-once, pattern-routed event delivery over a
durable log with consumer groups.

# Overview

Independent modules publish events to a main log and subscribe to them by
type pattern. A consumer claims entries through a consumer group, dispatches
them to every matching handler in priority order and acknowledges them once
each handler has either succeeded or been handed to the retry coordinator.
Failed handlers are redelivered after a backoff and dead-lettered once their
retries are exhausted. Historical events can be replayed.

	Publisher -> main log -> Consumer (claim, match, dispatch)
	                             |-> ack on success
	                             |-> RetryCoordinator -> delayed redelivery | DLQ
	ReplayEngine -> reads main log -> Publisher

# Basic Usage

	b := broker.NewMemoryBroker()
	store := metadata.NewMemoryStore()

	bus, err := eventbus.New(b, store, eventbus.Config{ConsumerName: "worker-1"})
	if err != nil {
	    log.Fatal(err)
	}

	bus.Register("order.*", event.HandlerFunc(func(ctx context.Context, env *event.Envelope) error {
	    order, err := event.DecodePayload[Order](env)
	    if err != nil {
	        return err
	    }
	    return ship(ctx, env.TenantID, order)
	}), eventbus.WithPriority(10))

	if err := bus.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer bus.Stop(context.Background())

	id, err := bus.Publish(ctx, "order.created", Order{ID: "o-1"}, eventbus.PublishContext{TenantID: "t1"})

# Patterns

Exactly three pattern forms are supported:
  - "*" matches every event type
  - "prefix.*" matches types starting with "prefix." ("approval.*" matches
    "approval.item.approved" but not "approvalx.foo")
  - anything else matches one exact type

Infix wildcards and character classes are rejected with ErrInvalidPattern.

# Delivery Guarantees

Delivery is at-least-once. An entry claimed by a consumer that crashes before
acknowledging it is reprocessed when that consumer restarts, so handlers must
tolerate duplicates. Ordering holds within one stream and one consumer only.

Each handler retries independently. A failed handler is redelivered alone,
on a new main log entry, after 60s, 300s and 1800s by default; the next
failure moves the event to the dead letter queue. Metadata records the
attempts, the last error and the event status.

# Error Handling

Only Publish returns delivery errors (*PublishError for a failed append).
Consumption-side failures are absorbed and surface through metadata, the
dead letter queue, logs and metrics:
  - Broker read errors drive a circuit breaker that stops the consumer after
    too many consecutive failures
  - Handler errors and panics drive the retry coordinator
  - Payload validation failures are logged and dispatch continues
  - Metadata write failures are retried briefly, then logged

# Thread Safety

Bus, Publisher, DeadLetterQueue and ReplayEngine are safe for concurrent
use. The registry is frozen when the consumer starts.
*/
package eventbus
