package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventbus/pkg/eventbus/broker"
	"github.com/randalmurphal/eventbus/pkg/eventbus/metadata"
)

// Stats is a point-in-time view of the bus.
type Stats struct {
	MainLength int64
	DLQLength  int64

	// ConsumerLag is the number of main log entries not yet delivered to
	// the consumer group.
	ConsumerLag int64

	// Pending is the number of delivered entries awaiting acknowledgment.
	Pending int64

	ConsumerState ConsumerState
	StatusCounts  map[metadata.Status]int64
}

// Stats collects log lengths, group lag and metadata status counts.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	s := Stats{ConsumerState: b.consumer.State()}

	var err error
	if s.MainLength, err = b.broker.Len(ctx, b.cfg.MainStream); err != nil {
		return Stats{}, fmt.Errorf("main log length: %w", err)
	}
	if s.DLQLength, err = b.dlq.Len(ctx); err != nil {
		return Stats{}, fmt.Errorf("dead letter length: %w", err)
	}

	info, err := b.broker.GroupInfo(ctx, b.cfg.MainStream, b.cfg.Group)
	switch {
	case errors.Is(err, broker.ErrGroupNotFound):
		s.ConsumerLag = s.MainLength
	case err != nil:
		return Stats{}, fmt.Errorf("consumer group info: %w", err)
	default:
		s.ConsumerLag = info.Lag
		s.Pending = info.Pending
	}

	if s.StatusCounts, err = b.store.CountByStatus(ctx); err != nil {
		return Stats{}, fmt.Errorf("metadata status counts: %w", err)
	}
	return s, nil
}
