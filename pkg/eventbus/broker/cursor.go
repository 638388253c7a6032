package broker

import (
	"context"
)

// DefaultPageSize is the number of entries a Cursor fetches per round trip.
const DefaultPageSize = 500

// Cursor iterates a range of a stream in pages. It is a pull-based iterator:
// each call to Next fetches a new page only when the buffered one is
// exhausted.
//
//	cur := broker.NewCursor(b, "events.main", from, to, 0)
//	for cur.Next(ctx) {
//	    msg := cur.Message()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	broker   Broker
	stream   string
	next     string
	end      string
	pageSize int

	buf  []Message
	cur  Message
	done bool
	err  error
}

// NewCursor creates a cursor over start <= ID <= end.
func NewCursor(b Broker, stream, start, end string, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor{
		broker:   b,
		stream:   stream,
		next:     start,
		end:      end,
		pageSize: pageSize,
	}
}

// Next advances to the next entry. It returns false when the range is
// exhausted or an error occurred.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if len(c.buf) == 0 {
		if c.done {
			return false
		}
		if err := c.fill(ctx); err != nil {
			c.err = err
			return false
		}
		if len(c.buf) == 0 {
			return false
		}
	}
	c.cur, c.buf = c.buf[0], c.buf[1:]
	return true
}

func (c *Cursor) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := c.broker.Range(ctx, c.stream, c.next, c.end, c.pageSize)
	if err != nil {
		return err
	}
	if len(page) < c.pageSize {
		c.done = true
	}
	if len(page) > 0 {
		next, err := NextID(page[len(page)-1].ID)
		if err != nil {
			return err
		}
		c.next = next
	}
	c.buf = page
	return nil
}

// Message returns the current entry.
func (c *Cursor) Message() Message {
	return c.cur
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}
