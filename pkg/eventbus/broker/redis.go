package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures a RedisBroker created from connection settings.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker implements Broker on Redis Streams.
type RedisBroker struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisBroker wraps an existing client. Close does not close it.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

// DialRedis creates a client from opts and verifies connectivity.
func DialRedis(ctx context.Context, opts RedisOptions) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisBroker{client: client, owned: true}, nil
}

// Append implements Broker.
func (b *RedisBroker) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}).Result()
	if errors.Is(err, redis.ErrClosed) {
		return "", fmt.Errorf("xadd %s: %w", stream, ErrClosed)
	}
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup implements Broker.
func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup implements Broker.
func (b *RedisBroker) ReadGroup(ctx context.Context, req ReadRequest) ([]Message, error) {
	start := ">"
	block := req.Block
	if req.Pending {
		start = "0"
		if req.After != "" {
			start = req.After
		}
	}
	// go-redis treats 0 as "block forever" and negative as "no BLOCK".
	if block <= 0 || req.Pending {
		block = -1
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{req.Stream, start},
		Count:    int64(req.Count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, req.Stream, req.Group)
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", req.Stream, req.Group, err)
	}

	var msgs []Message
	for _, s := range streams {
		msgs = append(msgs, convertMessages(s.Messages)...)
	}
	return msgs, nil
}

func convertMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		msg := Message{ID: m.ID}
		if m.Values != nil {
			msg.Fields = make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				msg.Fields[k] = fmt.Sprint(v)
			}
		}
		out = append(out, msg)
	}
	return out
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return n, nil
}

// Range implements Broker.
func (b *RedisBroker) Range(ctx context.Context, stream, start, end string, count int) ([]Message, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = b.client.XRangeN(ctx, stream, start, end, int64(count)).Result()
	} else {
		msgs, err = b.client.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	return convertMessages(msgs), nil
}

// Delete implements Broker.
func (b *RedisBroker) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	n, err := b.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xdel %s: %w", stream, err)
	}
	return n, nil
}

// Len implements Broker.
func (b *RedisBroker) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// TrimBefore implements Broker.
func (b *RedisBroker) TrimBefore(ctx context.Context, stream, minID string) (int64, error) {
	n, err := b.client.XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s minid %s: %w", stream, minID, err)
	}
	return n, nil
}

// Expire implements Broker.
func (b *RedisBroker) Expire(ctx context.Context, stream string, ttl time.Duration) error {
	if err := b.client.Expire(ctx, stream, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", stream, err)
	}
	return nil
}

// GroupInfo implements Broker.
//
// The reply is parsed by hand: Redis 7 adds entries-read and lag fields that
// the typed XINFO GROUPS command in go-redis v8 rejects.
func (b *RedisBroker) GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error) {
	reply, err := b.client.Do(ctx, "XINFO", "GROUPS", stream).Slice()
	if err != nil {
		if strings.HasPrefix(err.Error(), "ERR no such key") {
			return GroupInfo{}, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
		}
		return GroupInfo{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}

	for _, raw := range reply {
		fields, ok := raw.([]interface{})
		if !ok {
			continue
		}
		info, hasLag := parseGroupInfo(fields)
		if info.Name != group {
			continue
		}
		if !hasLag {
			if info.Lag, err = b.countAfter(ctx, stream, info.LastDeliveredID); err != nil {
				return GroupInfo{}, err
			}
		}
		return info, nil
	}
	return GroupInfo{}, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
}

func parseGroupInfo(fields []interface{}) (GroupInfo, bool) {
	var (
		info   GroupInfo
		hasLag bool
	)
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		val := fields[i+1]
		switch key {
		case "name":
			info.Name = fmt.Sprint(val)
		case "consumers":
			info.Consumers = toInt64(val)
		case "pending":
			info.Pending = toInt64(val)
		case "last-delivered-id":
			info.LastDeliveredID = fmt.Sprint(val)
		case "lag":
			if val != nil {
				info.Lag = toInt64(val)
				hasLag = true
			}
		}
	}
	return info, hasLag
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	}
	return 0
}

// countAfter counts entries newer than id, for servers that do not report lag.
func (b *RedisBroker) countAfter(ctx context.Context, stream, id string) (int64, error) {
	start, err := NextID(id)
	if err != nil {
		return 0, err
	}
	var n int64
	cur := NewCursor(b, stream, start, "+", DefaultPageSize)
	for cur.Next(ctx) {
		n++
	}
	return n, cur.Err()
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

var _ Broker = (*RedisBroker)(nil)
