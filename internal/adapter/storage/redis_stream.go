package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

// RedisOrderQueue is the consumer side of the order stream the allocation
// script appends to.
type RedisOrderQueue struct {
	client     redis.UniversalClient
	stream     string
	group      string
	deadLetter string
}

func NewRedisOrderQueue(client redis.UniversalClient, stream, group, deadLetter string) *RedisOrderQueue {
	return &RedisOrderQueue{
		client:     client,
		stream:     stream,
		group:      group,
		deadLetter: deadLetter,
	}
}

// EnsureGroup creates the stream and its consumer group if missing. The group
// starts at the beginning of the stream so entries appended before the first
// worker came up are still delivered.
func (q *RedisOrderQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create group %s on %s", q.group, q.stream)
	}
	return nil
}

// ReadNew blocks up to block for one undelivered entry. It returns nil, nil on timeout.
func (q *RedisOrderQueue) ReadNew(ctx context.Context, consumer string, block time.Duration) (*domain.QueueMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read order stream")
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			msg := decodeMessage(m)
			return &msg, nil
		}
	}
	return nil, nil
}

// ReadPending returns up to count entries delivered to consumer but not yet
// acknowledged, with ids strictly greater than after. An empty after starts
// from the beginning of the pending list.
func (q *RedisOrderQueue) ReadPending(ctx context.Context, consumer, after string, count int64) ([]domain.QueueMessage, error) {
	if after == "" {
		after = "0"
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, after},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read pending entries")
	}

	var out []domain.QueueMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, decodeMessage(m))
		}
	}
	return out, nil
}

func (q *RedisOrderQueue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return errors.Wrapf(err, "ack %v", ids)
	}
	return nil
}

// DeadLetter copies an entry that can never be processed to the dead letter
// stream. The caller acknowledges the original afterwards.
func (q *RedisOrderQueue) DeadLetter(ctx context.Context, msg domain.QueueMessage, reason string) error {
	payload, err := json.Marshal(msg.Values)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", msg.Values))
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadLetter,
		Values: map[string]interface{}{
			"original_stream": q.stream,
			"group":           q.group,
			"msg_id":          msg.ID,
			"payload":         string(payload),
			"error_reason":    reason,
			"created_at":      time.Now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "dead letter %s", msg.ID)
	}
	return nil
}

// Len reports the number of entries in the order stream.
func (q *RedisOrderQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, errors.Wrap(err, "stream length")
	}
	return n, nil
}

func decodeMessage(m redis.XMessage) domain.QueueMessage {
	msg := domain.QueueMessage{ID: m.ID, Values: m.Values}

	var item domain.QueueItem
	fields := []struct {
		name string
		dst  *int64
	}{
		{"id", &item.OrderID},
		{"userId", &item.UserID},
		{"voucherId", &item.VoucherID},
		{"enqueuedAt", &item.EnqueuedAt},
	}
	for _, f := range fields {
		v, err := int64Field(m.Values, f.name)
		if err != nil {
			msg.Err = err
			return msg
		}
		*f.dst = v
	}

	if raw, ok := m.Values["traceCtx"].(string); ok && raw != "" {
		// Trace context is best effort; a broken carrier never fails the order.
		_ = json.Unmarshal([]byte(raw), &item.TraceCtx)
	}

	msg.Item = item
	return msg
}

func int64Field(values map[string]interface{}, name string) (int64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("field %q missing", name)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("field %q has type %T", name, raw)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return v, nil
}
