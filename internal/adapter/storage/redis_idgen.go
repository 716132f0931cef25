package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// idEpoch is 2022-01-01T00:00:00Z.
	idEpoch        int64 = 1640995200
	sequenceBits         = 32
	timestampBits        = 31
	maxSequence          = 1<<sequenceBits - 1
	maxTimestamp         = 1<<timestampBits - 1
	sequenceKeyTTL       = time.Hour
)

// ErrSequenceExhausted means more than 2^32-1 ids were requested for one
// namespace within one second.
var ErrSequenceExhausted = errors.New("id sequence exhausted")

// RedisIDGenerator builds ids as [0 | 31 bits seconds since idEpoch | 32 bits sequence].
// The sequence is a per-namespace, per-second counter in Redis.
type RedisIDGenerator struct {
	client redis.UniversalClient
	log    *logrus.Logger
	now    func() time.Time
}

func NewRedisIDGenerator(client redis.UniversalClient, log *logrus.Logger) *RedisIDGenerator {
	return &RedisIDGenerator{client: client, log: log, now: time.Now}
}

func (g *RedisIDGenerator) NextID(ctx context.Context, namespace string) (int64, error) {
	now := g.now().Unix()
	ts := now - idEpoch
	if ts < 0 {
		return 0, errors.Errorf("clock %d is before id epoch", now)
	}
	if ts > maxTimestamp {
		return 0, errors.Errorf("clock %d is past the %d-bit id timestamp range", now, timestampBits)
	}

	key := fmt.Sprintf("icr:%s:%d", namespace, now)
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, sequenceKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "increment sequence %s", key)
	}

	seq := incr.Val()
	if seq > maxSequence {
		g.log.WithFields(logrus.Fields{"namespace": namespace, "second": now}).
			Error("CRITICAL: id sequence exhausted, refusing to wrap")
		return 0, errors.Wrapf(ErrSequenceExhausted, "namespace %s", namespace)
	}
	return ts<<sequenceBits | seq, nil
}

// IDTime extracts the second an id was generated in.
func IDTime(id int64) time.Time {
	return time.Unix(id>>sequenceBits+idEpoch, 0)
}
