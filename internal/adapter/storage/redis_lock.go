package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// unlockScript deletes the lock only when it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock. Tokens are unique per process and per
// acquisition, so a holder whose lock expired can never release the next
// holder's lock. There is no renewal: the TTL must outlast the critical section.
type RedisLocker struct {
	client  redis.UniversalClient
	ownerID string
	seq     atomic.Uint64
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client:  client,
		ownerID: uuid.NewString(),
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := fmt.Sprintf("%s-%d", l.ownerID, l.seq.Add(1))

	ok, err := l.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire lock %s", name)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, name, token string) (bool, error) {
	deleted, err := unlockScript.Run(ctx, l.client, []string{lockKeyPrefix + name}, token).Int()
	if err != nil {
		return false, errors.Wrapf(err, "release lock %s", name)
	}
	return deleted == 1, nil
}
