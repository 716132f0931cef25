package port

import (
	"context"
	"time"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

type StockRepository interface {
	// Allocate runs the atomic allocation decision for one request
	Allocate(ctx context.Context, req domain.AllocationRequest) (domain.AllocationResult, error)

	// LoadCampaign stores a voucher's stock and window in the store. Without
	// overwrite it leaves an already loaded campaign untouched.
	LoadCampaign(ctx context.Context, voucher domain.Voucher, overwrite bool) (bool, error)
}

type IDGenerator interface {
	// NextID returns a roughly time-ordered unique id for the namespace
	NextID(ctx context.Context, namespace string) (int64, error)
}

type Locker interface {
	// TryAcquire never blocks; ok is false under contention
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)

	// Release deletes the lock only while it is still held by token
	Release(ctx context.Context, name, token string) (bool, error)
}

type OrderQueue interface {
	// EnsureGroup creates the stream and consumer group if missing
	EnsureGroup(ctx context.Context) error

	// ReadNew blocks up to block for one undelivered item; nil when none arrived
	ReadNew(ctx context.Context, consumer string, block time.Duration) (*domain.QueueMessage, error)

	// ReadPending returns entries delivered to consumer but not acknowledged, with ids after "after"
	ReadPending(ctx context.Context, consumer, after string, count int64) ([]domain.QueueMessage, error)

	Ack(ctx context.Context, ids ...string) error

	// DeadLetter copies an undecodable entry aside so it can be acknowledged
	DeadLetter(ctx context.Context, msg domain.QueueMessage, reason string) error
}
