package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rl1809/voucher-seckill/internal/adapter/storage"
	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

const flowStream = "stream.orders"

type flowEnv struct {
	rdb     *redis.Client
	stock   *storage.RedisAdapter
	ids     *storage.RedisIDGenerator
	locker  *storage.RedisLocker
	queue   *storage.RedisOrderQueue
	service *OrderService
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, _ := test.NewNullLogger()
	env := &flowEnv{
		rdb:    rdb,
		stock:  storage.NewRedisAdapter(rdb, flowStream),
		ids:    storage.NewRedisIDGenerator(rdb, log),
		locker: storage.NewRedisLocker(rdb),
		queue:  storage.NewRedisOrderQueue(rdb, flowStream, "g1", flowStream+".dlq"),
	}
	env.service = NewOrderService(env.stock, env.ids, log, time.Second)
	if err := env.queue.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return env
}

func (e *flowEnv) openCampaign(t *testing.T, voucherID int64, stock int) {
	t.Helper()
	now := time.Now()
	_, err := e.stock.LoadCampaign(context.Background(), domain.Voucher{
		ID: voucherID, Stock: stock, BeginTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	}, true)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
}

func (e *flowEnv) worker(committer *mockCommitter, consumer string) *OrderWorker {
	log, _ := test.NewNullLogger()
	cfg := testWorkerConfig(consumer)
	cfg.Block = 10 * time.Millisecond
	return NewOrderWorker(e.queue, e.locker, committer, log, cfg)
}

func TestFlow_FiftyUsersTenUnits(t *testing.T) {
	env := newFlowEnv(t)
	env.openCampaign(t, 1, 10)

	var mu sync.Mutex
	accepted := map[int64]int64{}
	soldOut := 0

	var wg sync.WaitGroup
	for u := int64(1); u <= 50; u++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			orderID, err := env.service.Seckill(userCtx(user), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted[user] = orderID
			case errors.Is(err, ErrInsufficientStock):
				soldOut++
			default:
				t.Errorf("user %d: unexpected error %v", user, err)
			}
		}(u)
	}
	wg.Wait()

	if len(accepted) != 10 || soldOut != 40 {
		t.Fatalf("expected 10 accepted / 40 sold out, got %d / %d", len(accepted), soldOut)
	}
	if n, _ := env.rdb.XLen(context.Background(), flowStream).Result(); n != 10 {
		t.Errorf("expected 10 queue items, got %d", n)
	}

	committer := newMockCommitter()
	stop := startWorker(t, env.worker(committer, "c-0"))
	waitFor(t, "10 orders", func() bool { return committer.count() == 10 })
	stop()

	for user, orderID := range accepted {
		o, ok := committer.orders[orderID]
		if !ok {
			t.Errorf("order %d for user %d not committed", orderID, user)
			continue
		}
		if o.UserID != user || o.VoucherID != 1 {
			t.Errorf("order %d: unexpected %+v", orderID, o)
		}
	}

	pending, _ := env.queue.ReadPending(context.Background(), "c-0", "", 100)
	if len(pending) != 0 {
		t.Errorf("expected all entries acked, %d pending", len(pending))
	}
}

func TestFlow_OneUserConcurrentRequests(t *testing.T) {
	env := newFlowEnv(t)
	env.openCampaign(t, 1, 5)

	var mu sync.Mutex
	results := map[error]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.Seckill(userCtx(42), 1)
			mu.Lock()
			results[err]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if results[nil] != 1 || results[ErrDuplicateOrder] != 2 {
		t.Errorf("expected 1 accepted and 2 duplicates, got %v", results)
	}
	if stock, _ := env.stock.Stock(context.Background(), 1); stock != 4 {
		t.Errorf("expected stock 4, got %d", stock)
	}
}

func TestFlow_CrashBeforeAckRecoversOnRestart(t *testing.T) {
	env := newFlowEnv(t)
	env.openCampaign(t, 1, 10)
	ctx := context.Background()

	orderID, err := env.service.Seckill(userCtx(7), 1)
	if err != nil {
		t.Fatalf("seckill: %v", err)
	}

	// A worker named c-0 read the entry, committed it and died before acking.
	msg, err := env.queue.ReadNew(ctx, "c-0", 10*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("deliver: %v %v", msg, err)
	}
	committer := newMockCommitter()
	committer.CommitOrder(ctx, msg.Item.ToOrder())

	stop := startWorker(t, env.worker(committer, "c-0"))
	waitFor(t, "pending entry acked", func() bool {
		pending, _ := env.queue.ReadPending(ctx, "c-0", "", 10)
		return len(pending) == 0
	})
	stop()

	if committer.count() != 1 {
		t.Errorf("expected exactly 1 order, got %d", committer.count())
	}
	if _, ok := committer.orders[orderID]; !ok {
		t.Errorf("order %d missing", orderID)
	}
	if committer.calls != 2 {
		t.Errorf("expected redelivery to reach the committer, got %d calls", committer.calls)
	}
}

func TestFlow_FailingCommitterEventuallySucceeds(t *testing.T) {
	env := newFlowEnv(t)
	env.openCampaign(t, 1, 10)

	for u := int64(1); u <= 3; u++ {
		if _, err := env.service.Seckill(userCtx(u), 1); err != nil {
			t.Fatalf("seckill: %v", err)
		}
	}

	committer := newMockCommitter()
	committer.failures = 4
	stop := startWorker(t, env.worker(committer, "c-0"))
	waitFor(t, "3 orders", func() bool { return committer.count() == 3 })
	waitFor(t, "pending drained", func() bool {
		pending, _ := env.queue.ReadPending(context.Background(), "c-0", "", 10)
		return len(pending) == 0
	})
	stop()
}
