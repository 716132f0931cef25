package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/rl1809/voucher-seckill/internal/adapter/storage"
	"github.com/rl1809/voucher-seckill/internal/core/domain"
	"github.com/rl1809/voucher-seckill/internal/core/identity"
	"github.com/rl1809/voucher-seckill/internal/core/service"
	"github.com/rl1809/voucher-seckill/internal/logging"
)

const (
	streamKey     = "stream.stress"
	groupName     = "stress"
	deadLetterKey = "stream.stress.dlq"
)

func main() {
	redisAddr := pflag.String("redis-addr", "localhost:6379", "redis address")
	mysqlDSN := pflag.String("mysql-dsn", "", "when set, run order workers and verify persisted orders")
	stock := pflag.Int("stock", 20, "campaign stock")
	users := pflag.Int("users", 50, "concurrent users, one request each")
	repeat := pflag.Int("repeat", 1, "requests per user")
	drainTimeout := pflag.Duration("drain-timeout", 30*time.Second, "how long to wait for workers to persist every order")
	pflag.Parse()

	log, err := logging.New("warn", "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if !run(log, *redisAddr, *mysqlDSN, *stock, *users, *repeat, *drainTimeout) {
		os.Exit(1)
	}
}

func run(log *logrus.Logger, redisAddr, mysqlDSN string, stock, users, repeat int, drainTimeout time.Duration) bool {
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, PoolSize: 200})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	// Clear previous run
	rdb.Del(ctx, streamKey, deadLetterKey)

	stockRepo := storage.NewRedisAdapter(rdb, streamKey)
	ids := storage.NewRedisIDGenerator(rdb, log)
	queue := storage.NewRedisOrderQueue(rdb, streamKey, groupName, deadLetterKey)
	if err := queue.EnsureGroup(ctx); err != nil {
		log.Fatalf("failed to create group: %v", err)
	}

	// A fresh voucher id per run keeps earlier buyers out of the duplicate set.
	voucherID, err := ids.NextID(ctx, "voucher")
	if err != nil {
		log.Fatalf("failed to allocate voucher id: %v", err)
	}
	now := time.Now()
	voucher := domain.Voucher{
		ID:        voucherID,
		Stock:     stock,
		BeginTime: now.Add(-time.Minute),
		EndTime:   now.Add(time.Hour),
	}
	if _, err := stockRepo.LoadCampaign(ctx, voucher, true); err != nil {
		log.Fatalf("failed to load campaign: %v", err)
	}

	orderService := service.NewOrderService(stockRepo, ids, log, 5*time.Second)

	var accepted, soldOut, duplicate, failed atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			uctx := identity.WithUserID(ctx, userID)
			for r := 0; r < repeat; r++ {
				_, err := orderService.Seckill(uctx, voucherID)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, service.ErrInsufficientStock):
					soldOut.Add(1)
				case errors.Is(err, service.ErrDuplicateOrder):
					duplicate.Add(1)
				default:
					failed.Add(1)
				}
			}
		}(int64(i + 1))
	}

	wg.Wait()
	elapsed := time.Since(start)

	expected := min(stock, users)
	streamLen, _ := queue.Len(ctx)
	finalStock, _ := stockRepo.Stock(ctx, voucherID)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Voucher:          %d\n", voucherID)
	fmt.Printf("Initial Stock:    %d\n", stock)
	fmt.Printf("Total Requests:   %d\n", users*repeat)
	fmt.Printf("Accepted:         %d\n", accepted.Load())
	fmt.Printf("Sold Out:         %d\n", soldOut.Load())
	fmt.Printf("Duplicate:        %d\n", duplicate.Load())
	fmt.Printf("Internal Errors:  %d\n", failed.Load())
	fmt.Printf("Stream Length:    %d\n", streamLen)
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	check := func(cond bool, format string, args ...interface{}) {
		if cond {
			fmt.Printf("PASS: "+format+"\n", args...)
		} else {
			fmt.Printf("FAIL: "+format+"\n", args...)
			ok = false
		}
	}
	check(int(accepted.Load()) == expected, "%d accepted (got %d)", expected, accepted.Load())
	check(streamLen == int64(accepted.Load()), "stream holds one entry per accepted order (%d)", streamLen)
	check(finalStock == stock-expected, "remaining stock %d", stock-expected)
	check(failed.Load() == 0, "no internal errors")

	if mysqlDSN != "" {
		ok = verifyPersisted(ctx, log, mysqlDSN, queue, storage.NewRedisLocker(rdb), voucherID, int64(accepted.Load()), drainTimeout) && ok
	}
	return ok
}

// verifyPersisted runs a worker pool against the stress stream until every
// accepted order is in MySQL or the timeout passes.
func verifyPersisted(ctx context.Context, log *logrus.Logger, dsn string, queue *storage.RedisOrderQueue, locker *storage.RedisLocker, voucherID, want int64, timeout time.Duration) bool {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	committer := storage.NewMySQLAdapter(db)

	workerCtx, stop := context.WithCancel(ctx)
	pool := service.NewPool(4, queue, locker, committer, log, service.WorkerConfig{
		Consumer:        "stress",
		Block:           200 * time.Millisecond,
		LockTTL:         10 * time.Second,
		CommitTimeout:   5 * time.Second,
		RecoverInterval: time.Second,
		RecoverBackoff:  20 * time.Millisecond,
		PendingBatch:    10,
	})
	done := make(chan error, 1)
	go func() { done <- pool.Run(workerCtx) }()
	defer func() {
		stop()
		<-done
	}()

	deadline := time.Now().Add(timeout)
	var got int64
	for time.Now().Before(deadline) {
		got, err = committer.CountOrders(ctx, voucherID)
		if err == nil && got == want {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if got == want {
		fmt.Printf("PASS: %d orders persisted\n", got)
		return true
	}
	fmt.Printf("FAIL: expected %d persisted orders, got %d (last error: %v)\n", want, got, err)
	return false
}
