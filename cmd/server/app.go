package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/rl1809/voucher-seckill/internal/adapter/storage"
	"github.com/rl1809/voucher-seckill/internal/cache"
	"github.com/rl1809/voucher-seckill/internal/config"
	"github.com/rl1809/voucher-seckill/internal/core/service"
	"github.com/rl1809/voucher-seckill/internal/logging"
	"github.com/rl1809/voucher-seckill/internal/telemetry"
)

// app holds the connections and services shared by every subcommand.
type app struct {
	cfg config.Config
	log *logrus.Logger

	rdb redis.UniversalClient
	db  *sql.DB

	catalog   *storage.GormCatalog
	stock     *storage.RedisAdapter
	ids       *storage.RedisIDGenerator
	locker    *storage.RedisLocker
	queue     *storage.RedisOrderQueue
	committer *storage.MySQLAdapter
	cache     *cache.Client

	orders   *service.OrderService
	vouchers *service.VoucherService
	shops    *service.ShopService
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	telemetry.InstallPropagator()

	a := &app{cfg: cfg, log: log}

	a.db, err = openMySQL(ctx, cfg.MySQL)
	if err != nil {
		return nil, err
	}
	log.Info("connected to mysql")

	a.rdb, err = openRedis(ctx, cfg.Redis)
	if err != nil {
		a.db.Close()
		return nil, err
	}
	log.WithField("sentinel", len(cfg.Redis.SentinelAddrs) > 0).Info("connected to redis")

	a.catalog, err = storage.OpenGormCatalog(a.db)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.stock = storage.NewRedisAdapter(a.rdb, cfg.Order.Stream)
	a.ids = storage.NewRedisIDGenerator(a.rdb, log)
	a.locker = storage.NewRedisLocker(a.rdb)
	a.queue = storage.NewRedisOrderQueue(a.rdb, cfg.Order.Stream, cfg.Order.Group, cfg.Order.DeadLetterStream)
	a.committer = storage.NewMySQLAdapter(a.db)
	a.cache = cache.NewClient(a.rdb, a.locker, log, cache.Options{
		NullTTL:        cfg.Cache.NullTTL,
		LockTTL:        cfg.Cache.LockTTL,
		MutexRetries:   cfg.Cache.MutexRetries,
		MutexInterval:  cfg.Cache.MutexInterval,
		Jitter:         cfg.Cache.Jitter,
		RebuildWorkers: cfg.Cache.RebuildWorkers,
	})

	a.orders = service.NewOrderService(a.stock, a.ids, log, cfg.RequestTimeout)
	a.vouchers = service.NewVoucherService(a.catalog, a.stock, a.ids, a.cache, cfg.Cache.VoucherTTL, log)
	a.shops = service.NewShopService(a.catalog, a.cache, service.CacheStrategy(cfg.Cache.ShopStrategy), cfg.Cache.ShopTTL, log)
	return a, nil
}

func (a *app) workerConfig() service.WorkerConfig {
	o := a.cfg.Order
	return service.WorkerConfig{
		Consumer:        o.Consumer,
		Block:           o.Block,
		LockTTL:         o.LockTTL,
		CommitTimeout:   o.CommitTimeout,
		RecoverInterval: o.RecoverInterval,
		RecoverBackoff:  o.RecoverBackoff,
		PendingBatch:    o.PendingBatch,
	}
}

// Close waits for background cache rebuilds and then closes the connections.
func (a *app) Close() {
	if a.cache != nil {
		a.cache.Wait()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.WithError(err).Warn("close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("close mysql")
		}
	}
	a.log.Info("connections closed")
}

func openMySQL(ctx context.Context, cfg config.MySQL) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// openRedis returns a sentinel failover client when sentinel addresses are
// configured and a single-node client otherwise.
func openRedis(ctx context.Context, cfg config.Redis) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if len(cfg.SentinelAddrs) > 0 {
		opts.Addrs = cfg.SentinelAddrs
		opts.MasterName = cfg.MasterName
	}
	rdb := redis.NewUniversalClient(opts)

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("instrument redis: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
