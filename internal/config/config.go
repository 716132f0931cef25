// Package config loads service configuration from defaults, an optional
// config file, SECKILL_* environment variables and bound command flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SECKILL"

type Redis struct {
	Addr          string
	Password      string
	DB            int
	SentinelAddrs []string
	MasterName    string
	PoolSize      int
}

type MySQL struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Order struct {
	Stream           string
	Group            string
	Consumer         string
	Workers          int
	Block            time.Duration
	LockTTL          time.Duration
	CommitTimeout    time.Duration
	RecoverInterval  time.Duration
	RecoverBackoff   time.Duration
	PendingBatch     int64
	DeadLetterStream string
}

type Cache struct {
	NullTTL        time.Duration
	ShopTTL        time.Duration
	VoucherTTL     time.Duration
	ShopStrategy   string
	LockTTL        time.Duration
	MutexRetries   int
	MutexInterval  time.Duration
	Jitter         time.Duration
	RebuildWorkers int
}

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	RequestTimeout time.Duration
	JWTSecret      string
	LogLevel       string
	LogFormat      string

	Redis Redis
	MySQL MySQL
	Order Order
	Cache Cache
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("request.timeout", 500*time.Millisecond)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.sentinel_addrs", []string{})
	v.SetDefault("redis.master_name", "mymaster")
	v.SetDefault("redis.pool_size", 100)

	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/seckill?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("order.stream", "stream.orders")
	v.SetDefault("order.group", "g1")
	v.SetDefault("order.consumer", host)
	v.SetDefault("order.workers", 1)
	v.SetDefault("order.block", 2*time.Second)
	v.SetDefault("order.lock_ttl", 10*time.Second)
	v.SetDefault("order.commit_timeout", 5*time.Second)
	v.SetDefault("order.recover_interval", time.Minute)
	v.SetDefault("order.recover_backoff", 20*time.Millisecond)
	v.SetDefault("order.pending_batch", 10)
	v.SetDefault("order.dead_letter_stream", "stream.orders.dlq")

	v.SetDefault("cache.null_ttl", 2*time.Minute)
	v.SetDefault("cache.shop_ttl", 30*time.Minute)
	v.SetDefault("cache.voucher_ttl", 30*time.Minute)
	v.SetDefault("cache.shop_strategy", "passthrough")
	v.SetDefault("cache.lock_ttl", 10*time.Second)
	v.SetDefault("cache.mutex_retries", 50)
	v.SetDefault("cache.mutex_interval", 50*time.Millisecond)
	v.SetDefault("cache.jitter", time.Minute)
	v.SetDefault("cache.rebuild_workers", 10)
}

// Load reads the optional config file named by the "config" key and returns
// the validated configuration.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:       v.GetString("http.addr"),
		GRPCAddr:       v.GetString("grpc.addr"),
		RequestTimeout: v.GetDuration("request.timeout"),
		JWTSecret:      v.GetString("auth.jwt_secret"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		Redis: Redis{
			Addr:          v.GetString("redis.addr"),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			SentinelAddrs: nonEmpty(v.GetStringSlice("redis.sentinel_addrs")),
			MasterName:    v.GetString("redis.master_name"),
			PoolSize:      v.GetInt("redis.pool_size"),
		},
		MySQL: MySQL{
			DSN:             v.GetString("mysql.dsn"),
			MaxOpenConns:    v.GetInt("mysql.max_open_conns"),
			MaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
		},
		Order: Order{
			Stream:           v.GetString("order.stream"),
			Group:            v.GetString("order.group"),
			Consumer:         v.GetString("order.consumer"),
			Workers:          v.GetInt("order.workers"),
			Block:            v.GetDuration("order.block"),
			LockTTL:          v.GetDuration("order.lock_ttl"),
			CommitTimeout:    v.GetDuration("order.commit_timeout"),
			RecoverInterval:  v.GetDuration("order.recover_interval"),
			RecoverBackoff:   v.GetDuration("order.recover_backoff"),
			PendingBatch:     v.GetInt64("order.pending_batch"),
			DeadLetterStream: v.GetString("order.dead_letter_stream"),
		},
		Cache: Cache{
			NullTTL:        v.GetDuration("cache.null_ttl"),
			ShopTTL:        v.GetDuration("cache.shop_ttl"),
			VoucherTTL:     v.GetDuration("cache.voucher_ttl"),
			ShopStrategy:   v.GetString("cache.shop_strategy"),
			LockTTL:        v.GetDuration("cache.lock_ttl"),
			MutexRetries:   v.GetInt("cache.mutex_retries"),
			MutexInterval:  v.GetDuration("cache.mutex_interval"),
			Jitter:         v.GetDuration("cache.jitter"),
			RebuildWorkers: v.GetInt("cache.rebuild_workers"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Order.Stream == "" || c.Order.Group == "" || c.Order.Consumer == "":
		return fmt.Errorf("order.stream, order.group and order.consumer must be set")
	case c.Order.Stream == c.Order.DeadLetterStream:
		return fmt.Errorf("order.dead_letter_stream must differ from order.stream")
	case c.Order.Workers < 1:
		return fmt.Errorf("order.workers must be at least 1")
	case c.Order.PendingBatch < 1:
		return fmt.Errorf("order.pending_batch must be at least 1")
	case c.Cache.MutexRetries < 1:
		return fmt.Errorf("cache.mutex_retries must be at least 1")
	case c.Cache.Jitter < 0:
		return fmt.Errorf("cache.jitter must not be negative")
	}

	positive := map[string]time.Duration{
		"request.timeout":        c.RequestTimeout,
		"order.block":            c.Order.Block,
		"order.lock_ttl":         c.Order.LockTTL,
		"order.commit_timeout":   c.Order.CommitTimeout,
		"order.recover_interval": c.Order.RecoverInterval,
		"order.recover_backoff":  c.Order.RecoverBackoff,
		"cache.null_ttl":         c.Cache.NullTTL,
		"cache.shop_ttl":         c.Cache.ShopTTL,
		"cache.voucher_ttl":      c.Cache.VoucherTTL,
		"cache.lock_ttl":         c.Cache.LockTTL,
		"cache.mutex_interval":   c.Cache.MutexInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	switch c.Cache.ShopStrategy {
	case "passthrough", "mutex", "logical":
	default:
		return fmt.Errorf("unknown cache.shop_strategy %q", c.Cache.ShopStrategy)
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
