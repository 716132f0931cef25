package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Order.Stream != "stream.orders" || cfg.Order.Group != "g1" {
		t.Errorf("unexpected stream config %+v", cfg.Order)
	}
	if cfg.Order.Block != 2*time.Second || cfg.Order.RecoverBackoff != 20*time.Millisecond {
		t.Errorf("unexpected worker timings %+v", cfg.Order)
	}
	if cfg.RequestTimeout != 500*time.Millisecond {
		t.Errorf("expected request timeout 500ms, got %s", cfg.RequestTimeout)
	}
	if cfg.Cache.MutexRetries != 50 || cfg.Cache.ShopStrategy != "passthrough" {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Order.Consumer == "" {
		t.Error("expected consumer defaulted from hostname")
	}
	if len(cfg.Redis.SentinelAddrs) != 0 {
		t.Errorf("expected no sentinels, got %v", cfg.Redis.SentinelAddrs)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SECKILL_ORDER_GROUP", "g2")
	t.Setenv("SECKILL_ORDER_WORKERS", "4")
	t.Setenv("SECKILL_CACHE_SHOP_STRATEGY", "mutex")
	t.Setenv("SECKILL_REQUEST_TIMEOUT", "1s")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Order.Group != "g2" || cfg.Order.Workers != 4 {
		t.Errorf("env not applied: %+v", cfg.Order)
	}
	if cfg.Cache.ShopStrategy != "mutex" {
		t.Errorf("expected mutex strategy, got %s", cfg.Cache.ShopStrategy)
	}
	if cfg.RequestTimeout != time.Second {
		t.Errorf("expected 1s, got %s", cfg.RequestTimeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seckill.yaml")
	data := "order:\n  stream: stream.test\n  pending_batch: 25\nredis:\n  sentinel_addrs: [\"10.0.0.1:26379\", \"10.0.0.2:26379\"]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	v := New()
	v.Set("config", path)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Order.Stream != "stream.test" || cfg.Order.PendingBatch != 25 {
		t.Errorf("file not applied: %+v", cfg.Order)
	}
	if len(cfg.Redis.SentinelAddrs) != 2 {
		t.Errorf("expected 2 sentinels, got %v", cfg.Redis.SentinelAddrs)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"cache.shop_strategy", "lru", "shop_strategy"},
		{"order.group", "", "order.group"},
		{"order.block", "0s", "order.block"},
		{"order.workers", "0", "order.workers"},
		{"order.dead_letter_stream", "stream.orders", "dead_letter_stream"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
