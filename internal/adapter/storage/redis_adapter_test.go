package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

const testStream = "stream.orders"

func getRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func openCampaign(t *testing.T, adapter *RedisAdapter, id int64, stock int) {
	t.Helper()
	now := time.Now()
	_, err := adapter.LoadCampaign(context.Background(), domain.Voucher{
		ID:        id,
		Stock:     stock,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	}, true)
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
}

func allocReq(voucherID, userID int64) domain.AllocationRequest {
	return domain.AllocationRequest{
		VoucherID:          voucherID,
		UserID:             userID,
		OrderID:            userID * 1000,
		RequestTimestampMs: time.Now().UnixMilli(),
	}
}

func TestAllocate_Accepted(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	openCampaign(t, adapter, 7, 10)

	req := allocReq(7, 42)
	req.TraceCtx = map[string]string{"traceparent": "00-abc-def-01"}
	result, err := adapter.Allocate(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != domain.AllocationAccepted {
		t.Fatalf("expected accepted, got %s", result)
	}

	stock, _ := adapter.Stock(ctx, 7)
	if stock != 9 {
		t.Errorf("expected stock 9, got %d", stock)
	}
	member, _ := client.SIsMember(ctx, orderedKey(7), "42").Result()
	if !member {
		t.Error("expected user in ordered set")
	}

	entries, err := client.XRange(ctx, testStream, "-", "+").Result()
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d (%v)", len(entries), err)
	}
	msg := decodeMessage(entries[0])
	if msg.Err != nil {
		t.Fatalf("decode: %v", msg.Err)
	}
	if msg.Item.OrderID != 42000 || msg.Item.UserID != 42 || msg.Item.VoucherID != 7 {
		t.Errorf("unexpected item %+v", msg.Item)
	}
	if msg.Item.EnqueuedAt != req.RequestTimestampMs {
		t.Errorf("expected enqueuedAt %d, got %d", req.RequestTimestampMs, msg.Item.EnqueuedAt)
	}
	if msg.Item.TraceCtx["traceparent"] != "00-abc-def-01" {
		t.Errorf("trace context not carried: %v", msg.Item.TraceCtx)
	}
}

func TestAllocate_DuplicateOrder(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	openCampaign(t, adapter, 1, 10)

	if r, _ := adapter.Allocate(ctx, allocReq(1, 5)); r != domain.AllocationAccepted {
		t.Fatalf("first request: %s", r)
	}
	r, err := adapter.Allocate(ctx, allocReq(1, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != domain.AllocationDuplicateOrder {
		t.Errorf("expected duplicate_order, got %s", r)
	}

	stock, _ := adapter.Stock(ctx, 1)
	if stock != 9 {
		t.Errorf("duplicate must not consume stock, got %d", stock)
	}
	if n, _ := client.XLen(ctx, testStream).Result(); n != 1 {
		t.Errorf("expected 1 stream entry, got %d", n)
	}
}

func TestAllocate_InsufficientStockBeforeDuplicate(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	openCampaign(t, adapter, 1, 1)

	adapter.Allocate(ctx, allocReq(1, 5))

	// Same user again after sellout sees the stock outcome first.
	r, _ := adapter.Allocate(ctx, allocReq(1, 5))
	if r != domain.AllocationInsufficientStock {
		t.Errorf("expected insufficient_stock, got %s", r)
	}
}

func TestAllocate_Window(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)

	now := time.Now()
	adapter.LoadCampaign(ctx, domain.Voucher{ID: 2, Stock: 5, BeginTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)}, true)
	adapter.LoadCampaign(ctx, domain.Voucher{ID: 3, Stock: 5, BeginTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)}, true)
	// Zero stock and not started: the window check wins.
	adapter.LoadCampaign(ctx, domain.Voucher{ID: 4, Stock: 0, BeginTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)}, true)

	tests := []struct {
		voucher int64
		want    domain.AllocationResult
	}{
		{2, domain.AllocationNotStarted},
		{3, domain.AllocationEnded},
		{4, domain.AllocationNotStarted},
	}
	for _, tt := range tests {
		got, err := adapter.Allocate(ctx, allocReq(tt.voucher, 9))
		if err != nil {
			t.Fatalf("voucher %d: %v", tt.voucher, err)
		}
		if got != tt.want {
			t.Errorf("voucher %d: expected %s, got %s", tt.voucher, tt.want, got)
		}
	}

	if n, _ := client.XLen(ctx, testStream).Result(); n != 0 {
		t.Errorf("rejected requests must not enqueue, got %d entries", n)
	}
	if stock, _ := adapter.Stock(ctx, 2); stock != 5 {
		t.Errorf("rejected requests must not touch stock, got %d", stock)
	}
}

func TestAllocate_CampaignNotLoaded(t *testing.T) {
	_, client := getRedisClient(t)
	adapter := NewRedisAdapter(client, testStream)

	r, err := adapter.Allocate(context.Background(), allocReq(99, 1))
	if !errors.Is(err, ErrCampaignNotLoaded) {
		t.Fatalf("expected ErrCampaignNotLoaded, got %v", err)
	}
	if r != domain.AllocationInternalError {
		t.Errorf("expected internal_error, got %s", r)
	}
}

func TestAllocate_NoOversell(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	openCampaign(t, adapter, 1, 10)

	var accepted, soldOut atomic.Int32
	var wg sync.WaitGroup
	for u := int64(1); u <= 50; u++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			r, err := adapter.Allocate(ctx, allocReq(1, user))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			switch r {
			case domain.AllocationAccepted:
				accepted.Add(1)
			case domain.AllocationInsufficientStock:
				soldOut.Add(1)
			default:
				t.Errorf("unexpected result %s", r)
			}
		}(u)
	}
	wg.Wait()

	if accepted.Load() != 10 || soldOut.Load() != 40 {
		t.Errorf("expected 10 accepted / 40 sold out, got %d / %d", accepted.Load(), soldOut.Load())
	}
	if stock, _ := adapter.Stock(ctx, 1); stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}
	if n, _ := client.SCard(ctx, orderedKey(1)).Result(); n != 10 {
		t.Errorf("expected 10 buyers, got %d", n)
	}
	if n, _ := client.XLen(ctx, testStream).Result(); n != 10 {
		t.Errorf("expected 10 stream entries, got %d", n)
	}
}

func TestAllocate_SameUserConcurrent(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	openCampaign(t, adapter, 1, 100)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, _ := adapter.Allocate(ctx, allocReq(1, 77)); r == domain.AllocationAccepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("expected exactly 1 accepted, got %d", accepted.Load())
	}
	if stock, _ := adapter.Stock(ctx, 1); stock != 99 {
		t.Errorf("expected stock 99, got %d", stock)
	}
}

func TestLoadCampaign_Overwrite(t *testing.T) {
	_, client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, testStream)
	now := time.Now()
	v := domain.Voucher{ID: 1, Stock: 10, BeginTime: now, EndTime: now.Add(time.Hour)}

	loaded, err := adapter.LoadCampaign(ctx, v, false)
	if err != nil || !loaded {
		t.Fatalf("expected first load, got %v %v", loaded, err)
	}

	v.Stock = 50
	loaded, err = adapter.LoadCampaign(ctx, v, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded {
		t.Error("expected existing campaign to be kept")
	}
	if stock, _ := adapter.Stock(ctx, 1); stock != 10 {
		t.Errorf("expected stock 10, got %d", stock)
	}

	if loaded, _ = adapter.LoadCampaign(ctx, v, true); !loaded {
		t.Error("expected overwrite")
	}
	if stock, _ := adapter.Stock(ctx, 1); stock != 50 {
		t.Errorf("expected stock 50, got %d", stock)
	}
}
