package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

const (
	campaignKeyPrefix = "seckill:voucher:"
	orderedKeyPrefix  = "seckill:order:"
)

// ErrCampaignNotLoaded is returned when a voucher has no campaign in the store.
var ErrCampaignNotLoaded = errors.New("campaign not loaded")

// allocateScript decides one allocation request. Checks short-circuit in
// order: window start, window end, stock, duplicate user. Only the accepting
// branch mutates anything.
var allocateScript = redis.NewScript(`
local campaign = KEYS[1]
local ordered = KEYS[2]
local stream = KEYS[3]

local voucherId = ARGV[1]
local userId = ARGV[2]
local orderId = ARGV[3]
local now = tonumber(ARGV[4])

local fields = redis.call('HMGET', campaign, 'stock', 'begin', 'end')
if not fields[1] then
	return -1
end

if now < tonumber(fields[2]) then
	return 3
end
if now > tonumber(fields[3]) then
	return 4
end
if tonumber(fields[1]) <= 0 then
	return 1
end
if redis.call('SISMEMBER', ordered, userId) == 1 then
	return 2
end

redis.call('HINCRBY', campaign, 'stock', -1)
redis.call('SADD', ordered, userId)
redis.call('XADD', stream, '*',
	'id', orderId,
	'userId', userId,
	'voucherId', voucherId,
	'enqueuedAt', ARGV[4],
	'traceCtx', ARGV[5])
return 0
`)

var loadCampaignScript = redis.NewScript(`
if ARGV[4] == '0' and redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'stock', ARGV[1], 'begin', ARGV[2], 'end', ARGV[3])
return 1
`)

type RedisAdapter struct {
	client    redis.UniversalClient
	streamKey string
}

func NewRedisAdapter(client redis.UniversalClient, streamKey string) *RedisAdapter {
	return &RedisAdapter{client: client, streamKey: streamKey}
}

func (r *RedisAdapter) Allocate(ctx context.Context, req domain.AllocationRequest) (domain.AllocationResult, error) {
	traceCtx := ""
	if len(req.TraceCtx) > 0 {
		b, err := json.Marshal(req.TraceCtx)
		if err != nil {
			return domain.AllocationInternalError, errors.Wrap(err, "encode trace context")
		}
		traceCtx = string(b)
	}

	keys := []string{campaignKey(req.VoucherID), orderedKey(req.VoucherID), r.streamKey}
	code, err := allocateScript.Run(ctx, r.client, keys,
		req.VoucherID, req.UserID, req.OrderID, req.RequestTimestampMs, traceCtx,
	).Int64()
	if err != nil {
		return domain.AllocationInternalError, errors.Wrapf(err, "allocate voucher %d", req.VoucherID)
	}

	if code == -1 {
		return domain.AllocationInternalError, errors.Wrapf(ErrCampaignNotLoaded, "voucher %d", req.VoucherID)
	}
	result, ok := domain.ParseAllocationCode(code)
	if !ok {
		return domain.AllocationInternalError, fmt.Errorf("unexpected allocation code %d", code)
	}
	return result, nil
}

func (r *RedisAdapter) LoadCampaign(ctx context.Context, voucher domain.Voucher, overwrite bool) (bool, error) {
	flag := "0"
	if overwrite {
		flag = "1"
	}

	loaded, err := loadCampaignScript.Run(ctx, r.client, []string{campaignKey(voucher.ID)},
		voucher.Stock, voucher.BeginTime.UnixMilli(), voucher.EndTime.UnixMilli(), flag,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "load campaign %d", voucher.ID)
	}
	return loaded == 1, nil
}

// Stock reads the live stock counter of a loaded campaign.
func (r *RedisAdapter) Stock(ctx context.Context, voucherID int64) (int, error) {
	stock, err := r.client.HGet(ctx, campaignKey(voucherID), "stock").Int()
	if errors.Is(err, redis.Nil) {
		return 0, errors.Wrapf(ErrCampaignNotLoaded, "voucher %d", voucherID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read stock %d", voucherID)
	}
	return stock, nil
}

func campaignKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", campaignKeyPrefix, voucherID)
}

func orderedKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", orderedKeyPrefix, voucherID)
}
