package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/voucher-seckill/internal/cache"
	"github.com/rl1809/voucher-seckill/internal/core/domain"
	"github.com/rl1809/voucher-seckill/internal/port"
)

var ErrInvalidVoucher = errors.New("invalid voucher")

const voucherIDNamespace = "voucher"

type VoucherService struct {
	catalog port.CatalogRepository
	stock   port.StockRepository
	ids     port.IDGenerator
	cache   *cache.Client
	ttl     time.Duration
	log     *logrus.Logger
}

func NewVoucherService(catalog port.CatalogRepository, stock port.StockRepository, ids port.IDGenerator, c *cache.Client, ttl time.Duration, log *logrus.Logger) *VoucherService {
	return &VoucherService{
		catalog: catalog,
		stock:   stock,
		ids:     ids,
		cache:   c,
		ttl:     ttl,
		log:     log,
	}
}

func voucherCacheKey(id int64) string {
	return fmt.Sprintf("voucher:%d", id)
}

// Publish persists a new seckill voucher, opens its campaign and warms its
// cache entry. The campaign is overwritten since publication is its only writer.
func (s *VoucherService) Publish(ctx context.Context, v *domain.Voucher) error {
	if v.Stock < 0 || v.BeginTime.IsZero() || !v.EndTime.After(v.BeginTime) {
		return ErrInvalidVoucher
	}
	if v.ID == 0 {
		id, err := s.ids.NextID(ctx, voucherIDNamespace)
		if err != nil {
			return fmt.Errorf("voucher id: %w", err)
		}
		v.ID = id
	}

	if err := s.catalog.CreateVoucher(ctx, v); err != nil {
		return fmt.Errorf("publish voucher: %w", err)
	}
	if _, err := s.stock.LoadCampaign(ctx, *v, true); err != nil {
		return fmt.Errorf("open campaign %d: %w", v.ID, err)
	}
	if err := s.cache.WriteWithLogicalExpiry(ctx, voucherCacheKey(v.ID), v, s.ttl); err != nil {
		s.log.WithError(err).WithField("voucher_id", v.ID).Warn("voucher cache not warmed")
	}

	s.log.WithFields(logrus.Fields{"voucher_id": v.ID, "stock": v.Stock}).Info("seckill voucher published")
	return nil
}

// Prewarm loads every seckill voucher into the detail cache and opens any
// campaign that is not in Redis yet. Live counters are never overwritten.
// It returns how many campaigns were newly opened.
func (s *VoucherService) Prewarm(ctx context.Context) (int, error) {
	vouchers, err := s.catalog.ListSeckillVouchers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list vouchers: %w", err)
	}

	opened := 0
	for _, v := range vouchers {
		if err := s.cache.WriteWithLogicalExpiry(ctx, voucherCacheKey(v.ID), v, s.ttl); err != nil {
			return opened, fmt.Errorf("warm voucher %d: %w", v.ID, err)
		}
		loaded, err := s.stock.LoadCampaign(ctx, v, false)
		if err != nil {
			return opened, fmt.Errorf("open campaign %d: %w", v.ID, err)
		}
		if loaded {
			opened++
		}
	}

	s.log.WithFields(logrus.Fields{"vouchers": len(vouchers), "opened": opened}).Info("prewarm finished")
	return opened, nil
}

// GetVoucher serves voucher detail from the pre-warmed cache. Unwarmed
// vouchers are reported as absent.
func (s *VoucherService) GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error) {
	v, found, err := cache.LogicalExpiry(ctx, s.cache, voucherCacheKey(id), s.ttl, s.loadVoucher(id))
	if err != nil {
		return nil, fmt.Errorf("get voucher %d: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &v, nil
}

func (s *VoucherService) loadVoucher(id int64) cache.Loader[domain.Voucher] {
	return func(ctx context.Context) (domain.Voucher, bool, error) {
		v, err := s.catalog.GetVoucher(ctx, id)
		if err != nil || v == nil {
			return domain.Voucher{}, false, err
		}
		return *v, true, nil
	}
}
