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

var ErrInvalidShop = errors.New("invalid shop")

type CacheStrategy string

const (
	StrategyPassThrough CacheStrategy = "passthrough"
	StrategyMutex       CacheStrategy = "mutex"
	StrategyLogical     CacheStrategy = "logical"
)

func (s CacheStrategy) Valid() bool {
	switch s {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
		return true
	}
	return false
}

type ShopService struct {
	catalog  port.CatalogRepository
	cache    *cache.Client
	strategy CacheStrategy
	ttl      time.Duration
	log      *logrus.Logger
}

func NewShopService(catalog port.CatalogRepository, c *cache.Client, strategy CacheStrategy, ttl time.Duration, log *logrus.Logger) *ShopService {
	return &ShopService{
		catalog:  catalog,
		cache:    c,
		strategy: strategy,
		ttl:      ttl,
		log:      log,
	}
}

func shopCacheKey(id int64) string {
	return fmt.Sprintf("shop:%d", id)
}

// GetShop returns the shop or nil when it does not exist.
func (s *ShopService) GetShop(ctx context.Context, id int64) (*domain.Shop, error) {
	key := shopCacheKey(id)
	load := s.loadShop(id)

	var (
		shop  domain.Shop
		found bool
		err   error
	)
	switch s.strategy {
	case StrategyMutex:
		shop, found, err = cache.Mutex(ctx, s.cache, key, s.ttl, load)
	case StrategyLogical:
		shop, found, err = cache.LogicalExpiry(ctx, s.cache, key, s.ttl, load)
	default:
		shop, found, err = cache.PassThrough(ctx, s.cache, key, s.ttl, load)
	}
	if err != nil {
		return nil, fmt.Errorf("get shop %d: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &shop, nil
}

// UpdateShop writes the database first and then drops the cached copy. With
// logical expiry the entry is re-warmed instead, since that strategy never
// fills on a miss.
func (s *ShopService) UpdateShop(ctx context.Context, shop domain.Shop) error {
	if shop.ID <= 0 {
		return ErrInvalidShop
	}
	if err := s.catalog.UpdateShop(ctx, shop); err != nil {
		return fmt.Errorf("update shop %d: %w", shop.ID, err)
	}

	key := shopCacheKey(shop.ID)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("invalidate shop %d: %w", shop.ID, err)
	}
	if s.strategy == StrategyLogical {
		return s.Prewarm(ctx, shop.ID)
	}
	return nil
}

// Prewarm writes logical expiry entries for the given shops.
func (s *ShopService) Prewarm(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		shop, err := s.catalog.GetShop(ctx, id)
		if err != nil {
			return fmt.Errorf("load shop %d: %w", id, err)
		}
		if shop == nil {
			continue
		}
		if err := s.cache.WriteWithLogicalExpiry(ctx, shopCacheKey(id), shop, s.ttl); err != nil {
			return fmt.Errorf("warm shop %d: %w", id, err)
		}
	}
	return nil
}

func (s *ShopService) loadShop(id int64) cache.Loader[domain.Shop] {
	return func(ctx context.Context) (domain.Shop, bool, error) {
		shop, err := s.catalog.GetShop(ctx, id)
		if err != nil || shop == nil {
			return domain.Shop{}, false, err
		}
		return *shop, true, nil
	}
}
