package port

import (
	"context"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

type OrderCommitter interface {
	// CommitOrder persists the order and mirrors the stock decrement in one
	// transaction. Committing an order id twice is a no-op.
	CommitOrder(ctx context.Context, order domain.Order) error
}

type CatalogRepository interface {
	// GetShop returns nil, nil when the shop does not exist
	GetShop(ctx context.Context, id int64) (*domain.Shop, error)

	UpdateShop(ctx context.Context, shop domain.Shop) error

	// GetVoucher returns nil, nil when the voucher does not exist
	GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error)

	ListSeckillVouchers(ctx context.Context) ([]domain.Voucher, error)

	CreateVoucher(ctx context.Context, voucher *domain.Voucher) error
}
