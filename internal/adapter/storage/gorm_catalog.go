package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

// ErrNotFound is returned by catalog writes that matched no row.
var ErrNotFound = errors.New("record not found")

// GormCatalog stores shops and seckill vouchers. It shares the connection
// pool of the order committer.
type GormCatalog struct {
	db *gorm.DB
}

func OpenGormCatalog(sqlDB *sql.DB) (*GormCatalog, error) {
	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open gorm")
	}
	return NewGormCatalog(db), nil
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

// Migrate creates or updates the shop, voucher and order tables.
func (g *GormCatalog) Migrate(ctx context.Context) error {
	err := g.db.WithContext(ctx).AutoMigrate(&domain.Shop{}, &domain.Voucher{}, &domain.Order{})
	return errors.Wrap(err, "auto migrate")
}

func (g *GormCatalog) GetShop(ctx context.Context, id int64) (*domain.Shop, error) {
	var shop domain.Shop
	err := g.db.WithContext(ctx).First(&shop, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query shop %d", id)
	}
	return &shop, nil
}

func (g *GormCatalog) UpdateShop(ctx context.Context, shop domain.Shop) error {
	res := g.db.WithContext(ctx).Model(&domain.Shop{}).Where("id = ?", shop.ID).Updates(&shop)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update shop %d", shop.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "shop %d", shop.ID)
	}
	return nil
}

func (g *GormCatalog) GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error) {
	var v domain.Voucher
	err := g.db.WithContext(ctx).First(&v, "voucher_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query voucher %d", id)
	}
	return &v, nil
}

func (g *GormCatalog) ListSeckillVouchers(ctx context.Context) ([]domain.Voucher, error) {
	var vs []domain.Voucher
	if err := g.db.WithContext(ctx).Order("voucher_id").Find(&vs).Error; err != nil {
		return nil, errors.Wrap(err, "list vouchers")
	}
	return vs, nil
}

func (g *GormCatalog) CreateVoucher(ctx context.Context, v *domain.Voucher) error {
	if err := g.db.WithContext(ctx).Create(v).Error; err != nil {
		return errors.Wrap(err, "create voucher")
	}
	return nil
}
