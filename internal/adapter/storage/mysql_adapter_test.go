package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/seckill?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	catalog, err := OpenGormCatalog(db)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	if err := catalog.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedVoucher(t *testing.T, db *sql.DB, id int64, stock int) {
	t.Helper()
	ctx := context.Background()
	db.ExecContext(ctx, `DELETE FROM tb_voucher_order WHERE voucher_id = ?`, id)
	_, err := db.ExecContext(ctx, `
		INSERT INTO tb_seckill_voucher (voucher_id, shop_id, title, stock, begin_time, end_time, create_time, update_time)
		VALUES (?, 1, 'test', ?, NOW(), NOW(), NOW(), NOW())
		ON DUPLICATE KEY UPDATE stock = ?`, id, stock, stock)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
}

func testOrder(id, voucherID int64) domain.Order {
	now := time.Now().Truncate(time.Second)
	return domain.Order{
		ID:        id,
		UserID:    id + 1,
		VoucherID: voucherID,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCommitOrder_Success(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedVoucher(t, db, 900001, 100)

	order := testOrder(time.Now().UnixNano(), 900001)
	if err := adapter.CommitOrder(ctx, order); err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}

	got, err := adapter.GetOrder(ctx, order.ID)
	if err != nil || got == nil {
		t.Fatalf("order not found: %v", err)
	}
	if got.UserID != order.UserID || got.Status != domain.OrderStatusPending {
		t.Errorf("unexpected order %+v", got)
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT stock FROM tb_seckill_voucher WHERE voucher_id = 900001`).Scan(&stock)
	if stock != 99 {
		t.Errorf("expected stock 99, got %d", stock)
	}
}

func TestCommitOrder_Idempotent(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedVoucher(t, db, 900002, 100)

	order := testOrder(time.Now().UnixNano(), 900002)
	for i := 0; i < 3; i++ {
		if err := adapter.CommitOrder(ctx, order); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	n, err := adapter.CountOrders(ctx, 900002)
	if err != nil {
		t.Fatalf("CountOrders failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 order, got %d", n)
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT stock FROM tb_seckill_voucher WHERE voucher_id = 900002`).Scan(&stock)
	if stock != 99 {
		t.Errorf("redelivery must not decrement again, got stock %d", stock)
	}
}

func TestCommitOrder_MirrorNeverNegative(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedVoucher(t, db, 900003, 0)

	if err := adapter.CommitOrder(ctx, testOrder(time.Now().UnixNano(), 900003)); err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT stock FROM tb_seckill_voucher WHERE voucher_id = 900003`).Scan(&stock)
	if stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	order, err := NewMySQLAdapter(db).GetOrder(context.Background(), -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Error("expected nil for nonexistent order")
	}
}

func TestCatalog_ShopRoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	catalog, err := OpenGormCatalog(db)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	db.ExecContext(ctx, `DELETE FROM tb_shop WHERE id = 900001`)
	db.ExecContext(ctx, `INSERT INTO tb_shop (id, name, create_time, update_time) VALUES (900001, 'before', NOW(), NOW())`)

	if err := catalog.UpdateShop(ctx, domain.Shop{ID: 900001, Name: "after"}); err != nil {
		t.Fatalf("UpdateShop failed: %v", err)
	}
	shop, err := catalog.GetShop(ctx, 900001)
	if err != nil || shop == nil {
		t.Fatalf("GetShop failed: %v", err)
	}
	if shop.Name != "after" {
		t.Errorf("expected name 'after', got %q", shop.Name)
	}

	if missing, _ := catalog.GetShop(ctx, -1); missing != nil {
		t.Error("expected nil for nonexistent shop")
	}
	if err := catalog.UpdateShop(ctx, domain.Shop{ID: -1, Name: "x"}); err == nil {
		t.Error("expected error updating nonexistent shop")
	}
}
