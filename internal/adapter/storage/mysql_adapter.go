package storage

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rl1809/voucher-seckill/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// CommitOrder persists an accepted allocation. The order row and the stock
// mirror move in one transaction. A duplicate primary key means an earlier
// delivery already committed this order, so it is reported as success.
func (m *MySQLAdapter) CommitOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tb_voucher_order (id, user_id, voucher_id, status, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.VoucherID, order.Status,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return errors.Wrapf(err, "insert order %d", order.ID)
	}

	// Redis owns the authoritative count; the mirror never goes negative and
	// a zero-row update is not an error.
	_, err = tx.ExecContext(ctx, `
		UPDATE tb_seckill_voucher
		SET stock = stock - 1, update_time = NOW()
		WHERE voucher_id = ? AND stock > 0`,
		order.VoucherID,
	)
	if err != nil {
		return errors.Wrapf(err, "update stock mirror %d", order.VoucherID)
	}

	return errors.Wrap(tx.Commit(), "commit order")
}

// CountOrders returns how many orders are persisted for a voucher.
func (m *MySQLAdapter) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tb_voucher_order WHERE voucher_id = ?`, voucherID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count orders %d", voucherID)
	}
	return n, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var o domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, voucher_id, status, create_time, update_time
		FROM tb_voucher_order WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, &o.VoucherID, &o.Status, &o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query order %d", id)
	}
	return &o, nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
