package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is the persisted voucher order. It is created exactly once per
// accepted allocation; the ID comes from the ID generator before allocation.
type Order struct {
	ID        int64       `gorm:"primaryKey;autoIncrement:false;column:id" json:"id"`
	UserID    int64       `gorm:"column:user_id;index" json:"user_id"`
	VoucherID int64       `gorm:"column:voucher_id;index" json:"voucher_id"`
	Status    OrderStatus `gorm:"column:status;type:varchar(16)" json:"status"`
	CreatedAt time.Time   `gorm:"column:create_time" json:"created_at"`
	UpdatedAt time.Time   `gorm:"column:update_time" json:"updated_at"`
}

func (Order) TableName() string {
	return "tb_voucher_order"
}

// QueueItem is the work item appended to the order stream by the
// allocation script.
type QueueItem struct {
	OrderID    int64
	UserID     int64
	VoucherID  int64
	EnqueuedAt int64 // unix millis
	TraceCtx   map[string]string
}

// ToOrder materializes the item into the order it stands for.
func (q QueueItem) ToOrder() Order {
	created := time.UnixMilli(q.EnqueuedAt)
	return Order{
		ID:        q.OrderID,
		UserID:    q.UserID,
		VoucherID: q.VoucherID,
		Status:    OrderStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// QueueMessage is one delivered stream entry. Err is set when the entry's
// fields could not be decoded into a QueueItem.
type QueueMessage struct {
	ID     string
	Item   QueueItem
	Values map[string]interface{}
	Err    error
}
