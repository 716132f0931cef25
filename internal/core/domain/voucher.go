package domain

import "time"

// Voucher is a flash-sale (seckill) voucher together with its campaign window.
type Voucher struct {
	ID          int64     `gorm:"primaryKey;column:voucher_id" json:"id"`
	ShopID      int64     `gorm:"column:shop_id;index" json:"shop_id"`
	Title       string    `gorm:"column:title;type:varchar(255)" json:"title"`
	PayValue    int64     `gorm:"column:pay_value" json:"pay_value"`
	ActualValue int64     `gorm:"column:actual_value" json:"actual_value"`
	Stock       int       `gorm:"column:stock" json:"stock"`
	BeginTime   time.Time `gorm:"column:begin_time" json:"begin_time"`
	EndTime     time.Time `gorm:"column:end_time" json:"end_time"`
	CreatedAt   time.Time `gorm:"column:create_time" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:update_time" json:"updated_at"`
}

func (Voucher) TableName() string {
	return "tb_seckill_voucher"
}
