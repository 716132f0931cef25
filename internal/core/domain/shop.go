package domain

import "time"

type Shop struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"id"`
	Name      string    `gorm:"column:name;type:varchar(128)" json:"name"`
	TypeID    int64     `gorm:"column:type_id" json:"type_id"`
	Area      string    `gorm:"column:area;type:varchar(128)" json:"area"`
	Address   string    `gorm:"column:address;type:varchar(255)" json:"address"`
	AvgPrice  int64     `gorm:"column:avg_price" json:"avg_price"`
	Score     int       `gorm:"column:score" json:"score"`
	CreatedAt time.Time `gorm:"column:create_time" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:update_time" json:"updated_at"`
}

func (Shop) TableName() string {
	return "tb_shop"
}
