package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// Order is the aggregate created by the settlement service. Status moves only
// along the edges enforced by enums.OrderStatus.
type Order struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID     uuid.UUID         `gorm:"column:user_id;type:uuid;not null"`
	Status     enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'pending'"`
	TotalCents int               `gorm:"column:total_cents;not null"`
	Notes      *string           `gorm:"column:notes"`
	Items      []OrderItem       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
