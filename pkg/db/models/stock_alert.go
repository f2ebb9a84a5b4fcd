package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// StockAlert records one detected inventory condition. Metadata holds the
// typed per-kind payload built by internal/alerts (one closed variant per
// alert type).
type StockAlert struct {
	ID            uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Type          enums.StockAlertType    `gorm:"column:type;type:stock_alert_type;not null"`
	ProductID     uuid.UUID               `gorm:"column:product_id;type:uuid;not null"`
	Quantity      int                     `gorm:"column:quantity;not null"`
	OrderID       *uuid.UUID              `gorm:"column:order_id;type:uuid"`
	Metadata      json.RawMessage         `gorm:"column:metadata;type:jsonb"`
	Notifications []StockAlertNotification `gorm:"foreignKey:AlertID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time               `gorm:"column:created_at;autoCreateTime"`
}
