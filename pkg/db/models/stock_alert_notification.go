package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// StockAlertNotification is the human-facing fan-out of an alert. Read state
// mutates per row; everything else is immutable after creation.
type StockAlertNotification struct {
	ID        uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AlertID   uuid.UUID           `gorm:"column:alert_id;type:uuid;not null"`
	Message   string              `gorm:"column:message;type:text;not null"`
	Severity  enums.AlertSeverity `gorm:"column:severity;type:alert_severity;not null"`
	ReadAt    *time.Time          `gorm:"column:read_at;type:timestamptz"`
	Metadata  json.RawMessage     `gorm:"column:metadata;type:jsonb"`
	CreatedAt time.Time           `gorm:"column:created_at;autoCreateTime"`
}
