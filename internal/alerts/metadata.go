package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// Each alert type carries exactly one metadata variant in the jsonb column.
// Consumers switch on the alert type and decode the matching struct; there is
// no free-form map anywhere in the pipeline.

// LowStockMeta rides low_stock and stock_out alerts.
type LowStockMeta struct {
	Threshold    int `json:"threshold"`
	CurrentStock int `json:"currentStock"`
}

// QueuedOrderMeta rides queued_order alerts. QueuePosition is 1-based FIFO.
type QueuedOrderMeta struct {
	QueuePosition int       `json:"queuePosition"`
	QueuedAt      time.Time `json:"queuedAt"`
}

// FailedOrderMeta rides failed_order alerts.
type FailedOrderMeta struct {
	Reason string `json:"reason"`
}

// ProcessedMeta replaces QueuedOrderMeta once a queued order settles.
type ProcessedMeta struct {
	ProcessedAt time.Time `json:"processedAt"`
	Info        string    `json:"info,omitempty"`
}

func marshalMeta(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal alert metadata: %w", err)
	}
	return data, nil
}

// DecodeLowStockMeta parses the metadata of a low_stock or stock_out alert.
func DecodeLowStockMeta(raw json.RawMessage) (LowStockMeta, error) {
	var meta LowStockMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return LowStockMeta{}, fmt.Errorf("decode low stock metadata: %w", err)
	}
	return meta, nil
}

// DecodeQueuedOrderMeta parses the metadata of a queued_order alert.
func DecodeQueuedOrderMeta(raw json.RawMessage) (QueuedOrderMeta, error) {
	var meta QueuedOrderMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return QueuedOrderMeta{}, fmt.Errorf("decode queued order metadata: %w", err)
	}
	return meta, nil
}

// DecodeFailedOrderMeta parses the metadata of a failed_order alert.
func DecodeFailedOrderMeta(raw json.RawMessage) (FailedOrderMeta, error) {
	var meta FailedOrderMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return FailedOrderMeta{}, fmt.Errorf("decode failed order metadata: %w", err)
	}
	return meta, nil
}

// DecodeProcessedMeta parses the metadata of a processed alert.
func DecodeProcessedMeta(raw json.RawMessage) (ProcessedMeta, error) {
	var meta ProcessedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ProcessedMeta{}, fmt.Errorf("decode processed metadata: %w", err)
	}
	return meta, nil
}

func severityFor(alertType enums.StockAlertType) enums.AlertSeverity {
	switch alertType {
	case enums.StockAlertTypeStockOut:
		return enums.AlertSeverityCritical
	case enums.StockAlertTypeFailedOrder:
		return enums.AlertSeverityHigh
	case enums.StockAlertTypeLowStock:
		return enums.AlertSeverityMedium
	case enums.StockAlertTypeQueuedOrder:
		return enums.AlertSeverityMedium
	default:
		return enums.AlertSeverityLow
	}
}
