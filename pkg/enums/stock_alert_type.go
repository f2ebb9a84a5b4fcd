package enums

import "fmt"

// StockAlertType maps to the stock_alert_type enum in Postgres.
type StockAlertType string

const (
	StockAlertTypeLowStock    StockAlertType = "low_stock"
	StockAlertTypeStockOut    StockAlertType = "stock_out"
	StockAlertTypeFailedOrder StockAlertType = "failed_order"
	StockAlertTypeQueuedOrder StockAlertType = "queued_order"
	StockAlertTypeProcessed   StockAlertType = "processed"
)

var validStockAlertTypes = []StockAlertType{
	StockAlertTypeLowStock,
	StockAlertTypeStockOut,
	StockAlertTypeFailedOrder,
	StockAlertTypeQueuedOrder,
	StockAlertTypeProcessed,
}

// IsValid reports whether the value matches the canonical enum.
func (t StockAlertType) IsValid() bool {
	for _, candidate := range validStockAlertTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseStockAlertType converts raw input into StockAlertType.
func ParseStockAlertType(value string) (StockAlertType, error) {
	for _, candidate := range validStockAlertTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid stock alert type %q", value)
}
