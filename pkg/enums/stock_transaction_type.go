package enums

import "fmt"

// StockTransactionType maps to the stock_transaction_type enum in Postgres.
type StockTransactionType string

const (
	StockTransactionTypeOrder      StockTransactionType = "order"
	StockTransactionTypeReturn     StockTransactionType = "return"
	StockTransactionTypeManual     StockTransactionType = "manual"
	StockTransactionTypeInventory  StockTransactionType = "inventory"
	StockTransactionTypeAdjustment StockTransactionType = "adjustment"
)

var validStockTransactionTypes = []StockTransactionType{
	StockTransactionTypeOrder,
	StockTransactionTypeReturn,
	StockTransactionTypeManual,
	StockTransactionTypeInventory,
	StockTransactionTypeAdjustment,
}

// IsValid reports whether the value matches the canonical enum.
func (t StockTransactionType) IsValid() bool {
	for _, candidate := range validStockTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseStockTransactionType converts raw input into StockTransactionType.
func ParseStockTransactionType(value string) (StockTransactionType, error) {
	for _, candidate := range validStockTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid stock transaction type %q", value)
}
