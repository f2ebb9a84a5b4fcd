package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// StockTransaction is one append-only ledger row. The partial unique index on
// (product_id, reference) for type='order' is the settlement idempotency key.
type StockTransaction struct {
	ID            uuid.UUID                  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID     uuid.UUID                  `gorm:"column:product_id;type:uuid;not null;index:idx_stock_transactions_order_ref,unique,where:type = 'order'"`
	QuantityDelta int                        `gorm:"column:quantity_delta;not null"`
	Type          enums.StockTransactionType `gorm:"column:type;type:stock_transaction_type;not null"`
	Reference     *uuid.UUID                 `gorm:"column:reference;type:uuid;index:idx_stock_transactions_order_ref,unique,where:type = 'order'"`
	PreviousStock int                        `gorm:"column:previous_stock;not null"`
	NewStock      int                        `gorm:"column:new_stock;not null"`
	Notes         *string                    `gorm:"column:notes"`
	CreatedAt     time.Time                  `gorm:"column:created_at;autoCreateTime"`
}
