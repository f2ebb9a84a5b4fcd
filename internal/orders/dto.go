package orders

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jbellard/stockline-backend/pkg/enums"
)

// Disposition tells the caller what happened to a freshly created order.
const (
	DispositionConfirmed = "CONFIRMED"
	DispositionPending   = "PENDING, awaiting manual validation"
)

// CreateOrderItemInput is one requested line.
type CreateOrderItemInput struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

// CreateOrderInput captures everything needed to place an order.
type CreateOrderInput struct {
	UserID uuid.UUID              `json:"userId" validate:"required"`
	Items  []CreateOrderItemInput `json:"items" validate:"required,min=1,dive"`
	Notes  string                 `json:"notes" validate:"max=2000"`
}

// CreateOrderResult pairs the stored order with its disposition string.
type CreateOrderResult struct {
	Order       *OrderView `json:"order"`
	Disposition string     `json:"disposition"`
}

// OrderView is the order as returned to callers, items included.
type OrderView struct {
	ID         uuid.UUID         `json:"id"`
	UserID     uuid.UUID         `json:"userId"`
	Status     enums.OrderStatus `json:"status"`
	TotalCents int               `json:"totalCents"`
	Items      []OrderItemView   `json:"items"`
}

// OrderItemView is one stored line with its price snapshot.
type OrderItemView struct {
	ProductID      uuid.UUID `json:"productId"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int       `json:"unitPriceCents"`
	Queuable       bool      `json:"queuable"`
}

// OrderStats aggregates order counts and revenue.
type OrderStats struct {
	TotalOrders       int64                       `json:"totalOrders"`
	CountsByStatus    map[enums.OrderStatus]int64 `json:"countsByStatus"`
	RevenueCents      int64                       `json:"revenueCents"`
	AverageOrderValue decimal.Decimal             `json:"averageOrderValue"`
}
