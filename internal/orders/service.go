package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/internal/ledger"
	"github.com/jbellard/stockline-backend/pkg/broadcast"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
	"github.com/jbellard/stockline-backend/pkg/queue"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type stockLedger interface {
	Settle(ctx context.Context, tx *gorm.DB, input ledger.SettleInput) (ledger.SettleResult, error)
	Restock(ctx context.Context, tx *gorm.DB, input ledger.RestockInput) (*models.StockTransaction, error)
	HasSettlement(ctx context.Context, productID, orderID uuid.UUID) (bool, error)
	FindEntry(ctx context.Context, productID, orderID uuid.UUID, entryType enums.StockTransactionType) (*models.StockTransaction, error)
}

type alertSink interface {
	CheckLowStock(ctx context.Context, productID uuid.UUID, newStock, requestedQty int) (*models.StockAlert, error)
	CreateQueuedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int) (*models.StockAlert, error)
	CreateFailedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int, reason string) (*models.StockAlert, error)
	MarkQueuedOrderProcessed(ctx context.Context, orderID uuid.UUID, info string) (int, error)
}

type lanePublisher interface {
	Publish(ctx context.Context, lane queue.Lane, msg queue.StockVerificationMessage) error
	ExtractMatching(ctx context.Context, lane queue.Lane, match func(queue.StockVerificationMessage) bool) ([]queue.StockVerificationMessage, error)
}

type eventBroadcaster interface {
	Broadcast(ctx context.Context, event broadcast.Event) error
}

// Service owns order placement, status transitions and the settlement
// orchestration around them.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*OrderView, error)
	ValidateOrderManually(ctx context.Context, orderID uuid.UUID) (*OrderView, error)
	GetOrderStats(ctx context.Context) (*OrderStats, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	stock  stockLedger
	alerts alertSink
	lanes  lanePublisher
	events eventBroadcaster
	logg   *logger.Logger
}

// NewService wires the order settlement service. The broadcaster is optional;
// everything else is required.
func NewService(
	repo Repository,
	tx txRunner,
	stock stockLedger,
	alerts alertSink,
	lanes lanePublisher,
	events eventBroadcaster,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if alerts == nil {
		return nil, fmt.Errorf("alert sink required")
	}
	if lanes == nil {
		return nil, fmt.Errorf("lane publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if events == nil {
		events = broadcast.Noop{}
	}
	return &service{
		repo:   repo,
		tx:     tx,
		stock:  stock,
		alerts: alerts,
		lanes:  lanes,
		events: events,
		logg:   logg,
	}, nil
}

// settledLine tracks one decrement applied during order creation or manual
// validation so the post-commit low stock check can run off it.
type settledLine struct {
	productID uuid.UUID
	qty       int
	remaining int
}

// CreateOrder validates the request, rejects it whole when any line cannot be
// satisfied, then persists the order and settles every non-queuable line in a
// single transaction. Orders with queuable lines come back pending and are
// parked on the deferred lane for manual validation.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	productIDs := make([]uuid.UUID, 0, len(input.Items))
	seen := make(map[uuid.UUID]struct{}, len(input.Items))
	for _, item := range input.Items {
		if _, dup := seen[item.ProductID]; dup {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "product %s appears more than once", item.ProductID)
		}
		seen[item.ProductID] = struct{}{}
		productIDs = append(productIDs, item.ProductID)
	}

	products, err := s.repo.FindProducts(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}

	// All-or-nothing: one bad line fails the whole order before anything is
	// written. A queuable product may be short on stock, but not empty.
	hasQueuable := false
	for _, item := range input.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", item.ProductID)
		}
		if !product.IsActive {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "product %s is inactive", item.ProductID)
		}
		if product.Stock == 0 {
			return nil, pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
				"product %s is out of stock", item.ProductID)
		}
		if product.Queuable {
			hasQueuable = true
			continue
		}
		if product.Stock < item.Quantity {
			return nil, pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
				"product %s has %d in stock, order needs %d", item.ProductID, product.Stock, item.Quantity)
		}
	}

	status := enums.OrderStatusConfirmed
	if hasQueuable {
		status = enums.OrderStatusPending
	}

	order := &models.Order{
		ID:     uuid.New(),
		UserID: input.UserID,
		Status: status,
	}
	if input.Notes != "" {
		notes := input.Notes
		order.Notes = &notes
	}
	for _, item := range input.Items {
		product := products[item.ProductID]
		order.Items = append(order.Items, models.OrderItem{
			ID:             uuid.New(),
			OrderID:        order.ID,
			ProductID:      product.ID,
			Qty:            item.Quantity,
			UnitPriceCents: product.PriceCents,
			Queuable:       product.Queuable,
		})
		order.TotalCents += product.PriceCents * item.Quantity
	}

	var settled []settledLine
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).CreateOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		for _, item := range order.Items {
			if item.Queuable {
				continue
			}
			result, err := s.stock.Settle(ctx, tx, ledger.SettleInput{
				ProductID: item.ProductID,
				OrderID:   order.ID,
				Quantity:  item.Qty,
			})
			if err != nil {
				return err
			}
			settled = append(settled, settledLine{productID: item.ProductID, qty: item.Qty, remaining: result.Remaining})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithOrderID(ctx, order.ID.String())
	s.afterSettlement(ctx, settled)

	if hasQueuable {
		for _, item := range order.Items {
			if !item.Queuable {
				continue
			}
			if _, err := s.alerts.CreateQueuedOrderAlert(ctx, item.ProductID, order.ID, item.Qty); err != nil {
				s.logg.Error(s.logg.WithProductID(ctx, item.ProductID.String()), "creating queued order alert failed", err)
			}
		}
	}

	lane := queue.LaneImmediate
	reason := ""
	if hasQueuable {
		lane = queue.LaneDeferred
		reason = "queuable products awaiting manual validation"
	}
	if err := s.lanes.Publish(ctx, lane, verificationMessage(order, reason)); err != nil {
		s.logg.Error(ctx, "publishing stock verification message failed", err)
	}

	s.broadcastOrderEvent(ctx, "order.created", order, fmt.Sprintf("order %s created with status %s", order.ID, order.Status))

	disposition := DispositionConfirmed
	if hasQueuable {
		disposition = DispositionPending
	}
	return &CreateOrderResult{Order: orderView(order), Disposition: disposition}, nil
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return orderView(order), nil
}

// UpdateOrderStatus moves the order along the state machine. Confirmation of
// a pending order goes through ValidateOrderManually so the outstanding
// settlements happen; this path refuses it.
func (s *service) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, next enums.OrderStatus) (*OrderView, error) {
	if !next.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid order status %q", next)
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	if !order.Status.CanTransitionTo(next) {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict,
			"order %s cannot move from %s to %s", orderID, order.Status, next)
	}
	if order.Status == enums.OrderStatusPending && next == enums.OrderStatusConfirmed {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			"pending orders are confirmed through manual validation")
	}

	switch next {
	case enums.OrderStatusCancelled:
		err = s.cancelOrder(ctx, order)
	case enums.OrderStatusCompleted:
		err = s.completeOrder(ctx, order)
	default:
		err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			return s.transitionStatus(ctx, s.repo.WithTx(tx), orderID, order.Status, next)
		})
	}
	if err != nil {
		return nil, err
	}

	order.Status = next
	s.broadcastOrderEvent(ctx, "order."+string(next), order, fmt.Sprintf("order %s moved to %s", orderID, next))
	return orderView(order), nil
}

// cancelOrder flips the status and returns previously settled stock in one
// transaction, then does the best-effort cleanup: failed-order alerts,
// queued-alert processing and purging the order's lane messages.
func (s *service) cancelOrder(ctx context.Context, order *models.Order) error {
	// Settlement state is read before the transaction. That is safe because
	// the status CAS below makes a racing cancel lose and roll back, so the
	// return rows are written at most once.
	var toRestock []models.OrderItem
	for _, item := range order.Items {
		settled, err := s.stock.HasSettlement(ctx, item.ProductID, order.ID)
		if err != nil {
			return err
		}
		if !settled {
			continue
		}
		if _, err := s.stock.FindEntry(ctx, item.ProductID, order.ID, enums.StockTransactionTypeReturn); err == nil {
			continue
		} else if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return err
		}
		toRestock = append(toRestock, item)
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.transitionStatus(ctx, s.repo.WithTx(tx), order.ID, order.Status, enums.OrderStatusCancelled); err != nil {
			return err
		}
		for _, item := range toRestock {
			if _, err := s.stock.Restock(ctx, tx, ledger.RestockInput{
				ProductID: item.ProductID,
				OrderID:   order.ID,
				Quantity:  item.Qty,
				Notes:     "order cancelled",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		if _, err := s.alerts.CreateFailedOrderAlert(ctx, item.ProductID, order.ID, item.Qty, "order cancelled"); err != nil {
			s.logg.Error(s.logg.WithProductID(ctx, item.ProductID.String()), "creating failed order alert failed", err)
		}
	}
	if _, err := s.alerts.MarkQueuedOrderProcessed(ctx, order.ID, "order cancelled"); err != nil {
		s.logg.Error(ctx, "marking queued alerts processed failed", err)
	}
	s.purgeLaneMessages(ctx, order.ID)
	return nil
}

// completeOrder heals the ledger before allowing the terminal transition: any
// item still missing its settlement row gets one, and the whole transition
// aborts when the stock is no longer there.
func (s *service) completeOrder(ctx context.Context, order *models.Order) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var settleErr error
		for _, item := range order.Items {
			_, err := s.stock.Settle(ctx, tx, ledger.SettleInput{
				ProductID: item.ProductID,
				OrderID:   order.ID,
				Quantity:  item.Qty,
			})
			if err != nil {
				settleErr = multierr.Append(settleErr,
					fmt.Errorf("settle product %s: %w", item.ProductID, err))
			}
		}
		if settleErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStateConflict, settleErr,
				"order cannot complete with unsettled items")
		}
		return s.transitionStatus(ctx, s.repo.WithTx(tx), order.ID, order.Status, enums.OrderStatusCompleted)
	})
}

// ValidateOrderManually confirms a pending order by settling every line that
// is still outstanding. The order confirms whole or not at all; afterwards
// its queued alerts flip to processed and its deferred-lane message moves to
// the immediate lane.
func (s *service) ValidateOrderManually(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict,
			"order %s is %s, only pending orders can be validated", orderID, order.Status)
	}
	queuable := false
	for _, item := range order.Items {
		if item.Queuable {
			queuable = true
			break
		}
	}
	if !queuable {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict,
			"order %s has no queuable items to validate", orderID)
	}

	var outstanding []models.OrderItem
	for _, item := range order.Items {
		settled, err := s.stock.HasSettlement(ctx, item.ProductID, orderID)
		if err != nil {
			return nil, err
		}
		if !settled {
			outstanding = append(outstanding, item)
		}
	}

	// Pre-check every outstanding line so a shortfall on the last one
	// surfaces as a single clean error instead of a rolled-back settle.
	if len(outstanding) > 0 {
		ids := make([]uuid.UUID, 0, len(outstanding))
		for _, item := range outstanding {
			ids = append(ids, item.ProductID)
		}
		products, err := s.repo.FindProducts(ctx, ids)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
		}
		for _, item := range outstanding {
			product, ok := products[item.ProductID]
			if !ok {
				return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", item.ProductID)
			}
			if product.Stock < item.Qty {
				return nil, pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
					"product %s has %d in stock, order needs %d", item.ProductID, product.Stock, item.Qty)
			}
		}
	}

	var settled []settledLine
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		for _, item := range outstanding {
			result, err := s.stock.Settle(ctx, tx, ledger.SettleInput{
				ProductID: item.ProductID,
				OrderID:   orderID,
				Quantity:  item.Qty,
			})
			if err != nil {
				return err
			}
			settled = append(settled, settledLine{productID: item.ProductID, qty: item.Qty, remaining: result.Remaining})
		}
		return s.transitionStatus(ctx, s.repo.WithTx(tx), orderID, enums.OrderStatusPending, enums.OrderStatusConfirmed)
	})
	if err != nil {
		return nil, err
	}

	s.afterSettlement(ctx, settled)
	if _, err := s.alerts.MarkQueuedOrderProcessed(ctx, orderID, "manually validated"); err != nil {
		s.logg.Error(ctx, "marking queued alerts processed failed", err)
	}
	s.promoteLaneMessages(ctx, orderID)

	order.Status = enums.OrderStatusConfirmed
	s.broadcastOrderEvent(ctx, "order.confirmed", order, fmt.Sprintf("order %s confirmed by manual validation", orderID))
	return orderView(order), nil
}

// GetOrderStats aggregates counts per status and revenue over confirmed and
// completed orders.
func (s *service) GetOrderStats(ctx context.Context) (*OrderStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count orders")
	}
	var total int64
	for _, count := range counts {
		total += count
	}

	revenue, orderCount, err := s.repo.RevenueTotals(ctx, []enums.OrderStatus{
		enums.OrderStatusConfirmed,
		enums.OrderStatusCompleted,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum revenue")
	}

	average := decimal.Zero
	if orderCount > 0 {
		average = decimal.NewFromInt(revenue).Div(decimal.NewFromInt(orderCount)).Round(2)
	}

	return &OrderStats{
		TotalOrders:       total,
		CountsByStatus:    counts,
		RevenueCents:      revenue,
		AverageOrderValue: average,
	}, nil
}

// transitionStatus applies the CAS status write and turns a miss into a
// state conflict, so a writer racing on a stale read rolls back instead of
// clobbering the other side's transition.
func (s *service) transitionStatus(ctx context.Context, repo Repository, orderID uuid.UUID, from, to enums.OrderStatus) error {
	moved, err := repo.UpdateStatus(ctx, orderID, from, to)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !moved {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict,
			"order %s is no longer %s", orderID, from)
	}
	return nil
}

func (s *service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s not found", orderID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

// afterSettlement runs the post-commit low stock checks. Failures are logged;
// the order is already committed.
func (s *service) afterSettlement(ctx context.Context, settled []settledLine) {
	for _, line := range settled {
		if _, err := s.alerts.CheckLowStock(ctx, line.productID, line.remaining, line.qty); err != nil {
			s.logg.Error(s.logg.WithProductID(ctx, line.productID.String()), "low stock check failed", err)
		}
	}
}

// purgeLaneMessages drops the order's pending verification messages from both
// lanes after a cancel. Best effort only.
func (s *service) purgeLaneMessages(ctx context.Context, orderID uuid.UUID) {
	match := func(msg queue.StockVerificationMessage) bool {
		return msg.Data.OrderID == orderID
	}
	for _, lane := range []queue.Lane{queue.LaneImmediate, queue.LaneDeferred} {
		if _, err := s.lanes.ExtractMatching(ctx, lane, match); err != nil {
			s.logg.Error(s.logg.WithLane(ctx, lane.String()), "purging lane messages failed", err)
		}
	}
}

// promoteLaneMessages moves the order's deferred messages onto the immediate
// lane once manual validation has settled its lines.
func (s *service) promoteLaneMessages(ctx context.Context, orderID uuid.UUID) {
	matched, err := s.lanes.ExtractMatching(ctx, queue.LaneDeferred, func(msg queue.StockVerificationMessage) bool {
		return msg.Data.OrderID == orderID
	})
	if err != nil {
		s.logg.Error(ctx, "extracting deferred messages failed", err)
		return
	}
	for _, msg := range matched {
		msg.Data.Reason = "manually validated"
		if err := s.lanes.Publish(ctx, queue.LaneImmediate, msg); err != nil {
			s.logg.Error(ctx, "republishing to immediate lane failed", err)
		}
	}
}

func (s *service) broadcastOrderEvent(ctx context.Context, kind string, order *models.Order, message string) {
	orderID := order.ID
	if err := s.events.Broadcast(ctx, broadcast.Event{
		Kind:    kind,
		OrderID: &orderID,
		Message: message,
	}); err != nil {
		s.logg.Error(ctx, "broadcasting order event failed", err)
	}
}

func verificationMessage(order *models.Order, reason string) queue.StockVerificationMessage {
	data := queue.StockVerificationData{
		OrderID: order.ID,
		Reason:  reason,
	}
	for _, item := range order.Items {
		if item.Queuable {
			data.HasQueuableProducts = true
		}
		data.Items = append(data.Items, queue.StockVerificationItem{
			ProductID:  item.ProductID,
			Quantity:   item.Qty,
			IsQueuable: item.Queuable,
		})
	}
	return queue.StockVerificationMessage{Data: data}
}

func orderView(order *models.Order) *OrderView {
	view := &OrderView{
		ID:         order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		TotalCents: order.TotalCents,
	}
	for _, item := range order.Items {
		view.Items = append(view.Items, OrderItemView{
			ProductID:      item.ProductID,
			Quantity:       item.Qty,
			UnitPriceCents: item.UnitPriceCents,
			Queuable:       item.Queuable,
		})
	}
	return view
}
