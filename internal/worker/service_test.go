package worker

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/internal/ledger"
	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
	"github.com/jbellard/stockline-backend/pkg/queue"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeOrderStore struct {
	orders map[uuid.UUID]*models.Order
}

func (f *fakeOrderStore) FindOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return order, nil
}

type fakeStock struct {
	stock   map[uuid.UUID]int
	settled map[string]bool
}

func newFakeStock() *fakeStock {
	return &fakeStock{stock: map[uuid.UUID]int{}, settled: map[string]bool{}}
}

func stockKey(productID, orderID uuid.UUID) string {
	return fmt.Sprintf("%s|%s", productID, orderID)
}

func (f *fakeStock) Settle(_ context.Context, _ *gorm.DB, input ledger.SettleInput) (ledger.SettleResult, error) {
	if f.settled[stockKey(input.ProductID, input.OrderID)] {
		return ledger.SettleResult{Applied: false, Remaining: f.stock[input.ProductID]}, nil
	}
	if f.stock[input.ProductID] < input.Quantity {
		return ledger.SettleResult{}, pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
			"product %s short on stock", input.ProductID)
	}
	f.stock[input.ProductID] -= input.Quantity
	f.settled[stockKey(input.ProductID, input.OrderID)] = true
	return ledger.SettleResult{Applied: true, Remaining: f.stock[input.ProductID]}, nil
}

func (f *fakeStock) HasSettlement(_ context.Context, productID, orderID uuid.UUID) (bool, error) {
	return f.settled[stockKey(productID, orderID)], nil
}

type fakeAlertSink struct {
	lowStockChecks int
	failed         []uuid.UUID
	danglingSwept  int
	queued         []models.StockAlert
}

func (f *fakeAlertSink) CheckLowStock(_ context.Context, _ uuid.UUID, _, _ int) (*models.StockAlert, error) {
	f.lowStockChecks++
	return nil, nil
}

func (f *fakeAlertSink) CreateFailedOrderAlert(_ context.Context, productID, _ uuid.UUID, _ int, _ string) (*models.StockAlert, error) {
	f.failed = append(f.failed, productID)
	return &models.StockAlert{}, nil
}

func (f *fakeAlertSink) DeleteDanglingQueuedAlerts(context.Context) (int64, error) {
	f.danglingSwept++
	return 0, nil
}

func (f *fakeAlertSink) ListByType(_ context.Context, _ enums.StockAlertType, _ int) ([]models.StockAlert, error) {
	return f.queued, nil
}

type fakeQueue struct{}

func (fakeQueue) Consume(ctx context.Context, _ queue.Lane, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (fakeQueue) Depth(context.Context, queue.Lane) (queue.Depth, error) {
	return queue.Depth{}, nil
}

type workerHarness struct {
	svc    *Service
	orders *fakeOrderStore
	stock  *fakeStock
	alerts *fakeAlertSink
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	orders := &fakeOrderStore{orders: map[uuid.UUID]*models.Order{}}
	stock := newFakeStock()
	alerts := &fakeAlertSink{}
	logg := logger.New(logger.Options{ServiceName: "worker-test", Level: zerolog.ErrorLevel, Output: &bytes.Buffer{}})

	svc, err := NewService(ServiceParams{
		Logger: logg,
		Config: config.WorkerConfig{},
		DB:     fakeTxRunner{},
		Queue:  fakeQueue{},
		Orders: orders,
		Stock:  stock,
		Alerts: alerts,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &workerHarness{svc: svc, orders: orders, stock: stock, alerts: alerts}
}

func (h *workerHarness) addOrder(status enums.OrderStatus, items ...models.OrderItem) uuid.UUID {
	id := uuid.New()
	h.orders.orders[id] = &models.Order{ID: id, UserID: uuid.New(), Status: status, Items: items}
	return id
}

func verification(orderID uuid.UUID, items ...queue.StockVerificationItem) queue.StockVerificationMessage {
	return queue.StockVerificationMessage{Data: queue.StockVerificationData{
		OrderID: orderID,
		Items:   items,
	}}
}

func TestHandleVerificationSettlesOutstandingLines(t *testing.T) {
	h := newWorkerHarness(t)
	productID := uuid.New()
	h.stock.stock[productID] = 10
	orderID := h.addOrder(enums.OrderStatusConfirmed)

	ack := h.svc.HandleVerification(context.Background(), verification(orderID,
		queue.StockVerificationItem{ProductID: productID, Quantity: 4}))

	if ack != queue.AckDone {
		t.Fatalf("ack = %v, want done", ack)
	}
	if got := h.stock.stock[productID]; got != 6 {
		t.Fatalf("stock = %d, want 6", got)
	}
	if h.alerts.lowStockChecks != 1 {
		t.Fatalf("low stock checks = %d, want 1", h.alerts.lowStockChecks)
	}
}

func TestHandleVerificationIsIdempotentOnRedelivery(t *testing.T) {
	h := newWorkerHarness(t)
	productID := uuid.New()
	h.stock.stock[productID] = 10
	orderID := h.addOrder(enums.OrderStatusConfirmed)
	msg := verification(orderID, queue.StockVerificationItem{ProductID: productID, Quantity: 4})

	for i := 0; i < 3; i++ {
		if ack := h.svc.HandleVerification(context.Background(), msg); ack != queue.AckDone {
			t.Fatalf("delivery %d ack = %v, want done", i, ack)
		}
	}
	if got := h.stock.stock[productID]; got != 6 {
		t.Fatalf("stock = %d after redeliveries, want 6 (single decrement)", got)
	}
	if h.alerts.lowStockChecks != 1 {
		t.Fatalf("low stock checks = %d, want 1", h.alerts.lowStockChecks)
	}
}

func TestHandleVerificationDropsCancelledOrder(t *testing.T) {
	h := newWorkerHarness(t)
	productID := uuid.New()
	h.stock.stock[productID] = 10
	orderID := h.addOrder(enums.OrderStatusCancelled)

	ack := h.svc.HandleVerification(context.Background(), verification(orderID,
		queue.StockVerificationItem{ProductID: productID, Quantity: 4}))

	if ack != queue.AckDone {
		t.Fatalf("ack = %v, want done (drop)", ack)
	}
	if got := h.stock.stock[productID]; got != 10 {
		t.Fatalf("stock = %d, want 10 (untouched)", got)
	}
}

func TestHandleVerificationDropsUnknownOrder(t *testing.T) {
	h := newWorkerHarness(t)

	ack := h.svc.HandleVerification(context.Background(), verification(uuid.New(),
		queue.StockVerificationItem{ProductID: uuid.New(), Quantity: 1}))

	if ack != queue.AckDone {
		t.Fatalf("ack = %v, want done (drop)", ack)
	}
}

func TestHandleVerificationRequeuesPendingOrder(t *testing.T) {
	h := newWorkerHarness(t)
	productID := uuid.New()
	h.stock.stock[productID] = 10
	orderID := h.addOrder(enums.OrderStatusPending)

	ack := h.svc.HandleVerification(context.Background(), verification(orderID,
		queue.StockVerificationItem{ProductID: productID, Quantity: 4, IsQueuable: true}))

	if ack != queue.AckRequeue {
		t.Fatalf("ack = %v, want requeue", ack)
	}
	if got := h.stock.stock[productID]; got != 10 {
		t.Fatalf("stock = %d, want 10 (never settle pending orders)", got)
	}
}

func TestHandleVerificationFlagsInsufficientStock(t *testing.T) {
	h := newWorkerHarness(t)
	productID := uuid.New()
	h.stock.stock[productID] = 1
	orderID := h.addOrder(enums.OrderStatusConfirmed)

	ack := h.svc.HandleVerification(context.Background(), verification(orderID,
		queue.StockVerificationItem{ProductID: productID, Quantity: 5}))

	if ack != queue.AckDone {
		t.Fatalf("ack = %v, want done (no retry can fix a shortfall)", ack)
	}
	if len(h.alerts.failed) != 1 || h.alerts.failed[0] != productID {
		t.Fatalf("failed alerts = %v, want one for the short product", h.alerts.failed)
	}
	if got := h.stock.stock[productID]; got != 1 {
		t.Fatalf("stock = %d, want 1 (untouched)", got)
	}
}

func TestAuditQueuedAlertsReportsMismatches(t *testing.T) {
	h := newWorkerHarness(t)

	pendingOrder := h.addOrder(enums.OrderStatusPending)
	confirmedOrder := h.addOrder(enums.OrderStatusConfirmed)
	ghostOrder := uuid.New()

	makeAlert := func(orderID *uuid.UUID) models.StockAlert {
		return models.StockAlert{
			ID:        uuid.New(),
			Type:      enums.StockAlertTypeQueuedOrder,
			ProductID: uuid.New(),
			OrderID:   orderID,
		}
	}
	h.alerts.queued = []models.StockAlert{
		makeAlert(&pendingOrder),   // healthy
		makeAlert(&confirmedOrder), // order moved on, alert still live
		makeAlert(&ghostOrder),     // order vanished
		makeAlert(nil),             // no order reference at all
	}

	mismatches, err := h.svc.AuditQueuedAlerts(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if mismatches != 3 {
		t.Fatalf("mismatches = %d, want 3", mismatches)
	}
}

func TestRunSweepsDanglingAlertsAtStartup(t *testing.T) {
	h := newWorkerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.svc.Run(ctx); err != context.Canceled {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
	if h.alerts.danglingSwept != 1 {
		t.Fatalf("dangling sweeps = %d, want 1", h.alerts.danglingSwept)
	}
}
