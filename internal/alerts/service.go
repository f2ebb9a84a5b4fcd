package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/pkg/broadcast"
	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
)

// Event is handed to in-process subscribers whenever an alert is created or
// a queued alert flips to processed.
type Event struct {
	Alert        models.StockAlert
	Notification models.StockAlertNotification
}

// Subscriber receives alert events synchronously. Keep handlers fast; slow
// work belongs behind the broadcaster.
type Subscriber func(ctx context.Context, event Event)

// Service defines alert detection, queue bookkeeping and notification reads.
type Service interface {
	CheckLowStock(ctx context.Context, productID uuid.UUID, newStock, requestedQty int) (*models.StockAlert, error)
	CreateQueuedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int) (*models.StockAlert, error)
	CreateFailedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int, reason string) (*models.StockAlert, error)
	MarkQueuedOrderProcessed(ctx context.Context, orderID uuid.UUID, info string) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteDanglingQueuedAlerts(ctx context.Context) (int64, error)
	Subscribe(fn Subscriber)
	ListRecent(ctx context.Context, limit int) ([]models.StockAlert, error)
	ListByType(ctx context.Context, alertType enums.StockAlertType, limit int) ([]models.StockAlert, error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkNotificationRead(ctx context.Context, notificationID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
}

type service struct {
	repo        Repository
	cfg         config.AlertsConfig
	logg        *logger.Logger
	broadcaster broadcast.Broadcaster

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewService wires the alerts service.
func NewService(repo Repository, cfg config.AlertsConfig, logg *logger.Logger, broadcaster broadcast.Broadcaster) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "alerts repository required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	if broadcaster == nil {
		broadcaster = broadcast.Noop{}
	}
	return &service{repo: repo, cfg: cfg, logg: logg, broadcaster: broadcaster}, nil
}

func (s *service) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// CheckLowStock raises a low_stock or stock_out alert when the post-settle
// stock level crosses the threshold. Threshold is the larger of the
// configured minimum and 10% of the requested quantity, rounded up. Alerts
// are debounced per product inside the configured window.
func (s *service) CheckLowStock(ctx context.Context, productID uuid.UUID, newStock, requestedQty int) (*models.StockAlert, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if newStock < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock level cannot be negative")
	}

	threshold := s.cfg.LowStockMinThreshold
	if dynamic := (requestedQty + 9) / 10; dynamic > threshold {
		threshold = dynamic
	}
	if newStock > threshold {
		return nil, nil
	}

	window := s.cfg.DebounceWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	if _, err := s.repo.FindRecentStockAlert(ctx, productID, time.Now().UTC().Add(-window)); err == nil {
		s.logg.Debug(s.logg.WithProductID(ctx, productID.String()), "low stock alert debounced")
		return nil, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check alert debounce window")
	}

	alertType := enums.StockAlertTypeLowStock
	message := fmt.Sprintf("product %s is low on stock: %d remaining (threshold %d)", productID, newStock, threshold)
	if newStock == 0 {
		alertType = enums.StockAlertTypeStockOut
		message = fmt.Sprintf("product %s is out of stock", productID)
	}

	meta, err := marshalMeta(LowStockMeta{Threshold: threshold, CurrentStock: newStock})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode alert metadata")
	}

	alert := &models.StockAlert{
		ID:        uuid.New(),
		Type:      alertType,
		ProductID: productID,
		Quantity:  newStock,
		Metadata:  meta,
	}
	return s.createAndFanOut(ctx, alert, message)
}

// CreateQueuedOrderAlert records an order line waiting on restock. Position
// is one past the count of live queued alerts for the product.
func (s *service) CreateQueuedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int) (*models.StockAlert, error) {
	if productID == uuid.Nil || orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id and order id are required")
	}
	if qty <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	count, err := s.repo.CountQueuedForProduct(ctx, productID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count queued alerts")
	}
	position := int(count) + 1

	meta, err := marshalMeta(QueuedOrderMeta{QueuePosition: position, QueuedAt: time.Now().UTC()})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode alert metadata")
	}

	order := orderID
	alert := &models.StockAlert{
		ID:        uuid.New(),
		Type:      enums.StockAlertTypeQueuedOrder,
		ProductID: productID,
		Quantity:  qty,
		OrderID:   &order,
		Metadata:  meta,
	}
	message := fmt.Sprintf("order %s queued for product %s at position %d", orderID, productID, position)
	return s.createAndFanOut(ctx, alert, message)
}

// CreateFailedOrderAlert records a rejected order line with its reason.
func (s *service) CreateFailedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int, reason string) (*models.StockAlert, error) {
	if productID == uuid.Nil || orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id and order id are required")
	}

	meta, err := marshalMeta(FailedOrderMeta{Reason: reason})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode alert metadata")
	}

	order := orderID
	alert := &models.StockAlert{
		ID:        uuid.New(),
		Type:      enums.StockAlertTypeFailedOrder,
		ProductID: productID,
		Quantity:  qty,
		OrderID:   &order,
		Metadata:  meta,
	}
	message := fmt.Sprintf("order %s failed for product %s: %s", orderID, productID, reason)
	return s.createAndFanOut(ctx, alert, message)
}

// MarkQueuedOrderProcessed flips every queued alert of the order to
// processed, then recomputes FIFO positions for the products involved.
// Returns the number of alerts flipped.
func (s *service) MarkQueuedOrderProcessed(ctx context.Context, orderID uuid.UUID, info string) (int, error) {
	if orderID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}

	queued, err := s.repo.ListQueuedByOrder(ctx, orderID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list queued alerts")
	}
	if len(queued) == 0 {
		return 0, nil
	}

	meta, err := marshalMeta(ProcessedMeta{ProcessedAt: time.Now().UTC(), Info: info})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode alert metadata")
	}

	products := map[uuid.UUID]struct{}{}
	for i := range queued {
		alert := queued[i]
		alert.Type = enums.StockAlertTypeProcessed
		alert.Metadata = meta
		if err := s.repo.UpdateAlert(ctx, &alert); err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flip queued alert")
		}
		products[alert.ProductID] = struct{}{}

		message := fmt.Sprintf("queued order %s processed for product %s", orderID, alert.ProductID)
		if err := s.fanOut(ctx, &alert, message); err != nil {
			return 0, err
		}
	}

	for productID := range products {
		if err := s.repositionQueue(ctx, productID); err != nil {
			return 0, err
		}
	}
	return len(queued), nil
}

// repositionQueue rewrites queue positions 1..N by creation order for the
// product's remaining queued alerts.
func (s *service) repositionQueue(ctx context.Context, productID uuid.UUID) error {
	remaining, err := s.repo.ListQueuedByProduct(ctx, productID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list queued alerts for reposition")
	}
	for i := range remaining {
		meta, err := DecodeQueuedOrderMeta(remaining[i].Metadata)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode queued alert metadata")
		}
		if meta.QueuePosition == i+1 {
			continue
		}
		meta.QueuePosition = i + 1
		raw, err := marshalMeta(meta)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode alert metadata")
		}
		if err := s.repo.UpdateAlertMetadata(ctx, remaining[i].ID, raw); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update queue position")
		}
	}
	return nil
}

// Cleanup deletes alerts older than the horizon. queued_order alerts are
// never swept; they carry live queue state.
func (s *service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff, []enums.StockAlertType{enums.StockAlertTypeQueuedOrder})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete stale alerts")
	}
	return deleted, nil
}

func (s *service) DeleteDanglingQueuedAlerts(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteDanglingQueued(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete dangling queued alerts")
	}
	if deleted > 0 {
		s.logg.Warn(ctx, fmt.Sprintf("removed %d dangling queued alerts", deleted))
	}
	return deleted, nil
}

func (s *service) ListRecent(ctx context.Context, limit int) ([]models.StockAlert, error) {
	return s.repo.ListRecent(ctx, limit)
}

func (s *service) ListByType(ctx context.Context, alertType enums.StockAlertType, limit int) ([]models.StockAlert, error) {
	if !alertType.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid alert type %q", alertType)
	}
	return s.repo.ListByType(ctx, alertType, limit)
}

func (s *service) UnreadCount(ctx context.Context) (int64, error) {
	return s.repo.UnreadCount(ctx)
}

func (s *service) MarkNotificationRead(ctx context.Context, notificationID uuid.UUID) error {
	if notificationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification id is required")
	}
	updated, err := s.repo.MarkNotificationRead(ctx, notificationID, time.Now().UTC())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}
	if !updated {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found or already read")
	}
	return nil
}

func (s *service) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	count, err := s.repo.MarkAllNotificationsRead(ctx, time.Now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notifications read")
	}
	return count, nil
}

func (s *service) createAndFanOut(ctx context.Context, alert *models.StockAlert, message string) (*models.StockAlert, error) {
	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create alert")
	}
	if err := s.fanOut(ctx, alert, message); err != nil {
		return nil, err
	}
	return alert, nil
}

// fanOut writes the single notification row, invokes subscribers and fires
// the broadcaster. Broadcast failures are logged, never returned; the alert
// row is already committed.
func (s *service) fanOut(ctx context.Context, alert *models.StockAlert, message string) error {
	notification := &models.StockAlertNotification{
		ID:       uuid.New(),
		AlertID:  alert.ID,
		Message:  message,
		Severity: severityFor(alert.Type),
		Metadata: alert.Metadata,
	}
	if err := s.repo.CreateNotification(ctx, notification); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create alert notification")
	}

	event := Event{Alert: *alert, Notification: *notification}
	s.mu.RLock()
	subscribers := make([]Subscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(ctx, event)
	}

	if err := s.broadcaster.Broadcast(ctx, broadcast.Event{
		Kind:      string(alert.Type),
		AlertID:   alert.ID,
		ProductID: alert.ProductID,
		OrderID:   alert.OrderID,
		Severity:  string(notification.Severity),
		Message:   notification.Message,
		Metadata:  alert.Metadata,
	}); err != nil {
		s.logg.Error(ctx, "broadcasting alert event failed", err)
	}
	return nil
}
