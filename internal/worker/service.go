package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/internal/ledger"
	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
	"github.com/jbellard/stockline-backend/pkg/logger"
	"github.com/jbellard/stockline-backend/pkg/queue"
)

const (
	defaultMonitorInterval = time.Minute
	auditBatchSize         = 200
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type queueService interface {
	Consume(ctx context.Context, lane queue.Lane, handler queue.Handler) error
	Depth(ctx context.Context, lane queue.Lane) (queue.Depth, error)
}

type orderStore interface {
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type stockLedger interface {
	Settle(ctx context.Context, tx *gorm.DB, input ledger.SettleInput) (ledger.SettleResult, error)
	HasSettlement(ctx context.Context, productID, orderID uuid.UUID) (bool, error)
}

type alertSink interface {
	CheckLowStock(ctx context.Context, productID uuid.UUID, newStock, requestedQty int) (*models.StockAlert, error)
	CreateFailedOrderAlert(ctx context.Context, productID, orderID uuid.UUID, qty int, reason string) (*models.StockAlert, error)
	DeleteDanglingQueuedAlerts(ctx context.Context) (int64, error)
	ListByType(ctx context.Context, alertType enums.StockAlertType, limit int) ([]models.StockAlert, error)
}

// ServiceParams configure the stock verification worker.
type ServiceParams struct {
	Logger *logger.Logger
	Config config.WorkerConfig
	DB     txRunner
	Queue  queueService
	Orders orderStore
	Stock  stockLedger
	Alerts alertSink
}

// Service consumes the immediate settlement lane and keeps an eye on the
// deferred one. The deferred lane is a parking lot: the monitor reports its
// depth and audits queued alerts against order state, it never settles.
type Service struct {
	logg            *logger.Logger
	db              txRunner
	queue           queueService
	orders          orderStore
	stock           stockLedger
	alerts          alertSink
	monitorInterval time.Duration
}

// NewService builds the worker service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("queue service required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order store required")
	}
	if params.Stock == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alert sink required")
	}
	interval := params.Config.MonitorInterval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &Service{
		logg:            params.Logger,
		db:              params.DB,
		queue:           params.Queue,
		orders:          params.Orders,
		stock:           params.Stock,
		alerts:          params.Alerts,
		monitorInterval: interval,
	}, nil
}

// Run blocks until the context is canceled or either loop fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if deleted, err := s.alerts.DeleteDanglingQueuedAlerts(ctx); err != nil {
		s.logg.Error(ctx, "startup dangling alert sweep failed", err)
	} else if deleted > 0 {
		s.logg.Info(s.logg.WithField(ctx, "rows_deleted", deleted), "startup dangling alert sweep complete")
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.queue.Consume(ctx, queue.LaneImmediate, s.HandleVerification)
	}()
	go func() {
		errCh <- s.monitorDeferredLane(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return err
	}
}

// HandleVerification processes one immediate-lane message. Settlement is
// idempotent per order line, so redeliveries are harmless no-ops.
func (s *Service) HandleVerification(ctx context.Context, msg queue.StockVerificationMessage) queue.Ack {
	ctx = s.logg.WithOrderID(ctx, msg.Data.OrderID.String())

	order, err := s.orders.FindOrder(ctx, msg.Data.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(ctx, "verification message references an unknown order, dropping")
			return queue.AckDone
		}
		s.logg.Error(ctx, "loading order for verification failed", err)
		return queue.AckRequeue
	}

	switch order.Status {
	case enums.OrderStatusCancelled:
		s.logg.Info(ctx, "order already cancelled, dropping verification message")
		return queue.AckDone
	case enums.OrderStatusPending:
		// A promoted message can land a beat before the confirm commit is
		// visible. Let the redelivery pick it up.
		s.logg.Warn(ctx, "pending order on the immediate lane, requeueing")
		return queue.AckRequeue
	}

	var outstanding []queue.StockVerificationItem
	for _, item := range msg.Data.Items {
		settled, err := s.stock.HasSettlement(ctx, item.ProductID, order.ID)
		if err != nil {
			s.logg.Error(ctx, "checking settlement state failed", err)
			return queue.AckRequeue
		}
		if !settled {
			outstanding = append(outstanding, item)
		}
	}
	if len(outstanding) == 0 {
		s.logg.Debug(ctx, "all lines already settled")
		return queue.AckDone
	}

	var settled []ledger.SettleResult
	var items []queue.StockVerificationItem
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		for _, item := range outstanding {
			result, err := s.stock.Settle(ctx, tx, ledger.SettleInput{
				ProductID: item.ProductID,
				OrderID:   order.ID,
				Quantity:  item.Quantity,
			})
			if err != nil {
				return err
			}
			settled = append(settled, result)
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
			// The stock this message was written against is gone. Nothing a
			// retry can fix; flag the order instead of spinning.
			s.logg.Error(ctx, "stock no longer covers the order, flagging", err)
			for _, item := range outstanding {
				if _, alertErr := s.alerts.CreateFailedOrderAlert(ctx, item.ProductID, order.ID, item.Quantity, "stock verification failed"); alertErr != nil {
					s.logg.Error(ctx, "creating failed order alert failed", alertErr)
				}
			}
			return queue.AckDone
		}
		s.logg.Error(ctx, "settling order lines failed", err)
		return queue.AckRequeue
	}

	for i, result := range settled {
		if !result.Applied {
			continue
		}
		if _, err := s.alerts.CheckLowStock(ctx, items[i].ProductID, result.Remaining, items[i].Quantity); err != nil {
			s.logg.Error(s.logg.WithProductID(ctx, items[i].ProductID.String()), "low stock check failed", err)
		}
	}
	return queue.AckDone
}

// monitorDeferredLane reports lane depths and audits queued alerts on a fixed
// cadence.
func (s *Service) monitorDeferredLane(ctx context.Context) error {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, lane := range []queue.Lane{queue.LaneImmediate, queue.LaneDeferred} {
				depth, err := s.queue.Depth(ctx, lane)
				if err != nil {
					s.logg.Error(s.logg.WithLane(ctx, lane.String()), "reading lane depth failed", err)
					continue
				}
				s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
					"lane":     lane.String(),
					"messages": depth.Messages,
				}), "lane depth")
			}
			if _, err := s.AuditQueuedAlerts(ctx); err != nil {
				s.logg.Error(ctx, "queued alert audit failed", err)
			}
		}
	}
}

// AuditQueuedAlerts cross-checks live queued alerts against their orders and
// reports every mismatch it finds. Read-only: fixing state is the settlement
// service's job.
func (s *Service) AuditQueuedAlerts(ctx context.Context) (int, error) {
	queued, err := s.alerts.ListByType(ctx, enums.StockAlertTypeQueuedOrder, auditBatchSize)
	if err != nil {
		return 0, err
	}

	mismatches := 0
	var auditErr error
	for _, alert := range queued {
		if alert.OrderID == nil {
			mismatches++
			auditErr = multierr.Append(auditErr, fmt.Errorf("queued alert %s has no order reference", alert.ID))
			continue
		}
		order, err := s.orders.FindOrder(ctx, *alert.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				mismatches++
				auditErr = multierr.Append(auditErr, fmt.Errorf("queued alert %s references missing order %s", alert.ID, *alert.OrderID))
				continue
			}
			return mismatches, err
		}
		if order.Status != enums.OrderStatusPending {
			mismatches++
			auditErr = multierr.Append(auditErr, fmt.Errorf("queued alert %s is live but order %s is %s", alert.ID, order.ID, order.Status))
		}
	}

	if auditErr != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"checked":    len(queued),
			"mismatches": mismatches,
			"detail":     auditErr.Error(),
		}), "queued alert audit found inconsistencies")
	}
	return mismatches, nil
}
