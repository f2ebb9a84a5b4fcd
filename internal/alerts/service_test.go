package alerts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/pkg/broadcast"
	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	"github.com/jbellard/stockline-backend/pkg/logger"
)

type captureBroadcaster struct {
	events []broadcast.Event
}

func (c *captureBroadcaster) Broadcast(_ context.Context, event broadcast.Event) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureBroadcaster) Close() error { return nil }

func setupAlertsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:alerts_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	orders := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  total_cents INTEGER NOT NULL DEFAULT 0,
  notes TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	alerts := `
CREATE TABLE IF NOT EXISTS stock_alerts (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  product_id TEXT NOT NULL,
  quantity INTEGER NOT NULL DEFAULT 0,
  order_id TEXT,
  metadata TEXT,
  created_at DATETIME
);`
	notifications := `
CREATE TABLE IF NOT EXISTS stock_alert_notifications (
  id TEXT PRIMARY KEY,
  alert_id TEXT NOT NULL,
  message TEXT NOT NULL,
  severity TEXT NOT NULL,
  read_at DATETIME,
  metadata TEXT,
  created_at DATETIME
);`
	require.NoError(t, conn.Exec(orders).Error)
	require.NoError(t, conn.Exec(alerts).Error)
	require.NoError(t, conn.Exec(notifications).Error)
	return conn
}

func newAlertsService(t *testing.T, conn *gorm.DB, cfg config.AlertsConfig) (Service, *captureBroadcaster) {
	t.Helper()

	if cfg.LowStockMinThreshold == 0 {
		cfg.LowStockMinThreshold = 5
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = 24 * time.Hour
	}
	sink := &captureBroadcaster{}
	logg := logger.New(logger.Options{ServiceName: "alerts-test"})
	svc, err := NewService(NewRepository(conn), cfg, logg, sink)
	require.NoError(t, err)
	return svc, sink
}

func newOrderRow(t *testing.T, conn *gorm.DB) uuid.UUID {
	t.Helper()

	order := &models.Order{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: enums.OrderStatusPending,
	}
	require.NoError(t, conn.Create(order).Error)
	return order.ID
}

func TestCheckLowStockThresholds(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, sink := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()

	alert, err := svc.CheckLowStock(ctx, uuid.New(), 20, 10)
	require.NoError(t, err)
	assert.Nil(t, alert, "healthy stock raises nothing")

	alert, err = svc.CheckLowStock(ctx, uuid.New(), 3, 10)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, enums.StockAlertTypeLowStock, alert.Type)

	meta, err := DecodeLowStockMeta(alert.Metadata)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Threshold)
	assert.Equal(t, 3, meta.CurrentStock)

	alert, err = svc.CheckLowStock(ctx, uuid.New(), 0, 10)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, enums.StockAlertTypeStockOut, alert.Type)

	require.Len(t, sink.events, 2)
	assert.Equal(t, string(enums.AlertSeverityCritical), sink.events[1].Severity)
}

func TestCheckLowStockDynamicThreshold(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()

	// 10% of 100 beats the configured minimum of 5.
	alert, err := svc.CheckLowStock(ctx, uuid.New(), 8, 100)
	require.NoError(t, err)
	require.NotNil(t, alert)

	meta, err := DecodeLowStockMeta(alert.Metadata)
	require.NoError(t, err)
	assert.Equal(t, 10, meta.Threshold)
}

func TestCheckLowStockDynamicThresholdRoundsUp(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()

	// 10% of 55 is 5.5; the threshold rounds up to 6.
	alert, err := svc.CheckLowStock(ctx, uuid.New(), 6, 55)
	require.NoError(t, err)
	require.NotNil(t, alert, "stock of 6 sits on the rounded-up threshold")

	meta, err := DecodeLowStockMeta(alert.Metadata)
	require.NoError(t, err)
	assert.Equal(t, 6, meta.Threshold)

	alert, err = svc.CheckLowStock(ctx, uuid.New(), 7, 55)
	require.NoError(t, err)
	assert.Nil(t, alert, "stock just above the threshold raises nothing")
}

func TestCheckLowStockDebounce(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()
	productID := uuid.New()

	first, err := svc.CheckLowStock(ctx, productID, 2, 10)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.CheckLowStock(ctx, productID, 1, 10)
	require.NoError(t, err)
	assert.Nil(t, second, "second alert inside the window is debounced")

	other, err := svc.CheckLowStock(ctx, uuid.New(), 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, other, "debounce is per product")
}

func TestQueuedOrderAlertPositions(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()
	productID := uuid.New()

	orderIDs := []uuid.UUID{newOrderRow(t, conn), newOrderRow(t, conn), newOrderRow(t, conn)}
	for i, orderID := range orderIDs {
		alert, err := svc.CreateQueuedOrderAlert(ctx, productID, orderID, 2)
		require.NoError(t, err)

		meta, err := DecodeQueuedOrderMeta(alert.Metadata)
		require.NoError(t, err)
		assert.Equal(t, i+1, meta.QueuePosition)
	}
}

func TestMarkQueuedOrderProcessedRepositionsFIFO(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()
	productID := uuid.New()

	first := newOrderRow(t, conn)
	middle := newOrderRow(t, conn)
	last := newOrderRow(t, conn)
	for _, orderID := range []uuid.UUID{first, middle, last} {
		_, err := svc.CreateQueuedOrderAlert(ctx, productID, orderID, 1)
		require.NoError(t, err)
	}

	flipped, err := svc.MarkQueuedOrderProcessed(ctx, middle, "settled by worker")
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	processed, err := svc.ListByType(ctx, enums.StockAlertTypeProcessed, 0)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	procMeta, err := DecodeProcessedMeta(processed[0].Metadata)
	require.NoError(t, err)
	assert.Equal(t, "settled by worker", procMeta.Info)

	remaining, err := svc.ListByType(ctx, enums.StockAlertTypeQueuedOrder, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	positions := map[uuid.UUID]int{}
	for _, alert := range remaining {
		meta, err := DecodeQueuedOrderMeta(alert.Metadata)
		require.NoError(t, err)
		positions[*alert.OrderID] = meta.QueuePosition
	}
	assert.Equal(t, 1, positions[first], "first stays at position 1")
	assert.Equal(t, 2, positions[last], "last closes the gap to position 2")
}

func TestMarkQueuedOrderProcessedNoQueuedAlerts(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})

	flipped, err := svc.MarkQueuedOrderProcessed(context.Background(), uuid.New(), "")
	require.NoError(t, err)
	assert.Zero(t, flipped)
}

func TestCleanupSparesQueuedAlerts(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{RetentionDays: 30})
	ctx := context.Background()

	stale := time.Now().UTC().Add(-60 * 24 * time.Hour)
	staleLowStock := &models.StockAlert{
		ID: uuid.New(), Type: enums.StockAlertTypeLowStock,
		ProductID: uuid.New(), CreatedAt: stale,
	}
	orderID := newOrderRow(t, conn)
	staleQueued := &models.StockAlert{
		ID: uuid.New(), Type: enums.StockAlertTypeQueuedOrder,
		ProductID: uuid.New(), OrderID: &orderID, CreatedAt: stale,
	}
	require.NoError(t, conn.Create(staleLowStock).Error)
	require.NoError(t, conn.Create(staleQueued).Error)

	deleted, err := svc.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	queued, err := svc.ListByType(ctx, enums.StockAlertTypeQueuedOrder, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1, "queued_order alerts survive retention sweeps")
}

func TestDeleteDanglingQueuedAlerts(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, _ := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()
	productID := uuid.New()

	liveOrder := newOrderRow(t, conn)
	_, err := svc.CreateQueuedOrderAlert(ctx, productID, liveOrder, 1)
	require.NoError(t, err)

	ghostOrder := uuid.New()
	dangling := &models.StockAlert{
		ID: uuid.New(), Type: enums.StockAlertTypeQueuedOrder,
		ProductID: productID, OrderID: &ghostOrder,
	}
	orphan := &models.StockAlert{
		ID: uuid.New(), Type: enums.StockAlertTypeQueuedOrder,
		ProductID: productID,
	}
	require.NoError(t, conn.Create(dangling).Error)
	require.NoError(t, conn.Create(orphan).Error)

	deleted, err := svc.DeleteDanglingQueuedAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := svc.ListByType(ctx, enums.StockAlertTypeQueuedOrder, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, liveOrder, *remaining[0].OrderID)
}

func TestNotificationFanOutAndReads(t *testing.T) {
	conn := setupAlertsTestDB(t)
	svc, sink := newAlertsService(t, conn, config.AlertsConfig{})
	ctx := context.Background()

	var seen []Event
	svc.Subscribe(func(_ context.Context, event Event) {
		seen = append(seen, event)
	})

	alert, err := svc.CheckLowStock(ctx, uuid.New(), 1, 10)
	require.NoError(t, err)
	require.NotNil(t, alert)

	require.Len(t, seen, 1)
	assert.Equal(t, alert.ID, seen[0].Alert.ID)
	require.Len(t, sink.events, 1)
	assert.Equal(t, alert.ID, sink.events[0].AlertID)

	count, err := svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, svc.MarkNotificationRead(ctx, seen[0].Notification.ID))
	count, err = svc.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	err = svc.MarkNotificationRead(ctx, seen[0].Notification.ID)
	require.Error(t, err, "second read attempt reports not found")

	_, err = svc.CheckLowStock(ctx, uuid.New(), 1, 10)
	require.NoError(t, err)
	_, err = svc.CheckLowStock(ctx, uuid.New(), 1, 10)
	require.NoError(t, err)

	updated, err := svc.MarkAllNotificationsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)
}
