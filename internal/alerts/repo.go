package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
)

// Repository exposes persistence helpers for alerts and their notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateAlert(ctx context.Context, alert *models.StockAlert) error
	CreateNotification(ctx context.Context, notification *models.StockAlertNotification) error
	FindRecentStockAlert(ctx context.Context, productID uuid.UUID, since time.Time) (*models.StockAlert, error)
	CountQueuedForProduct(ctx context.Context, productID uuid.UUID) (int64, error)
	ListQueuedByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockAlert, error)
	ListQueuedByProduct(ctx context.Context, productID uuid.UUID) ([]models.StockAlert, error)
	ListQueued(ctx context.Context) ([]models.StockAlert, error)
	UpdateAlert(ctx context.Context, alert *models.StockAlert) error
	UpdateAlertMetadata(ctx context.Context, alertID uuid.UUID, metadata json.RawMessage) error
	ListRecent(ctx context.Context, limit int) ([]models.StockAlert, error)
	ListByType(ctx context.Context, alertType enums.StockAlertType, limit int) ([]models.StockAlert, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, excluded []enums.StockAlertType) (int64, error)
	DeleteDanglingQueued(ctx context.Context) (int64, error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkNotificationRead(ctx context.Context, notificationID uuid.UUID, now time.Time) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an alerts repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateAlert(ctx context.Context, alert *models.StockAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *repository) CreateNotification(ctx context.Context, notification *models.StockAlertNotification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

// FindRecentStockAlert returns the newest low_stock/stock_out alert for the
// product inside the debounce window, or gorm.ErrRecordNotFound.
func (r *repository) FindRecentStockAlert(ctx context.Context, productID uuid.UUID, since time.Time) (*models.StockAlert, error) {
	var alert models.StockAlert
	if err := r.db.WithContext(ctx).
		Where("product_id = ? AND type IN ? AND created_at >= ?",
			productID,
			[]enums.StockAlertType{enums.StockAlertTypeLowStock, enums.StockAlertTypeStockOut},
			since).
		Order("created_at DESC").
		First(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *repository) CountQueuedForProduct(ctx context.Context, productID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.StockAlert{}).
		Where("product_id = ? AND type = ?", productID, enums.StockAlertTypeQueuedOrder).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) ListQueuedByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockAlert, error) {
	var alerts []models.StockAlert
	if err := r.db.WithContext(ctx).
		Where("order_id = ? AND type = ?", orderID, enums.StockAlertTypeQueuedOrder).
		Order("created_at ASC").
		Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) ListQueuedByProduct(ctx context.Context, productID uuid.UUID) ([]models.StockAlert, error) {
	var alerts []models.StockAlert
	if err := r.db.WithContext(ctx).
		Where("product_id = ? AND type = ?", productID, enums.StockAlertTypeQueuedOrder).
		Order("created_at ASC").
		Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) ListQueued(ctx context.Context) ([]models.StockAlert, error) {
	var alerts []models.StockAlert
	if err := r.db.WithContext(ctx).
		Where("type = ?", enums.StockAlertTypeQueuedOrder).
		Order("created_at ASC").
		Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) UpdateAlert(ctx context.Context, alert *models.StockAlert) error {
	return r.db.WithContext(ctx).
		Model(&models.StockAlert{}).
		Where("id = ?", alert.ID).
		Updates(map[string]any{
			"type":     alert.Type,
			"metadata": alert.Metadata,
		}).Error
}

func (r *repository) UpdateAlertMetadata(ctx context.Context, alertID uuid.UUID, metadata json.RawMessage) error {
	return r.db.WithContext(ctx).
		Model(&models.StockAlert{}).
		Where("id = ?", alertID).
		UpdateColumn("metadata", metadata).Error
}

func (r *repository) ListRecent(ctx context.Context, limit int) ([]models.StockAlert, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var alerts []models.StockAlert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) ListByType(ctx context.Context, alertType enums.StockAlertType, limit int) ([]models.StockAlert, error) {
	query := r.db.WithContext(ctx).
		Where("type = ?", alertType).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var alerts []models.StockAlert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) DeleteOlderThan(ctx context.Context, cutoff time.Time, excluded []enums.StockAlertType) (int64, error) {
	query := r.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if len(excluded) > 0 {
		query = query.Where("type NOT IN ?", excluded)
	}
	result := query.Delete(&models.StockAlert{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteDanglingQueued removes queued_order alerts whose order reference is
// missing or points at no existing order.
func (r *repository) DeleteDanglingQueued(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("type = ?", enums.StockAlertTypeQueuedOrder).
		Where("order_id IS NULL OR order_id NOT IN (?)",
			r.db.Model(&models.Order{}).Select("id")).
		Delete(&models.StockAlert{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repository) UnreadCount(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.StockAlertNotification{}).
		Where("read_at IS NULL").
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) MarkNotificationRead(ctx context.Context, notificationID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StockAlertNotification{}).
		Where("id = ? AND read_at IS NULL", notificationID).
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) MarkAllNotificationsRead(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StockAlertNotification{}).
		Where("read_at IS NULL").
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
