package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
)

// Repository manages persistence for stock transactions and the guarded
// product stock column.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetProductForUpdate(ctx context.Context, productID uuid.UUID) (*models.Product, error)
	CreateEntry(ctx context.Context, entry *models.StockTransaction) (bool, error)
	ApplyStockDelta(ctx context.Context, productID uuid.UUID, delta int) (bool, error)
	FindEntry(ctx context.Context, productID, reference uuid.UUID, entryType enums.StockTransactionType) (*models.StockTransaction, error)
	ListByReference(ctx context.Context, reference uuid.UUID) ([]models.StockTransaction, error)
	ListByProduct(ctx context.Context, productID uuid.UUID, limit int) ([]models.StockTransaction, error)
	HasOrderEntry(ctx context.Context, productID, orderID uuid.UUID) (bool, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) GetProductForUpdate(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	query := r.db.WithContext(ctx)
	// sqlite locks the whole database per write; FOR UPDATE is postgres-only.
	if r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var product models.Product
	if err := query.First(&product, "id = ?", productID).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// CreateEntry inserts a ledger row. Order-type rows ride the partial unique
// index; a conflicting insert is swallowed and reported as applied=false.
func (r *repository) CreateEntry(ctx context.Context, entry *models.StockTransaction) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplyStockDelta adjusts product stock with a non-negative guard. Returns
// false when the guard rejected the write.
func (r *repository) ApplyStockDelta(ctx context.Context, productID uuid.UUID, delta int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND stock + ? >= 0", productID, delta).
		UpdateColumn("stock", gorm.Expr("stock + ?", delta))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) FindEntry(ctx context.Context, productID, reference uuid.UUID, entryType enums.StockTransactionType) (*models.StockTransaction, error) {
	var entry models.StockTransaction
	if err := r.db.WithContext(ctx).
		Where("product_id = ? AND reference = ? AND type = ?", productID, reference, entryType).
		First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByReference(ctx context.Context, reference uuid.UUID) ([]models.StockTransaction, error) {
	var entries []models.StockTransaction
	if err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListByProduct(ctx context.Context, productID uuid.UUID, limit int) ([]models.StockTransaction, error) {
	query := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []models.StockTransaction
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (r *repository) HasOrderEntry(ctx context.Context, productID, orderID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.StockTransaction{}).
		Where("product_id = ? AND reference = ? AND type = ?", productID, orderID, enums.StockTransactionTypeOrder).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
