package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the stock ledger operations. Settle and Restock accept the
// caller's transaction so order state and stock movement commit together.
type Service interface {
	Settle(ctx context.Context, tx *gorm.DB, input SettleInput) (SettleResult, error)
	Restock(ctx context.Context, tx *gorm.DB, input RestockInput) (*models.StockTransaction, error)
	RecordAdjustment(ctx context.Context, input AdjustmentInput) (*models.StockTransaction, error)
	FindEntry(ctx context.Context, productID, orderID uuid.UUID, entryType enums.StockTransactionType) (*models.StockTransaction, error)
	ListByReference(ctx context.Context, reference uuid.UUID) ([]models.StockTransaction, error)
	ListByProduct(ctx context.Context, productID uuid.UUID, limit int) ([]models.StockTransaction, error)
	HasSettlement(ctx context.Context, productID, orderID uuid.UUID) (bool, error)
}

// SettleInput describes one order line to decrement.
type SettleInput struct {
	ProductID uuid.UUID
	OrderID   uuid.UUID
	Quantity  int
}

// SettleResult reports what the settlement attempt did. Applied is false when
// an earlier attempt for the same (product, order) pair already settled;
// Remaining is the stock level after this call either way.
type SettleResult struct {
	Applied   bool
	Remaining int
}

// RestockInput returns previously settled stock, e.g. when a confirmed order
// is cancelled.
type RestockInput struct {
	ProductID uuid.UUID
	OrderID   uuid.UUID
	Quantity  int
	Notes     string
}

// AdjustmentInput records a manual or inventory-count stock movement.
type AdjustmentInput struct {
	ProductID uuid.UUID
	Type      enums.StockTransactionType
	Delta     int
	Notes     string
}

type service struct {
	repo Repository
	tx   txRunner
}

// NewService wires a ledger service with the provided repository and
// transaction runner.
func NewService(repo Repository, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx}, nil
}

// Settle performs the atomic decrement for one order line. Inside the
// caller's transaction it locks the product row, refuses to oversell, writes
// the idempotency-guarded ledger entry and applies the stock delta. A
// duplicate settlement is a no-op reported through SettleResult.Applied.
func (s *service) Settle(ctx context.Context, tx *gorm.DB, input SettleInput) (SettleResult, error) {
	if err := validateSettleInput(input); err != nil {
		return SettleResult{}, err
	}

	repo := s.repo.WithTx(tx)

	product, err := repo.GetProductForUpdate(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SettleResult{}, pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", input.ProductID)
		}
		return SettleResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product row")
	}

	if product.Stock < input.Quantity {
		return SettleResult{}, pkgerrors.Newf(
			pkgerrors.CodeInsufficientStock,
			"product %s has %d in stock, order needs %d",
			input.ProductID, product.Stock, input.Quantity,
		)
	}

	reference := input.OrderID
	entry := &models.StockTransaction{
		ID:            uuid.New(),
		ProductID:     input.ProductID,
		QuantityDelta: -input.Quantity,
		Type:          enums.StockTransactionTypeOrder,
		Reference:     &reference,
		PreviousStock: product.Stock,
		NewStock:      product.Stock - input.Quantity,
	}

	applied, err := repo.CreateEntry(ctx, entry)
	if err != nil {
		return SettleResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write ledger entry")
	}
	if !applied {
		// A previous delivery already settled this line; current stock stands.
		return SettleResult{Applied: false, Remaining: product.Stock}, nil
	}

	moved, err := repo.ApplyStockDelta(ctx, input.ProductID, -input.Quantity)
	if err != nil {
		return SettleResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply stock delta")
	}
	if !moved {
		// Guard refused despite the locked read. Abort the transaction rather
		// than commit a ledger row without its stock movement.
		return SettleResult{}, pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
			"stock guard rejected decrement for product %s", input.ProductID)
	}

	return SettleResult{Applied: true, Remaining: entry.NewStock}, nil
}

// Restock reverses a settled decrement inside the caller's transaction.
func (s *service) Restock(ctx context.Context, tx *gorm.DB, input RestockInput) (*models.StockTransaction, error) {
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "restock quantity must be positive")
	}

	repo := s.repo.WithTx(tx)

	product, err := repo.GetProductForUpdate(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", input.ProductID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product row")
	}

	entry := &models.StockTransaction{
		ID:            uuid.New(),
		ProductID:     input.ProductID,
		QuantityDelta: input.Quantity,
		Type:          enums.StockTransactionTypeReturn,
		PreviousStock: product.Stock,
		NewStock:      product.Stock + input.Quantity,
	}
	if input.OrderID != uuid.Nil {
		reference := input.OrderID
		entry.Reference = &reference
	}
	if input.Notes != "" {
		notes := input.Notes
		entry.Notes = &notes
	}

	if _, err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write ledger entry")
	}
	if _, err := repo.ApplyStockDelta(ctx, input.ProductID, input.Quantity); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply stock delta")
	}
	return entry, nil
}

// RecordAdjustment applies a manual stock movement in its own transaction.
func (s *service) RecordAdjustment(ctx context.Context, input AdjustmentInput) (*models.StockTransaction, error) {
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.Delta == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "adjustment delta must be non-zero")
	}
	switch input.Type {
	case enums.StockTransactionTypeManual, enums.StockTransactionTypeInventory, enums.StockTransactionTypeAdjustment:
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "type %q is not an adjustment type", input.Type)
	}

	var entry *models.StockTransaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		product, err := repo.GetProductForUpdate(ctx, input.ProductID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Newf(pkgerrors.CodeNotFound, "product %s not found", input.ProductID)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product row")
		}
		if product.Stock+input.Delta < 0 {
			return pkgerrors.Newf(
				pkgerrors.CodeInsufficientStock,
				"adjustment of %d would take product %s below zero (current %d)",
				input.Delta, input.ProductID, product.Stock,
			)
		}

		entry = &models.StockTransaction{
			ID:            uuid.New(),
			ProductID:     input.ProductID,
			QuantityDelta: input.Delta,
			Type:          input.Type,
			PreviousStock: product.Stock,
			NewStock:      product.Stock + input.Delta,
		}
		if input.Notes != "" {
			notes := input.Notes
			entry.Notes = &notes
		}

		if _, err := repo.CreateEntry(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write ledger entry")
		}
		moved, err := repo.ApplyStockDelta(ctx, input.ProductID, input.Delta)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply stock delta")
		}
		if !moved {
			return pkgerrors.Newf(pkgerrors.CodeInsufficientStock,
				"stock guard rejected adjustment for product %s", input.ProductID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindEntry loads one ledger row by its idempotency coordinates. Returns a
// not-found error when no settlement of that type exists yet.
func (s *service) FindEntry(ctx context.Context, productID, orderID uuid.UUID, entryType enums.StockTransactionType) (*models.StockTransaction, error) {
	if productID == uuid.Nil || orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id and order id are required")
	}
	entry, err := s.repo.FindEntry(ctx, productID, orderID, entryType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "no %s ledger entry for product %s on order %s", entryType, productID, orderID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find ledger entry")
	}
	return entry, nil
}

func (s *service) ListByReference(ctx context.Context, reference uuid.UUID) ([]models.StockTransaction, error) {
	if reference == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference is required")
	}
	return s.repo.ListByReference(ctx, reference)
}

func (s *service) ListByProduct(ctx context.Context, productID uuid.UUID, limit int) ([]models.StockTransaction, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	return s.repo.ListByProduct(ctx, productID, limit)
}

func (s *service) HasSettlement(ctx context.Context, productID, orderID uuid.UUID) (bool, error) {
	if productID == uuid.Nil || orderID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "product id and order id are required")
	}
	return s.repo.HasOrderEntry(ctx, productID, orderID)
}

func validateSettleInput(input SettleInput) error {
	if input.ProductID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.OrderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if input.Quantity <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "settle quantity must be positive")
	}
	return nil
}
