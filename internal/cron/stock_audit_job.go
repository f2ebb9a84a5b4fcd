package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/logger"
)

type stockAuditRepo interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListByProduct(ctx context.Context, productID uuid.UUID, limit int) ([]models.StockTransaction, error)
}

// StockAuditJobParams configure the nightly ledger drift check.
type StockAuditJobParams struct {
	Logger *logger.Logger
	Ledger stockAuditRepo
}

// NewStockAuditJob verifies that each product's stock column matches the tail
// of its ledger. Stock only moves through the ledger, so the newest entry's
// new_stock must equal the live column. Report-only; it never corrects.
func NewStockAuditJob(params StockAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &stockAuditJob{logg: params.Logger, ledger: params.Ledger}, nil
}

type stockAuditJob struct {
	logg   *logger.Logger
	ledger stockAuditRepo
}

func (j *stockAuditJob) Name() string { return "stock-audit" }

func (j *stockAuditJob) Run(ctx context.Context) error {
	products, err := j.ledger.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	checked := 0
	var drift error
	for _, product := range products {
		entries, err := j.ledger.ListByProduct(ctx, product.ID, 1)
		if err != nil {
			return fmt.Errorf("list ledger entries for %s: %w", product.ID, err)
		}
		if len(entries) == 0 {
			continue
		}
		checked++
		if entries[0].NewStock != product.Stock {
			drift = multierr.Append(drift, fmt.Errorf(
				"product %s stock is %d but ledger tail says %d",
				product.ID, product.Stock, entries[0].NewStock))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"products_checked": checked,
		"drift_found":      drift != nil,
	})
	if drift != nil {
		j.logg.Warn(j.logg.WithField(logCtx, "detail", drift.Error()), "stock audit found drift")
		return nil
	}
	j.logg.Info(logCtx, "stock audit complete")
	return nil
}
