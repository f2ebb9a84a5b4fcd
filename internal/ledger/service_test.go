package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jbellard/stockline-backend/pkg/db"
	"github.com/jbellard/stockline-backend/pkg/db/models"
	"github.com/jbellard/stockline-backend/pkg/enums"
	pkgerrors "github.com/jbellard/stockline-backend/pkg/errors"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	products := `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  sku TEXT NOT NULL,
  name TEXT NOT NULL,
  price_cents INTEGER NOT NULL DEFAULT 0,
  stock INTEGER NOT NULL DEFAULT 0,
  queuable INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`
	transactions := `
CREATE TABLE IF NOT EXISTS stock_transactions (
  id TEXT PRIMARY KEY,
  product_id TEXT NOT NULL,
  quantity_delta INTEGER NOT NULL,
  type TEXT NOT NULL,
  reference TEXT,
  previous_stock INTEGER NOT NULL,
  new_stock INTEGER NOT NULL,
  notes TEXT,
  created_at DATETIME
);`
	idempotency := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_stock_transactions_order_ref
  ON stock_transactions (product_id, reference)
  WHERE type = 'order';`

	require.NoError(t, conn.Exec(products).Error)
	require.NoError(t, conn.Exec(transactions).Error)
	require.NoError(t, conn.Exec(idempotency).Error)
	return conn
}

func newProduct(t *testing.T, conn *gorm.DB, stock int, queuable bool) *models.Product {
	t.Helper()

	product := &models.Product{
		ID:       uuid.New(),
		SKU:      fmt.Sprintf("SKU-%s", uuid.NewString()[:8]),
		Name:     "Test Product",
		Stock:    stock,
		Queuable: queuable,
		IsActive: true,
	}
	require.NoError(t, conn.Create(product).Error)
	return product
}

func newLedgerService(t *testing.T, conn *gorm.DB) (Service, *db.Client) {
	t.Helper()

	client := db.FromGorm(conn)
	svc, err := NewService(NewRepository(conn), client)
	require.NoError(t, err)
	return svc, client
}

func settleOnce(t *testing.T, svc Service, client *db.Client, input SettleInput) (SettleResult, error) {
	t.Helper()

	var result SettleResult
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var settleErr error
		result, settleErr = svc.Settle(context.Background(), tx, input)
		return settleErr
	})
	return result, err
}

func currentStock(t *testing.T, conn *gorm.DB, productID uuid.UUID) int {
	t.Helper()

	var product models.Product
	require.NoError(t, conn.First(&product, "id = ?", productID).Error)
	return product.Stock
}

func TestSettleDecrementsAndWritesEntry(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 10, false)
	orderID := uuid.New()

	result, err := settleOnce(t, svc, client, SettleInput{
		ProductID: product.ID,
		OrderID:   orderID,
		Quantity:  4,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 6, result.Remaining)
	assert.Equal(t, 6, currentStock(t, conn, product.ID))

	entries, err := svc.ListByReference(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.StockTransactionTypeOrder, entries[0].Type)
	assert.Equal(t, -4, entries[0].QuantityDelta)
	assert.Equal(t, 10, entries[0].PreviousStock)
	assert.Equal(t, 6, entries[0].NewStock)
}

func TestSettleIsIdempotentPerOrderLine(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 10, false)
	orderID := uuid.New()
	input := SettleInput{ProductID: product.ID, OrderID: orderID, Quantity: 3}

	first, err := settleOnce(t, svc, client, input)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := settleOnce(t, svc, client, input)
	require.NoError(t, err)
	assert.False(t, second.Applied, "redelivered settlement must be a no-op")
	assert.Equal(t, 7, second.Remaining)

	assert.Equal(t, 7, currentStock(t, conn, product.ID))

	entries, err := svc.ListByReference(context.Background(), orderID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only one ledger row per (product, order)")
}

func TestSettleRefusesOversell(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 2, false)

	_, err := settleOnce(t, svc, client, SettleInput{
		ProductID: product.ID,
		OrderID:   uuid.New(),
		Quantity:  5,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))

	assert.Equal(t, 2, currentStock(t, conn, product.ID))

	var count int64
	require.NoError(t, conn.Model(&models.StockTransaction{}).Count(&count).Error)
	assert.Zero(t, count, "failed settlement must not leave ledger rows")
}

func TestSettleExhaustsStockExactly(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 5, false)

	settled := 0
	for i := 0; i < 8; i++ {
		result, err := settleOnce(t, svc, client, SettleInput{
			ProductID: product.ID,
			OrderID:   uuid.New(),
			Quantity:  1,
		})
		if err != nil {
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
			continue
		}
		require.True(t, result.Applied)
		settled++
	}

	assert.Equal(t, 5, settled, "exactly the available stock settles")
	assert.Equal(t, 0, currentStock(t, conn, product.ID))
}

func TestSettleUnknownProduct(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)

	_, err := settleOnce(t, svc, client, SettleInput{
		ProductID: uuid.New(),
		OrderID:   uuid.New(),
		Quantity:  1,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRestockReversesDecrement(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 10, false)
	orderID := uuid.New()

	_, err := settleOnce(t, svc, client, SettleInput{ProductID: product.ID, OrderID: orderID, Quantity: 4})
	require.NoError(t, err)

	err = client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, restockErr := svc.Restock(context.Background(), tx, RestockInput{
			ProductID: product.ID,
			OrderID:   orderID,
			Quantity:  4,
			Notes:     "order cancelled",
		})
		return restockErr
	})
	require.NoError(t, err)

	assert.Equal(t, 10, currentStock(t, conn, product.ID))

	entries, err := svc.ListByReference(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, enums.StockTransactionTypeReturn, entries[1].Type)
	assert.Equal(t, 4, entries[1].QuantityDelta)
}

func TestRecordAdjustmentGuardsNegativeStock(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, _ := newLedgerService(t, conn)
	product := newProduct(t, conn, 3, false)
	ctx := context.Background()

	entry, err := svc.RecordAdjustment(ctx, AdjustmentInput{
		ProductID: product.ID,
		Type:      enums.StockTransactionTypeManual,
		Delta:     5,
		Notes:     "intake",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, entry.NewStock)
	assert.Equal(t, 8, currentStock(t, conn, product.ID))

	_, err = svc.RecordAdjustment(ctx, AdjustmentInput{
		ProductID: product.ID,
		Type:      enums.StockTransactionTypeInventory,
		Delta:     -20,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	assert.Equal(t, 8, currentStock(t, conn, product.ID))
}

func TestRecordAdjustmentRejectsOrderType(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, _ := newLedgerService(t, conn)
	product := newProduct(t, conn, 3, false)

	_, err := svc.RecordAdjustment(context.Background(), AdjustmentInput{
		ProductID: product.ID,
		Type:      enums.StockTransactionTypeOrder,
		Delta:     1,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestHasSettlement(t *testing.T) {
	conn := setupLedgerTestDB(t)
	svc, client := newLedgerService(t, conn)
	product := newProduct(t, conn, 10, false)
	orderID := uuid.New()

	found, err := svc.HasSettlement(context.Background(), product.ID, orderID)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = settleOnce(t, svc, client, SettleInput{ProductID: product.ID, OrderID: orderID, Quantity: 1})
	require.NoError(t, err)

	found, err = svc.HasSettlement(context.Background(), product.ID, orderID)
	require.NoError(t, err)
	assert.True(t, found)
}
