package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trywear/internal/models"

	"github.com/jmoiron/sqlx"
)

// UnitOfWork runs a closure of operations inside a single database
// transaction. The closure's effects are applied all-or-nothing: any
// error returned from the closure rolls the whole transaction back.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(tx OrderTx) error) error
}

// OrderTx is the set of transaction-scoped operations available to the
// checkout, cancellation, and settlement routines.
type OrderTx interface {
	// AddOrder inserts the order and fills in its generated ID.
	AddOrder(ctx context.Context, order *models.Order) error
	AddOrderItem(ctx context.Context, item *models.OrderItem) error
	AddPayment(ctx context.Context, payment *models.Payment) error
	// OrderForUpdate locks and returns the order row, or (nil, nil) when
	// the order does not exist.
	OrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error)
	SetOrderStatus(ctx context.Context, orderID int64, status string) error
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	// InventoryForUpdate locks and returns the inventory row, or
	// (nil, nil) when no row exists for the variant.
	InventoryForUpdate(ctx context.Context, variantID int64) (*models.Inventory, error)
	SetInventoryCounts(ctx context.Context, variantID int64, stock, reserved int) error
	AppendAuditLog(ctx context.Context, log *models.InventoryAuditLog) error
	SetPaymentStatus(ctx context.Context, orderID int64, status, providerTxID string, paidAt *time.Time) error
	AddNotification(ctx context.Context, n *models.Notification) error
}

// WithTx implements UnitOfWork on the sqlx store.
func (s *Store) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txOps{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

type txOps struct {
	tx *sqlx.Tx
}

func (t *txOps) AddOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, total_amount, status, idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return t.tx.GetContext(ctx, order, query,
		order.UserID, order.TotalAmount, order.Status, order.IdempotencyKey)
}

func (t *txOps) AddOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.Quantity, item.UnitPrice)
}

func (t *txOps) AddPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, status, provider_order_id, provider_tx_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return t.tx.GetContext(ctx, payment, query,
		payment.OrderID, payment.Status, payment.ProviderOrderID, payment.ProviderTxID, payment.Amount)
}

func (t *txOps) OrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *txOps) SetOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

func (t *txOps) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

func (t *txOps) InventoryForUpdate(ctx context.Context, variantID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := t.tx.GetContext(ctx, &inv,
		"SELECT * FROM inventory WHERE variant_id = $1 FOR UPDATE", variantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *txOps) SetInventoryCounts(ctx context.Context, variantID int64, stock, reserved int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE inventory SET stock_quantity = $1, reserved_quantity = $2, updated_at = NOW() WHERE variant_id = $3",
		stock, reserved, variantID)
	return err
}

func (t *txOps) AppendAuditLog(ctx context.Context, log *models.InventoryAuditLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_audit_logs (variant_id, previous_stock, new_stock, previous_reserved, new_reserved, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		log.VariantID, log.PreviousStock, log.NewStock, log.PreviousReserved, log.NewReserved, log.Reason)
	return err
}

func (t *txOps) SetPaymentStatus(ctx context.Context, orderID int64, status, providerTxID string, paidAt *time.Time) error {
	if providerTxID != "" {
		_, err := t.tx.ExecContext(ctx,
			"UPDATE payments SET status = $1, provider_tx_id = $2, paid_at = $3, updated_at = NOW() WHERE order_id = $4",
			status, providerTxID, paidAt, orderID)
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, paid_at = $2, updated_at = NOW() WHERE order_id = $3",
		status, paidAt, orderID)
	return err
}

func (t *txOps) AddNotification(ctx context.Context, n *models.Notification) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO notifications (user_id, type, payload) VALUES ($1, $2, $3)",
		n.UserID, n.Type, n.Payload)
	return err
}
