package store

import (
	"context"
	"database/sql"
	"fmt"

	"trywear/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, total_amount, status, idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.UserID, order.TotalAmount, order.Status, order.IdempotencyKey)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.Quantity, item.UnitPrice)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, status, provider_order_id, provider_tx_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.Status, payment.ProviderOrderID, payment.ProviderTxID, payment.Amount)
}

// GetPaymentByOrderID retrieves payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment not found for order: %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetOrderIDByProviderOrderID resolves a gateway order reference to the local order
func (s *Store) GetOrderIDByProviderOrderID(ctx context.Context, providerOrderID string) (int64, error) {
	var orderID int64
	err := s.db.GetContext(ctx, &orderID,
		"SELECT order_id FROM payments WHERE provider_order_id = $1", providerOrderID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("payment not found for provider order: %s", providerOrderID)
	}
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

// SetPaymentProviderTxID records the gateway-assigned transaction ID
func (s *Store) SetPaymentProviderTxID(ctx context.Context, paymentID int64, providerTxID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET provider_tx_id = $1, updated_at = NOW() WHERE id = $2",
		providerTxID, paymentID)
	return err
}

// ListPendingPayments selects payments still pending locally, joined with
// their orders. Selection filters strictly on payment status so terminal
// rows are never re-swept.
func (s *Store) ListPendingPayments(ctx context.Context) ([]models.PendingPayment, error) {
	var rows []models.PendingPayment
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.id AS payment_id, p.order_id, o.user_id, p.provider_order_id, p.amount
		FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.status = $1
		ORDER BY p.created_at`, models.PaymentStatusPending)
	return rows, err
}

// CreateNotification inserts a user notification outside a transaction
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (user_id, type, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, n, query, n.UserID, n.Type, n.Payload)
}

// GetNotificationsByUserID retrieves notifications for a user, newest first
func (s *Store) GetNotificationsByUserID(ctx context.Context, userID int64) ([]models.Notification, error) {
	var rows []models.Notification
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM notifications WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return rows, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
