package models

import "time"

// Product represents a catalog product
type Product struct {
	ID        int64     `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProductVariant represents a sellable variant (size/color) of a product
type ProductVariant struct {
	ID        int64     `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	SKU       string    `db:"sku" json:"sku"`
	Size      string    `db:"size" json:"size"`
	Color     string    `db:"color" json:"color"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents per-variant stock counters.
// Sellable quantity = StockQuantity - ReservedQuantity - SafetyStock.
type Inventory struct {
	VariantID        int64     `db:"variant_id" json:"variant_id"`
	StockQuantity    int       `db:"stock_quantity" json:"stock_quantity"`
	ReservedQuantity int       `db:"reserved_quantity" json:"reserved_quantity"`
	SafetyStock      int       `db:"safety_stock" json:"safety_stock"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the quantity currently sellable.
func (i *Inventory) Available() int {
	return i.StockQuantity - i.ReservedQuantity - i.SafetyStock
}

// Order represents a customer order
type Order struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	Status         string    `db:"status" json:"status"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line item with a price snapshot taken at checkout
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Payment represents the 1:1 payment record for an order
type Payment struct {
	ID              int64      `db:"id" json:"id"`
	OrderID         int64      `db:"order_id" json:"order_id"`
	Status          string     `db:"status" json:"status"`
	ProviderOrderID string     `db:"provider_order_id" json:"provider_order_id"`
	ProviderTxID    string     `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Amount          int64      `db:"amount" json:"amount"`
	PaidAt          *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// PendingPayment is a pending payment joined with its owning order,
// as selected by the reconciler sweep.
type PendingPayment struct {
	PaymentID       int64  `db:"payment_id"`
	OrderID         int64  `db:"order_id"`
	UserID          int64  `db:"user_id"`
	ProviderOrderID string `db:"provider_order_id"`
	Amount          int64  `db:"amount"`
}

// InventoryAuditLog is an append-only record of an inventory mutation
type InventoryAuditLog struct {
	ID               int64     `db:"id" json:"id"`
	VariantID        int64     `db:"variant_id" json:"variant_id"`
	PreviousStock    int       `db:"previous_stock" json:"previous_stock"`
	NewStock         int       `db:"new_stock" json:"new_stock"`
	PreviousReserved int       `db:"previous_reserved" json:"previous_reserved"`
	NewReserved      int       `db:"new_reserved" json:"new_reserved"`
	Reason           string    `db:"reason" json:"reason"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Notification is a user-facing message created as a side effect of
// order/payment state changes
type Notification struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Type      string     `db:"type" json:"type"`
	Payload   string     `db:"payload" json:"payload"`
	ReadAt    *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusSettlement = "settlement"
	OrderStatusCancelled  = "cancelled"
	OrderStatusExpired    = "expired"
)

// Payment statuses (local lifecycle mirroring the gateway)
const (
	PaymentStatusPending    = "pending"
	PaymentStatusSettlement = "settlement"
	PaymentStatusExpired    = "expired"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusDenied     = "denied"
)

// Notification types
const (
	NotificationOrderCancelled = "ORDER_CANCELLED"
	NotificationPaymentSuccess = "PAYMENT_SUCCESS"
)

// Cancellation reasons: terminal gateway statuses plus the
// terminal-equivalent signals derived from gateway errors.
const (
	CancelReasonExpire   = "expire"
	CancelReasonCancel   = "cancel"
	CancelReasonDeny     = "deny"
	CancelReasonNotFound = "not_found"
)

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
