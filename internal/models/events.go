package models

import "time"

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderSettled   = "ORDER_SETTLED"
	EventTypePaymentStatus  = "PAYMENT_STATUS"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is created and stock reserved
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when an order is cancelled and stock released
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// OrderSettledEvent published when a payment settles and stock is consumed
type OrderSettledEvent struct {
	BaseEvent
	OrderID      int64  `json:"order_id"`
	UserID       int64  `json:"user_id"`
	Amount       int64  `json:"amount"`
	ProviderTxID string `json:"provider_tx_id"`
}

// PaymentStatusEvent carries a gateway webhook notification into the
// payment worker for asynchronous application.
type PaymentStatusEvent struct {
	BaseEvent
	ProviderOrderID   string `json:"provider_order_id"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	FraudStatus       string `json:"fraud_status,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
