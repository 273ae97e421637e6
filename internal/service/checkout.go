package service

import (
	"context"
	"fmt"
	"time"

	"trywear/internal/gateway"
	"trywear/internal/models"
	"trywear/internal/store"
	"trywear/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutStore is the persistence surface the checkout flow needs:
// transactional creation plus the read paths for idempotency and lookup.
type CheckoutStore interface {
	store.UnitOfWork
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.ProductVariant, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
}

// StockReserver is the inventory fast path used at checkout.
type StockReserver interface {
	ReserveStock(ctx context.Context, variantID int64, quantity int, reason string) (bool, error)
	ReleaseStock(ctx context.Context, variantID int64, quantity int) error
}

// SnapCharger creates gateway transactions for new orders.
type SnapCharger interface {
	CreateSnapTransaction(ctx context.Context, charge *gateway.ChargeRequest) (*gateway.SnapTransaction, error)
}

// OrderEventPublisher publishes the OrderCreated domain event.
type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
}

// IdempotencyCache remembers completed checkout keys.
type IdempotencyCache interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CheckoutService handles order creation: cart validation, stock
// reservation, order/payment persistence, and the gateway charge.
type CheckoutService struct {
	store          CheckoutStore
	cache          IdempotencyCache
	eventPublisher OrderEventPublisher
	inventory      StockReserver
	gateway        SnapCharger
	logger         *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store CheckoutStore,
	cache IdempotencyCache,
	eventPublisher OrderEventPublisher,
	inventory StockReserver,
	gw SnapCharger,
) *CheckoutService {
	return &CheckoutService{
		store:          store,
		cache:          cache,
		eventPublisher: eventPublisher,
		inventory:      inventory,
		gateway:        gw,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout cart snapshot
type CreateOrderRequest struct {
	UserID         int64              `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse carries the gateway token the storefront redirects to
type CreateOrderResponse struct {
	OrderID     int64  `json:"order_id"`
	Status      string `json:"status"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// CreateOrder validates the cart, persists the order with its items and
// pending payment in one transaction, reserves stock, and requests a
// gateway transaction token. If any step after reservation fails, the
// reservations are compensated and the order is cancelled.
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existingOrder, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existingOrder != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existingOrder.ID))
		return &CreateOrderResponse{
			OrderID: existingOrder.ID,
			Status:  existingOrder.Status,
		}, nil
	}

	variants, err := s.validateOrderItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	totalAmount := s.calculateTotal(req.Items, variants)

	order := &models.Order{
		UserID:         req.UserID,
		TotalAmount:    totalAmount,
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}

	var payment *models.Payment
	err = s.store.WithTx(ctx, func(tx store.OrderTx) error {
		if err := tx.AddOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, item := range req.Items {
			variant := variants[item.VariantID]
			orderItem := &models.OrderItem{
				OrderID:   order.ID,
				VariantID: item.VariantID,
				Quantity:  item.Quantity,
				UnitPrice: variant.Price,
			}
			if err := tx.AddOrderItem(ctx, orderItem); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}

		payment = &models.Payment{
			OrderID:         order.ID,
			Status:          models.PaymentStatusPending,
			ProviderOrderID: fmt.Sprintf("TW-%d-%s", order.ID, uuid.New().String()[:8]),
			Amount:          totalAmount,
		}
		if err := tx.AddPayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		return nil
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created", zap.Int64("order_id", order.ID))

	if err := s.reserveInventory(ctx, order.ID, req.Items); err != nil {
		s.cancelCheckout(ctx, order.ID)
		util.OrdersFailedTotal.WithLabelValues("reservation_failed").Inc()
		return nil, fmt.Errorf("inventory reservation failed: %w", err)
	}

	chargeStart := time.Now()
	snap, err := s.gateway.CreateSnapTransaction(ctx, &gateway.ChargeRequest{
		OrderRef:    payment.ProviderOrderID,
		GrossAmount: totalAmount,
	})
	util.GatewayRequestLatency.WithLabelValues("charge").Observe(time.Since(chargeStart).Seconds())
	if err != nil {
		s.compensateReservations(ctx, order.ID, req.Items)
		s.cancelCheckout(ctx, order.ID)
		util.OrdersFailedTotal.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("failed to create gateway transaction: %w", err)
	}

	if err := s.cache.SetIdempotencyKey(ctx, req.IdempotencyKey, order.ID, 24*time.Hour); err != nil {
		s.logger.Warn("Failed to cache idempotency key", zap.Error(err))
	}

	orderItems := make([]models.OrderItemData, 0, len(req.Items))
	for _, item := range req.Items {
		orderItems = append(orderItems, models.OrderItemData{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: variants[item.VariantID].Price,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       orderItems,
	}

	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &CreateOrderResponse{
		OrderID:     order.ID,
		Status:      models.OrderStatusPending,
		Token:       snap.Token,
		RedirectURL: snap.RedirectURL,
	}, nil
}

// reserveInventory reserves inventory for order items. On failure only
// the items already reserved are released: releasing an item that never
// reserved would eat reservations held by other in-flight orders.
func (s *CheckoutService) reserveInventory(ctx context.Context, orderID int64, items []OrderItemRequest) error {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	reason := fmt.Sprintf("reserved for order %d", orderID)

	reserved := make([]OrderItemRequest, 0, len(items))
	for _, item := range items {
		success, err := s.inventory.ReserveStock(ctx, item.VariantID, item.Quantity, reason)
		if err != nil {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
			s.compensateReservations(ctx, orderID, reserved)
			return fmt.Errorf("failed to reserve stock for variant %d: %w", item.VariantID, err)
		}

		if !success {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			s.compensateReservations(ctx, orderID, reserved)
			return fmt.Errorf("insufficient stock for variant %d", item.VariantID)
		}

		reserved = append(reserved, item)
	}

	return nil
}

// compensateReservations rolls back inventory reservations
func (s *CheckoutService) compensateReservations(ctx context.Context, orderID int64, items []OrderItemRequest) {
	for _, item := range items {
		if err := s.inventory.ReleaseStock(ctx, item.VariantID, item.Quantity); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.Int64("order_id", orderID),
				zap.Int64("variant_id", item.VariantID),
				zap.Error(err))
		}
	}
}

// cancelCheckout marks a failed checkout's order and payment cancelled.
// Stock was already compensated by the caller.
func (s *CheckoutService) cancelCheckout(ctx context.Context, orderID int64) {
	err := s.store.WithTx(ctx, func(tx store.OrderTx) error {
		if err := tx.SetOrderStatus(ctx, orderID, models.OrderStatusCancelled); err != nil {
			return err
		}
		return tx.SetPaymentStatus(ctx, orderID, models.PaymentStatusCancelled, "", nil)
	})
	if err != nil {
		s.logger.Error("Failed to cancel order after checkout failure",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}

// validateOrderItems validates that all variants exist
func (s *CheckoutService) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.ProductVariant, error) {
	variantIDs := make([]int64, len(items))
	for i, item := range items {
		variantIDs[i] = item.VariantID
	}

	variants, err := s.store.GetVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return nil, err
	}

	if len(variants) != len(items) {
		return nil, fmt.Errorf("some variants not found")
	}

	variantMap := make(map[int64]*models.ProductVariant)
	for i := range variants {
		variantMap[variants[i].ID] = &variants[i]
	}

	return variantMap, nil
}

// calculateTotal calculates the cart total from price snapshots
func (s *CheckoutService) calculateTotal(items []OrderItemRequest, variants map[int64]*models.ProductVariant) int64 {
	var total int64
	for _, item := range items {
		variant := variants[item.VariantID]
		total += variant.Price * int64(item.Quantity)
	}
	return total
}

// GetOrder retrieves an order with its items and payment
func (s *CheckoutService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, *models.Payment, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}

	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}

	return order, items, payment, nil
}
