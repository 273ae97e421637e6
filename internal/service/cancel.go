package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trywear/internal/models"
	"trywear/internal/store"
	"trywear/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrOrderSettled is returned when a cancellation targets an order whose
// payment already settled. Settled orders are never reversed here.
var ErrOrderSettled = errors.New("order already settled and cannot be cancelled")

// StockCacheReleaser drops reservations from the inventory fast path
// after the database transaction committed.
type StockCacheReleaser interface {
	ReleaseStockCache(ctx context.Context, variantID int64, quantity int) error
}

// CancelEventPublisher publishes the OrderCancelled domain event.
type CancelEventPublisher interface {
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}

// Canceller reverses an order's effects on inventory and marks it
// cancelled. It is shared by the payment reconciler, the gateway webhook
// worker, and the manual cancellation endpoint; all three paths must
// agree on release semantics so reservations are neither leaked nor
// released twice.
type Canceller struct {
	uow    store.UnitOfWork
	cache  StockCacheReleaser
	events CancelEventPublisher
	logger *zap.Logger
}

// NewCanceller creates the shared cancellation routine. cache and events
// are optional.
func NewCanceller(uow store.UnitOfWork, cache StockCacheReleaser, events CancelEventPublisher) *Canceller {
	return &Canceller{
		uow:    uow,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
	}
}

type releasedItem struct {
	variantID int64
	quantity  int
}

// Cancel atomically releases the order's reserved stock, writes an audit
// row per variant touched, marks the order cancelled, moves the payment
// to its terminal status, and notifies the user. All of it happens inside
// one database transaction; any failure rolls the whole cancellation back
// and leaves the order pending for a later retry.
//
// A missing order is a silent no-op, as is an order that already reached
// a terminal status. Cancelling a settled order fails with ErrOrderSettled.
//
// The order row is locked for the duration of the transaction, so two
// racing cancellations (manual and scheduled) serialize on the row lock
// and the loser observes the terminal status and no-ops.
func (c *Canceller) Cancel(ctx context.Context, orderID int64, reason string, userID int64) error {
	ctx, span := util.StartSpan(ctx, "Canceller.Cancel")
	defer span.End()

	var (
		released  []releasedItem
		cancelled bool
	)

	err := c.uow.WithTx(ctx, func(tx store.OrderTx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			// Tolerates races where the order was deleted or never created.
			c.logger.Info("Cancellation skipped, order not found",
				zap.Int64("order_id", orderID))
			return nil
		}

		switch order.Status {
		case models.OrderStatusSettlement:
			return ErrOrderSettled
		case models.OrderStatusCancelled, models.OrderStatusExpired:
			// Already reconciled.
			return nil
		}

		if userID <= 0 {
			userID = order.UserID
		}

		items, err := tx.OrderItems(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}

		for _, item := range items {
			inv, err := tx.InventoryForUpdate(ctx, item.VariantID)
			if err != nil {
				return fmt.Errorf("failed to lock inventory for variant %d: %w", item.VariantID, err)
			}
			if inv == nil {
				// Missing inventory rows are treated as already reconciled.
				continue
			}

			newReserved := inv.ReservedQuantity - item.Quantity
			if newReserved < 0 {
				newReserved = 0
			}

			if err := tx.SetInventoryCounts(ctx, item.VariantID, inv.StockQuantity, newReserved); err != nil {
				return fmt.Errorf("failed to release reserved stock for variant %d: %w", item.VariantID, err)
			}

			if err := tx.AppendAuditLog(ctx, &models.InventoryAuditLog{
				VariantID:        item.VariantID,
				PreviousStock:    inv.StockQuantity,
				NewStock:         inv.StockQuantity,
				PreviousReserved: inv.ReservedQuantity,
				NewReserved:      newReserved,
				Reason:           fmt.Sprintf("released reservation for order %d (%s)", orderID, reason),
			}); err != nil {
				return fmt.Errorf("failed to write audit log: %w", err)
			}

			released = append(released, releasedItem{variantID: item.VariantID, quantity: item.Quantity})
		}

		if err := tx.SetOrderStatus(ctx, orderID, models.OrderStatusCancelled); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		paymentStatus := models.PaymentStatusCancelled
		if reason == models.CancelReasonExpire {
			paymentStatus = models.PaymentStatusExpired
		}
		if err := tx.SetPaymentStatus(ctx, orderID, paymentStatus, "", nil); err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		if userID > 0 {
			payload, _ := json.Marshal(map[string]interface{}{
				"order_id": orderID,
				"reason":   "payment_expired",
			})
			if err := tx.AddNotification(ctx, &models.Notification{
				UserID:  userID,
				Type:    models.NotificationOrderCancelled,
				Payload: string(payload),
			}); err != nil {
				return fmt.Errorf("failed to create notification: %w", err)
			}
		}

		cancelled = true
		return nil
	})
	if err != nil {
		return err
	}

	if !cancelled {
		return nil
	}

	c.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason))
	util.OrdersCancelledTotal.WithLabelValues(reason).Inc()

	if c.cache != nil {
		for _, rel := range released {
			if err := c.cache.ReleaseStockCache(ctx, rel.variantID, rel.quantity); err != nil {
				c.logger.Error("Failed to release stock in cache",
					zap.Int64("variant_id", rel.variantID),
					zap.Error(err))
			}
			util.StockReleasedTotal.Add(float64(rel.quantity))
		}
	}

	if c.events != nil {
		event := &models.OrderCancelledEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCancelled,
				Timestamp: time.Now(),
			},
			OrderID: orderID,
			UserID:  userID,
			Reason:  reason,
		}
		if err := c.events.PublishOrderCancelled(ctx, event); err != nil {
			c.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
		}
	}

	return nil
}
