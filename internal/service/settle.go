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

// ErrOrderNotSettleable is returned when a settlement arrives for an
// order already cancelled or expired. The conflict is surfaced, never
// silently applied.
var ErrOrderNotSettleable = errors.New("order is no longer settleable")

// StockCacheCommitter consumes reservations on the inventory fast path
// after the database transaction committed.
type StockCacheCommitter interface {
	CommitStockCache(ctx context.Context, variantID int64, quantity int) error
}

// SettleEventPublisher publishes the OrderSettled domain event.
type SettleEventPublisher interface {
	PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error
}

// Settler applies a settled payment: stock moves from reserved to
// consumed, the order and payment reach their terminal positive status,
// and the user is notified. The symmetric counterpart of Canceller.
type Settler struct {
	uow    store.UnitOfWork
	cache  StockCacheCommitter
	events SettleEventPublisher
	logger *zap.Logger
}

// NewSettler creates the settlement routine. cache and events are optional.
func NewSettler(uow store.UnitOfWork, cache StockCacheCommitter, events SettleEventPublisher) *Settler {
	return &Settler{
		uow:    uow,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
	}
}

// Settle consumes the order's reserved stock and marks order and payment
// settled, all inside one transaction. An order already settled is a
// no-op; a cancelled or expired order fails with ErrOrderNotSettleable.
func (s *Settler) Settle(ctx context.Context, orderID int64, providerTxID string, userID int64) error {
	ctx, span := util.StartSpan(ctx, "Settler.Settle")
	defer span.End()

	var (
		committed []releasedItem
		settled   bool
		amount    int64
	)

	err := s.uow.WithTx(ctx, func(tx store.OrderTx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			s.logger.Warn("Settlement skipped, order not found",
				zap.Int64("order_id", orderID))
			return nil
		}

		switch order.Status {
		case models.OrderStatusSettlement:
			// Duplicate webhook delivery.
			return nil
		case models.OrderStatusCancelled, models.OrderStatusExpired:
			return ErrOrderNotSettleable
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
				continue
			}

			newStock := inv.StockQuantity - item.Quantity
			if newStock < 0 {
				newStock = 0
			}
			newReserved := inv.ReservedQuantity - item.Quantity
			if newReserved < 0 {
				newReserved = 0
			}

			if err := tx.SetInventoryCounts(ctx, item.VariantID, newStock, newReserved); err != nil {
				return fmt.Errorf("failed to consume stock for variant %d: %w", item.VariantID, err)
			}

			if err := tx.AppendAuditLog(ctx, &models.InventoryAuditLog{
				VariantID:        item.VariantID,
				PreviousStock:    inv.StockQuantity,
				NewStock:         newStock,
				PreviousReserved: inv.ReservedQuantity,
				NewReserved:      newReserved,
				Reason:           fmt.Sprintf("consumed stock for order %d (settlement)", orderID),
			}); err != nil {
				return fmt.Errorf("failed to write audit log: %w", err)
			}

			committed = append(committed, releasedItem{variantID: item.VariantID, quantity: item.Quantity})
		}

		if err := tx.SetOrderStatus(ctx, orderID, models.OrderStatusSettlement); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		now := time.Now()
		if err := tx.SetPaymentStatus(ctx, orderID, models.PaymentStatusSettlement, providerTxID, &now); err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		if userID > 0 {
			payload, _ := json.Marshal(map[string]interface{}{
				"order_id": orderID,
			})
			if err := tx.AddNotification(ctx, &models.Notification{
				UserID:  userID,
				Type:    models.NotificationPaymentSuccess,
				Payload: string(payload),
			}); err != nil {
				return fmt.Errorf("failed to create notification: %w", err)
			}
		}

		amount = order.TotalAmount
		settled = true
		return nil
	})
	if err != nil {
		return err
	}

	if !settled {
		return nil
	}

	s.logger.Info("Order settled",
		zap.Int64("order_id", orderID),
		zap.String("tx_id", providerTxID))
	util.OrdersSettledTotal.Inc()

	if s.cache != nil {
		for _, item := range committed {
			if err := s.cache.CommitStockCache(ctx, item.variantID, item.quantity); err != nil {
				s.logger.Error("Failed to commit stock in cache",
					zap.Int64("variant_id", item.variantID),
					zap.Error(err))
			}
		}
	}

	if s.events != nil {
		event := &models.OrderSettledEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderSettled,
				Timestamp: time.Now(),
			},
			OrderID:      orderID,
			UserID:       userID,
			Amount:       amount,
			ProviderTxID: providerTxID,
		}
		if err := s.events.PublishOrderSettled(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderSettled event", zap.Error(err))
		}
	}

	return nil
}
