package worker

import (
	"context"
	"errors"

	"trywear/internal/broker"
	"trywear/internal/gateway"
	"trywear/internal/models"
	"trywear/internal/service"
	"trywear/internal/store"
	"trywear/internal/util"

	"go.uber.org/zap"
)

// PaymentWorker applies gateway payment status notifications from the
// event topic: settlements are consumed, terminal-negative statuses go
// through the shared cancellation routine.
type PaymentWorker struct {
	consumer     *broker.Consumer
	store        *store.Store
	settler      *service.Settler
	canceller    *service.Canceller
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(
	consumer *broker.Consumer,
	st *store.Store,
	settler *service.Settler,
	canceller *service.Canceller,
) *PaymentWorker {
	w := &PaymentWorker{
		consumer:  consumer,
		store:     st,
		settler:   settler,
		canceller: canceller,
		logger:    util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentStatus(w.handlePaymentStatus)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

func (w *PaymentWorker) handlePaymentStatus(ctx context.Context, event *models.PaymentStatusEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	orderID, err := w.store.GetOrderIDByProviderOrderID(ctx, event.ProviderOrderID)
	if err != nil {
		// Unknown reference; nothing local to converge.
		w.logger.Warn("Payment notification for unknown order reference",
			zap.String("provider_order_id", event.ProviderOrderID),
			zap.Error(err))
		return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}

	order, err := w.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	w.logger.Info("Applying payment status",
		zap.Int64("order_id", orderID),
		zap.String("transaction_status", event.TransactionStatus))

	switch event.TransactionStatus {
	case gateway.StatusSettlement, gateway.StatusCapture:
		if err := w.settler.Settle(ctx, orderID, event.TransactionID, order.UserID); err != nil {
			if errors.Is(err, service.ErrOrderNotSettleable) {
				w.logger.Warn("Settlement arrived for a terminal order",
					zap.Int64("order_id", orderID),
					zap.String("status", order.Status))
				break
			}
			return err
		}

	case gateway.StatusExpire, gateway.StatusCancel, gateway.StatusDeny:
		if err := w.canceller.Cancel(ctx, orderID, event.TransactionStatus, order.UserID); err != nil {
			if errors.Is(err, service.ErrOrderSettled) {
				w.logger.Warn("Cancellation arrived after settlement",
					zap.Int64("order_id", orderID))
				break
			}
			return err
		}

	default:
		// pending and friends: nothing to converge yet.
	}

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
