package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"trywear/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderSettled publishes OrderSettled event
func (ep *EventPublisher) PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPaymentStatus publishes a gateway payment status notification
// for asynchronous application by the payment worker
func (ep *EventPublisher) PublishPaymentStatus(ctx context.Context, event *models.PaymentStatusEvent) error {
	return ep.producer.PublishEvent(ctx, event.ProviderOrderID, event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onPaymentStatus func(context.Context, *models.PaymentStatusEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentStatus registers a handler for PaymentStatus events
func (eh *EventHandler) OnPaymentStatus(handler func(context.Context, *models.PaymentStatusEvent) error) {
	eh.onPaymentStatus = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypePaymentStatus:
		if eh.onPaymentStatus != nil {
			var event models.PaymentStatusEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentStatus event: %w", err)
			}
			return eh.onPaymentStatus(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
