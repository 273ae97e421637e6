package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"trywear/internal/broker"
	"trywear/internal/gateway"
	"trywear/internal/models"
	"trywear/internal/service"
	"trywear/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout       *service.CheckoutService
	canceller      *service.Canceller
	gateway        *gateway.Client
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	canceller *service.Canceller,
	gw *gateway.Client,
	eventPublisher *broker.EventPublisher,
) *Handler {
	return &Handler{
		checkout:       checkout,
		canceller:      canceller,
		gateway:        gw,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/payments/notification", h.paymentNotification)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles checkout
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, items, payment, err := h.checkout.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"items":   items,
		"payment": payment,
	})
}

// cancelOrder handles a manual cancellation. Cancelling an order that is
// already terminal is a no-op; cancelling a settled order is rejected.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	err = h.canceller.Cancel(c.Request.Context(), orderID, models.CancelReasonCancel, 0)
	if err != nil {
		if errors.Is(err, service.ErrOrderSettled) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Order has already been paid and cannot be cancelled",
			})
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to cancel order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   models.OrderStatusCancelled,
	})
}

// paymentNotification handles gateway webhook callbacks. The payload is
// verified against its signature, then queued for the payment worker.
func (h *Handler) paymentNotification(c *gin.Context) {
	var notif gateway.Notification

	if err := c.ShouldBindJSON(&notif); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid notification body",
		})
		return
	}

	if !h.gateway.VerifySignature(&notif) {
		h.logger.Warn("Webhook signature mismatch",
			zap.String("order_id", notif.OrderID))
		util.WebhooksReceivedTotal.WithLabelValues("invalid_signature").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Invalid signature",
		})
		return
	}

	util.WebhooksReceivedTotal.WithLabelValues(notif.TransactionStatus).Inc()

	event := &models.PaymentStatusEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentStatus,
			Timestamp: time.Now(),
		},
		ProviderOrderID:   notif.OrderID,
		TransactionStatus: notif.TransactionStatus,
		TransactionID:     notif.TransactionID,
		FraudStatus:       notif.FraudStatus,
	}

	if err := h.eventPublisher.PublishPaymentStatus(c.Request.Context(), event); err != nil {
		h.logger.Error("Failed to publish payment status event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to queue notification",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
