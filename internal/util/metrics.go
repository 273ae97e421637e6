package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_settled_total",
		Help: "Total number of orders settled",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	StockReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reserved_total",
		Help: "Total units of stock reserved",
	})

	StockReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_released_total",
		Help: "Total units of reserved stock released",
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ReconcilerSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_reconciler_sweeps_total",
		Help: "Total number of reconciler sweeps executed",
	})

	ReconcilerSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_reconciler_sweep_duration_seconds",
		Help:    "Duration of reconciler sweeps",
		Buckets: prometheus.DefBuckets,
	})

	PaymentsReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_reconciled_total",
		Help: "Total number of pending payments reconciled against the gateway",
	}, []string{"outcome"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_received_total",
		Help: "Total number of gateway webhook notifications received",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
