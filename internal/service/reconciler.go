package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"trywear/internal/gateway"
	"trywear/internal/models"
	"trywear/internal/util"

	"go.uber.org/zap"
)

// PendingPaymentLister selects payments still pending locally.
type PendingPaymentLister interface {
	ListPendingPayments(ctx context.Context) ([]models.PendingPayment, error)
}

// TransactionStatusChecker queries the gateway's authoritative view of a
// transaction.
type TransactionStatusChecker interface {
	GetTransactionStatus(ctx context.Context, orderRef string) (*gateway.TransactionStatus, error)
}

// OrderCanceller is the shared cancellation routine.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID int64, reason string, userID int64) error
}

// SweepLocker serializes sweeps across processes. AcquireLock returns an
// owner token, empty when the lock is held elsewhere; ReleaseLock only
// releases when the token still owns the lock.
type SweepLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

const sweepLockKey = "payment-reconciler"

// Reconciler periodically converges locally-pending payments with the
// payment gateway. Payments the gateway reports as terminal-negative are
// cancelled through the shared cancellation routine; everything else is
// left for the next sweep. A failure on one payment never aborts the
// rest of the batch.
type Reconciler struct {
	store     PendingPaymentLister
	gateway   TransactionStatusChecker
	canceller OrderCanceller
	locker    SweepLocker
	interval  time.Duration
	logger    *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler. locker is optional.
func NewReconciler(
	store PendingPaymentLister,
	gw TransactionStatusChecker,
	canceller OrderCanceller,
	locker SweepLocker,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		store:     store,
		gateway:   gw,
		canceller: canceller,
		locker:    locker,
		interval:  interval,
		logger:    util.GetLogger(),
		quit:      make(chan struct{}),
	}
}

// Start runs one sweep immediately, then sweeps at the configured
// interval until the context is cancelled or Stop is called. It blocks.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting payment reconciler",
		zap.Duration("interval", r.interval))

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Payment reconciler stopped")
			return
		case <-r.quit:
			r.logger.Info("Payment reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stop halts the reconciler loop. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

// Sweep reconciles every locally-pending payment once. Gateway calls run
// sequentially to keep pressure on the gateway bounded.
func (r *Reconciler) Sweep(ctx context.Context) {
	if r.locker != nil {
		token, err := r.locker.AcquireLock(ctx, sweepLockKey, r.interval)
		if err != nil {
			r.logger.Error("Failed to acquire sweep lock", zap.Error(err))
			return
		}
		if token == "" {
			r.logger.Info("Sweep already running elsewhere, skipping")
			return
		}
		defer func() {
			if err := r.locker.ReleaseLock(ctx, sweepLockKey, token); err != nil {
				r.logger.Error("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	util.ReconcilerSweepsTotal.Inc()
	start := time.Now()
	defer func() {
		util.ReconcilerSweepDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := r.store.ListPendingPayments(ctx)
	if err != nil {
		r.logger.Error("Failed to list pending payments", zap.Error(err))
		return
	}

	if len(pending) == 0 {
		return
	}

	r.logger.Info("Reconciling pending payments", zap.Int("count", len(pending)))

	for _, p := range pending {
		r.reconcile(ctx, p)
	}
}

// reconcile checks one pending payment against the gateway and applies
// the outcome. Errors are contained here: logged, counted, and retried
// on the next sweep.
func (r *Reconciler) reconcile(ctx context.Context, p models.PendingPayment) {
	start := time.Now()
	status, err := r.gateway.GetTransactionStatus(ctx, p.ProviderOrderID)
	util.GatewayRequestLatency.WithLabelValues("status").Observe(time.Since(start).Seconds())
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			if reason, terminal := gwErr.TerminalReason(); terminal {
				r.cancelOrder(ctx, p, reason)
				return
			}
		}

		r.logger.Warn("Gateway status check failed, will retry next sweep",
			zap.Int64("order_id", p.OrderID),
			zap.String("provider_order_id", p.ProviderOrderID),
			zap.Error(err))
		util.PaymentsReconciledTotal.WithLabelValues("error").Inc()
		return
	}

	if gateway.IsTerminalNegative(status.TransactionStatus) {
		r.cancelOrder(ctx, p, status.TransactionStatus)
		return
	}

	util.PaymentsReconciledTotal.WithLabelValues("pending").Inc()
}

func (r *Reconciler) cancelOrder(ctx context.Context, p models.PendingPayment, reason string) {
	if err := r.canceller.Cancel(ctx, p.OrderID, reason, p.UserID); err != nil {
		if errors.Is(err, ErrOrderSettled) {
			r.logger.Warn("Order settled before cancellation could apply",
				zap.Int64("order_id", p.OrderID))
			util.PaymentsReconciledTotal.WithLabelValues("settled_race").Inc()
			return
		}

		r.logger.Error("Cancellation failed, order stays pending for retry",
			zap.Int64("order_id", p.OrderID),
			zap.String("reason", reason),
			zap.Error(err))
		util.PaymentsReconciledTotal.WithLabelValues("cancel_failed").Inc()
		return
	}

	util.PaymentsReconciledTotal.WithLabelValues("cancelled").Inc()
}
