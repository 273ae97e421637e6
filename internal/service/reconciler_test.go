package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trywear/internal/gateway"
	"trywear/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger backs both the pending-payment listing and the canceller, so
// a cancelled payment drops out of the next sweep the same way the real
// status filter works.
type fakeLedger struct {
	mu      sync.Mutex
	pending []models.PendingPayment
	calls   []cancelCall
	failFor map[int64]error
	sweeps  int
}

type cancelCall struct {
	orderID int64
	reason  string
	userID  int64
}

func (f *fakeLedger) ListPendingPayments(ctx context.Context) ([]models.PendingPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return append([]models.PendingPayment(nil), f.pending...), nil
}

func (f *fakeLedger) Cancel(ctx context.Context, orderID int64, reason string, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failFor[orderID]; ok {
		return err
	}

	f.calls = append(f.calls, cancelCall{orderID: orderID, reason: reason, userID: userID})
	kept := f.pending[:0]
	for _, p := range f.pending {
		if p.OrderID != orderID {
			kept = append(kept, p)
		}
	}
	f.pending = kept
	return nil
}

type fakeGateway struct {
	statuses map[string]*gateway.TransactionStatus
	errs     map[string]error
}

func (f *fakeGateway) GetTransactionStatus(ctx context.Context, orderRef string) (*gateway.TransactionStatus, error) {
	if err, ok := f.errs[orderRef]; ok {
		return nil, err
	}
	if status, ok := f.statuses[orderRef]; ok {
		return status, nil
	}
	return nil, &gateway.Error{StatusCode: 404}
}

func pendingPayment(orderID, userID int64, ref string) models.PendingPayment {
	return models.PendingPayment{
		PaymentID:       orderID,
		OrderID:         orderID,
		UserID:          userID,
		ProviderOrderID: ref,
	}
}

func TestSweepCancelsExpiredPayment(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(1, 42, "TW-1")}}
	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-1": {OrderID: "TW-1", TransactionStatus: gateway.StatusExpire},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, int64(1), ledger.calls[0].orderID)
	assert.Equal(t, gateway.StatusExpire, ledger.calls[0].reason)
	assert.Equal(t, int64(42), ledger.calls[0].userID)
}

func TestSweepTreats404AsTerminal(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(2, 7, "TW-2")}}
	gw := &fakeGateway{errs: map[string]error{
		"TW-2": &gateway.Error{StatusCode: 404},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, models.CancelReasonNotFound, ledger.calls[0].reason)
}

func TestSweepUsesEmbeddedTerminalStatus(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(3, 1, "TW-3")}}
	gw := &fakeGateway{errs: map[string]error{
		"TW-3": &gateway.Error{StatusCode: 400, TransactionStatus: gateway.StatusDeny},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, gateway.StatusDeny, ledger.calls[0].reason)
}

func TestSweepSkipsTransientErrors(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(4, 1, "TW-4")}}
	gw := &fakeGateway{errs: map[string]error{
		"TW-4": errors.New("connection refused"),
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	assert.Empty(t, ledger.calls)
	// Payment stays pending for the next sweep.
	assert.Len(t, ledger.pending, 1)
}

func TestSweepLeavesPendingStatusAlone(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(5, 1, "TW-5")}}
	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-5": {OrderID: "TW-5", TransactionStatus: gateway.StatusPending},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	assert.Empty(t, ledger.calls)
}

func TestSweepDoesNotReselectTerminalPayments(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(6, 1, "TW-6")}}
	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-6": {OrderID: "TW-6", TransactionStatus: gateway.StatusCancel},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())
	r.Sweep(context.Background())

	// Cancelled exactly once; the second sweep saw no pending rows.
	assert.Len(t, ledger.calls, 1)
}

func TestSweepIsolatesPerItemFailures(t *testing.T) {
	ledger := &fakeLedger{
		pending: []models.PendingPayment{
			pendingPayment(7, 1, "TW-7"),
			pendingPayment(8, 2, "TW-8"),
			pendingPayment(9, 3, "TW-9"),
		},
	}
	gw := &fakeGateway{
		statuses: map[string]*gateway.TransactionStatus{
			"TW-7": {OrderID: "TW-7", TransactionStatus: gateway.StatusExpire},
			"TW-9": {OrderID: "TW-9", TransactionStatus: gateway.StatusExpire},
		},
		errs: map[string]error{
			"TW-8": errors.New("gateway timeout"),
		},
	}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, ledger.calls, 2)
	assert.Equal(t, int64(7), ledger.calls[0].orderID)
	assert.Equal(t, int64(9), ledger.calls[1].orderID)
}

func TestSweepToleratesCancellationFailure(t *testing.T) {
	ledger := &fakeLedger{
		pending: []models.PendingPayment{
			pendingPayment(10, 1, "TW-10"),
			pendingPayment(11, 2, "TW-11"),
		},
		failFor: map[int64]error{10: errors.New("db connection lost")},
	}
	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-10": {OrderID: "TW-10", TransactionStatus: gateway.StatusExpire},
		"TW-11": {OrderID: "TW-11", TransactionStatus: gateway.StatusExpire},
	}}

	r := NewReconciler(ledger, gw, ledger, nil, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, ledger.calls, 1)
	assert.Equal(t, int64(11), ledger.calls[0].orderID)
	// The failed order stays pending for retry.
	assert.Len(t, ledger.pending, 1)
	assert.Equal(t, int64(10), ledger.pending[0].OrderID)
}

// fakePendingStore selects pending payments straight off the fakeDB, the
// same status filter the real sweep query applies.
type fakePendingStore struct {
	db *fakeDB
}

func (f *fakePendingStore) ListPendingPayments(ctx context.Context) ([]models.PendingPayment, error) {
	var out []models.PendingPayment
	for orderID, p := range f.db.state.payments {
		if p.Status != models.PaymentStatusPending {
			continue
		}
		out = append(out, models.PendingPayment{
			PaymentID:       p.ID,
			OrderID:         orderID,
			UserID:          f.db.state.orders[orderID].UserID,
			ProviderOrderID: p.ProviderOrderID,
		})
	}
	return out, nil
}

func TestSweepConvergesExpiredOrderEndToEnd(t *testing.T) {
	db := newFakeDB()
	seedPendingOrder(db, 1, 42, 100, 3, 20, 10, 0)
	db.state.payments[1].ProviderOrderID = "TW-1"

	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-1": {OrderID: "TW-1", TransactionStatus: gateway.StatusExpire},
	}}

	r := NewReconciler(&fakePendingStore{db: db}, gw, NewCanceller(db, nil, nil), nil, time.Minute)
	r.Sweep(context.Background())

	assert.Equal(t, 7, db.state.inventory[100].ReservedQuantity)
	assert.Equal(t, models.OrderStatusCancelled, db.state.orders[1].Status)
	assert.Equal(t, models.PaymentStatusExpired, db.state.payments[1].Status)
	require.Len(t, db.state.notifications, 1)
	assert.Equal(t, models.NotificationOrderCancelled, db.state.notifications[0].Type)
	assert.Equal(t, int64(42), db.state.notifications[0].UserID)

	// Terminal payments drop out of the selection: a second sweep writes
	// nothing further.
	r.Sweep(context.Background())
	assert.Len(t, db.state.auditLogs, 1)
	assert.Len(t, db.state.notifications, 1)
}

func TestStartSweepsImmediatelyThenOnInterval(t *testing.T) {
	ledger := &fakeLedger{}
	gw := &fakeGateway{}

	r := NewReconciler(ledger, gw, ledger, nil, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}

	ledger.mu.Lock()
	sweeps := ledger.sweeps
	ledger.mu.Unlock()
	assert.GreaterOrEqual(t, sweeps, 2)

	// Stop is idempotent.
	r.Stop()
}

// fakeSweepLocker hands out one token at a time and records what
// ReleaseLock is called with.
type fakeSweepLocker struct {
	mu       sync.Mutex
	held     string
	acquires int
	releases []string
}

func (l *fakeSweepLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.held != "" {
		return "", nil
	}
	l.held = fmt.Sprintf("tok-%d", l.acquires)
	return l.held, nil
}

func (l *fakeSweepLocker) ReleaseLock(ctx context.Context, lockKey, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases = append(l.releases, token)
	if l.held == token {
		l.held = ""
	}
	return nil
}

func TestSweepReleasesLockWithOwnerToken(t *testing.T) {
	ledger := &fakeLedger{}
	gw := &fakeGateway{}
	locker := &fakeSweepLocker{}

	r := NewReconciler(ledger, gw, ledger, locker, time.Minute)
	r.Sweep(context.Background())

	require.Len(t, locker.releases, 1)
	assert.Equal(t, "tok-1", locker.releases[0])
	assert.Empty(t, locker.held)
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	ledger := &fakeLedger{pending: []models.PendingPayment{pendingPayment(9, 3, "TW-9")}}
	gw := &fakeGateway{statuses: map[string]*gateway.TransactionStatus{
		"TW-9": {OrderID: "TW-9", TransactionStatus: gateway.StatusExpire},
	}}
	locker := &fakeSweepLocker{held: "someone-else"}

	r := NewReconciler(ledger, gw, ledger, locker, time.Minute)
	r.Sweep(context.Background())

	// Another holder's lock is never touched and no work happens.
	assert.Empty(t, locker.releases)
	assert.Empty(t, ledger.calls)
	ledger.mu.Lock()
	assert.Equal(t, 0, ledger.sweeps)
	ledger.mu.Unlock()
}
