package service

import (
	"context"
	"errors"
	"time"

	"trywear/internal/models"
	"trywear/internal/store"
)

// fakeDB is an in-memory store.UnitOfWork with transactional semantics:
// the closure runs against a staged copy of the state, which replaces the
// live state only when the closure succeeds.
type fakeDB struct {
	state            fakeState
	variants         map[int64]models.ProductVariant
	failNotification bool
	failOrderItem    bool
}

type fakeState struct {
	nextID        int64
	orders        map[int64]*models.Order
	items         map[int64][]models.OrderItem
	inventory     map[int64]*models.Inventory
	payments      map[int64]*models.Payment
	auditLogs     []models.InventoryAuditLog
	notifications []models.Notification
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		state: fakeState{
			orders:    make(map[int64]*models.Order),
			items:     make(map[int64][]models.OrderItem),
			inventory: make(map[int64]*models.Inventory),
			payments:  make(map[int64]*models.Payment),
		},
		variants: make(map[int64]models.ProductVariant),
	}
}

func (s fakeState) clone() fakeState {
	c := fakeState{
		nextID:    s.nextID,
		orders:    make(map[int64]*models.Order, len(s.orders)),
		items:     make(map[int64][]models.OrderItem, len(s.items)),
		inventory: make(map[int64]*models.Inventory, len(s.inventory)),
		payments:  make(map[int64]*models.Payment, len(s.payments)),
	}
	for id, o := range s.orders {
		cp := *o
		c.orders[id] = &cp
	}
	for id, list := range s.items {
		c.items[id] = append([]models.OrderItem(nil), list...)
	}
	for id, inv := range s.inventory {
		cp := *inv
		c.inventory[id] = &cp
	}
	for id, p := range s.payments {
		cp := *p
		c.payments[id] = &cp
	}
	c.auditLogs = append([]models.InventoryAuditLog(nil), s.auditLogs...)
	c.notifications = append([]models.Notification(nil), s.notifications...)
	return c
}

func (f *fakeDB) WithTx(ctx context.Context, fn func(tx store.OrderTx) error) error {
	staged := f.state.clone()
	tx := &fakeTx{state: &staged, failNotification: f.failNotification, failOrderItem: f.failOrderItem}
	if err := fn(tx); err != nil {
		return err
	}
	f.state = staged
	return nil
}

func (f *fakeDB) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	for _, o := range f.state.orders {
		if o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.ProductVariant, error) {
	var out []models.ProductVariant
	for _, id := range ids {
		if v, ok := f.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeDB) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := f.state.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (f *fakeDB) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), f.state.items[orderID]...), nil
}

func (f *fakeDB) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	p, ok := f.state.payments[orderID]
	if !ok {
		return nil, errors.New("payment not found")
	}
	cp := *p
	return &cp, nil
}

type fakeTx struct {
	state            *fakeState
	failNotification bool
	failOrderItem    bool
}

func (t *fakeTx) AddOrder(ctx context.Context, order *models.Order) error {
	t.state.nextID++
	order.ID = t.state.nextID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	t.state.orders[order.ID] = &cp
	return nil
}

func (t *fakeTx) AddOrderItem(ctx context.Context, item *models.OrderItem) error {
	if t.failOrderItem {
		return errors.New("order item insert failed")
	}
	t.state.nextID++
	item.ID = t.state.nextID
	t.state.items[item.OrderID] = append(t.state.items[item.OrderID], *item)
	return nil
}

func (t *fakeTx) AddPayment(ctx context.Context, payment *models.Payment) error {
	t.state.nextID++
	payment.ID = t.state.nextID
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	t.state.payments[payment.OrderID] = &cp
	return nil
}

func (t *fakeTx) OrderForUpdate(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.state.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) SetOrderStatus(ctx context.Context, orderID int64, status string) error {
	o, ok := t.state.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), t.state.items[orderID]...), nil
}

func (t *fakeTx) InventoryForUpdate(ctx context.Context, variantID int64) (*models.Inventory, error) {
	inv, ok := t.state.inventory[variantID]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (t *fakeTx) SetInventoryCounts(ctx context.Context, variantID int64, stock, reserved int) error {
	inv, ok := t.state.inventory[variantID]
	if !ok {
		return errors.New("inventory not found")
	}
	inv.StockQuantity = stock
	inv.ReservedQuantity = reserved
	inv.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) AppendAuditLog(ctx context.Context, log *models.InventoryAuditLog) error {
	t.state.auditLogs = append(t.state.auditLogs, *log)
	return nil
}

func (t *fakeTx) SetPaymentStatus(ctx context.Context, orderID int64, status, providerTxID string, paidAt *time.Time) error {
	p, ok := t.state.payments[orderID]
	if !ok {
		return errors.New("payment not found")
	}
	p.Status = status
	if providerTxID != "" {
		p.ProviderTxID = providerTxID
	}
	p.PaidAt = paidAt
	p.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) AddNotification(ctx context.Context, n *models.Notification) error {
	if t.failNotification {
		return errors.New("notification insert failed")
	}
	t.state.notifications = append(t.state.notifications, *n)
	return nil
}
