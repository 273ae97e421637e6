package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"trywear/internal/models"
	"trywear/internal/store"
	"trywear/internal/util"

	"go.uber.org/zap"
)

// inventoryStore is the authoritative database side of inventory.
type inventoryStore interface {
	ReserveStockTx(ctx context.Context, variantID int64, quantity int, reason string) error
	ReleaseStock(ctx context.Context, variantID int64, quantity int) error
	ListInventory(ctx context.Context) ([]models.Inventory, error)
	GetInventory(ctx context.Context, variantID int64) (*models.Inventory, error)
}

// stockCache is the Redis fast path for inventory counters.
type stockCache interface {
	ReserveStock(ctx context.Context, variantID int64, quantity int) (bool, error)
	ReleaseStock(ctx context.Context, variantID int64, quantity int) error
	CommitStock(ctx context.Context, variantID int64, quantity int) error
	InitInventory(ctx context.Context, variantID int64, stock, reserved, safety int) error
}

// InventoryClient handles per-variant stock operations. Redis is the
// fast path; the database stays authoritative and is kept in sync.
type InventoryClient struct {
	store  inventoryStore
	redis  stockCache
	logger *zap.Logger

	// dbSync tracks reservation syncs still in flight so a release
	// never runs ahead of the reservation it undoes.
	dbSync sync.WaitGroup
}

// NewInventoryClient creates a new inventory client
func NewInventoryClient(store inventoryStore, redis stockCache) *InventoryClient {
	return &InventoryClient{
		store:  store,
		redis:  redis,
		logger: util.GetLogger(),
	}
}

// ReserveStock reserves stock for a variant (fast path via Redis).
// Returns false when the sellable quantity is insufficient.
func (ic *InventoryClient) ReserveStock(ctx context.Context, variantID int64, quantity int, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryClient.ReserveStock")
	defer span.End()

	success, err := ic.redis.ReserveStock(ctx, variantID, quantity)
	if err != nil {
		ic.logger.Warn("Redis reservation failed, falling back to DB",
			zap.Int64("variant_id", variantID),
			zap.Error(err))

		return ic.reserveStockDB(ctx, variantID, quantity, reason)
	}

	if !success {
		return false, nil
	}

	ic.dbSync.Add(1)
	go func() {
		defer ic.dbSync.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := ic.store.ReserveStockTx(ctx, variantID, quantity, reason); err != nil {
			ic.logger.Error("Failed to sync reservation to DB",
				zap.Int64("variant_id", variantID),
				zap.Error(err))
		}
	}()

	util.StockReservedTotal.Add(float64(quantity))
	return true, nil
}

// reserveStockDB reserves stock using a database transaction (fallback)
func (ic *InventoryClient) reserveStockDB(ctx context.Context, variantID int64, quantity int, reason string) (bool, error) {
	err := ic.store.ReserveStockTx(ctx, variantID, quantity, reason)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return false, nil
		}
		return false, err
	}

	util.StockReservedTotal.Add(float64(quantity))
	return true, nil
}

// ReleaseStock releases reserved stock (checkout compensation). It waits
// for in-flight reservation syncs first: a release that lands before its
// reservation's DB sync would be undone when the sync arrives, leaking
// the reservation.
func (ic *InventoryClient) ReleaseStock(ctx context.Context, variantID int64, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryClient.ReleaseStock")
	defer span.End()

	ic.dbSync.Wait()

	if err := ic.redis.ReleaseStock(ctx, variantID, quantity); err != nil {
		ic.logger.Error("Failed to release stock in Redis",
			zap.Int64("variant_id", variantID),
			zap.Error(err))
	}

	util.StockReleasedTotal.Add(float64(quantity))
	return ic.store.ReleaseStock(ctx, variantID, quantity)
}

// ReleaseStockCache drops a reservation from the Redis fast path only.
// Used after a cancellation transaction already released the database side.
func (ic *InventoryClient) ReleaseStockCache(ctx context.Context, variantID int64, quantity int) error {
	return ic.redis.ReleaseStock(ctx, variantID, quantity)
}

// CommitStockCache consumes a reservation on the Redis fast path only.
// Used after a settlement transaction already consumed the database side.
func (ic *InventoryClient) CommitStockCache(ctx context.Context, variantID int64, quantity int) error {
	return ic.redis.CommitStock(ctx, variantID, quantity)
}

// SyncInventoryToRedis loads authoritative database counters into Redis
func (ic *InventoryClient) SyncInventoryToRedis(ctx context.Context) error {
	ic.logger.Info("Starting inventory sync to Redis")

	rows, err := ic.store.ListInventory(ctx)
	if err != nil {
		return err
	}

	for _, inv := range rows {
		if err := ic.redis.InitInventory(ctx, inv.VariantID, inv.StockQuantity, inv.ReservedQuantity, inv.SafetyStock); err != nil {
			ic.logger.Error("Failed to init Redis inventory",
				zap.Int64("variant_id", inv.VariantID),
				zap.Error(err))
		}
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", len(rows)))
	return nil
}

// GetInventory retrieves authoritative inventory for a variant
func (ic *InventoryClient) GetInventory(ctx context.Context, variantID int64) (*models.Inventory, error) {
	return ic.store.GetInventory(ctx, variantID)
}
