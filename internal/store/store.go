package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trywear/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrInsufficientStock is returned when a reservation would take the
// sellable quantity below zero.
var ErrInsufficientStock = errors.New("insufficient stock")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetVariantByID retrieves a product variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := s.db.GetContext(ctx, &variant, "SELECT * FROM product_variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("variant not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// GetVariantsByIDs retrieves multiple product variants by IDs
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.ProductVariant, error) {
	if len(ids) == 0 {
		return []models.ProductVariant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM product_variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var variants []models.ProductVariant
	err = s.db.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// GetInventory retrieves inventory for a variant
func (s *Store) GetInventory(ctx context.Context, variantID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE variant_id = $1", variantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory not found for variant: %d", variantID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListInventory retrieves all inventory rows
func (s *Store) ListInventory(ctx context.Context) ([]models.Inventory, error) {
	var rows []models.Inventory
	err := s.db.SelectContext(ctx, &rows, "SELECT * FROM inventory ORDER BY variant_id")
	return rows, err
}

// ReserveStockTx reserves stock within a transaction (FOR UPDATE lock).
// The reservation is rejected when the sellable quantity
// (stock - reserved - safety) would go below the requested amount.
// An audit row is written in the same transaction.
func (s *Store) ReserveStockTx(ctx context.Context, variantID int64, quantity int, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var inv models.Inventory
	err = tx.GetContext(ctx, &inv,
		"SELECT * FROM inventory WHERE variant_id = $1 FOR UPDATE", variantID)
	if err != nil {
		return fmt.Errorf("failed to lock inventory: %w", err)
	}

	if inv.Available() < quantity {
		return fmt.Errorf("%w: available=%d, requested=%d", ErrInsufficientStock, inv.Available(), quantity)
	}

	newReserved := inv.ReservedQuantity + quantity
	_, err = tx.ExecContext(ctx,
		"UPDATE inventory SET reserved_quantity = $1, updated_at = NOW() WHERE variant_id = $2",
		newReserved, variantID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_audit_logs (variant_id, previous_stock, new_stock, previous_reserved, new_reserved, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		variantID, inv.StockQuantity, inv.StockQuantity, inv.ReservedQuantity, newReserved, reason)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	return tx.Commit()
}

// ReleaseStock releases reserved stock outside of a cancellation transaction
// (checkout compensation path). Reserved quantity is clamped at zero.
func (s *Store) ReleaseStock(ctx context.Context, variantID int64, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory SET reserved_quantity = GREATEST(0, reserved_quantity - $1), updated_at = NOW() WHERE variant_id = $2",
		quantity, variantID)
	return err
}

// GetAuditLogsByVariant retrieves audit rows for a variant, newest first
func (s *Store) GetAuditLogsByVariant(ctx context.Context, variantID int64) ([]models.InventoryAuditLog, error) {
	var logs []models.InventoryAuditLog
	err := s.db.SelectContext(ctx, &logs,
		"SELECT * FROM inventory_audit_logs WHERE variant_id = $1 ORDER BY created_at DESC", variantID)
	return logs, err
}
