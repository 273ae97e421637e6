package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
	unlockScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
		unlockScript:  redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(variantID int64) string {
	return fmt.Sprintf("inventory:variant:%d", variantID)
}

// ReserveStock atomically reserves stock using a Lua script.
// Returns true if the reservation succeeded, false on insufficient stock.
func (c *Client) ReserveStock(ctx context.Context, variantID int64, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(variantID)}, quantity).Result()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	success, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return success == 1, nil
}

// ReleaseStock atomically releases reserved stock, clamped at zero
func (c *Client) ReleaseStock(ctx context.Context, variantID int64, quantity int) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(variantID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}

	return nil
}

// CommitStock atomically consumes reserved stock after settlement
func (c *Client) CommitStock(ctx context.Context, variantID int64, quantity int) error {
	_, err := c.commitScript.Run(ctx, c.rdb, []string{inventoryKey(variantID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}

	return nil
}

// InitInventory initializes inventory counters in Redis
func (c *Client) InitInventory(ctx context.Context, variantID int64, stock, reserved, safety int) error {
	key := inventoryKey(variantID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "stock", stock)
	pipe.HSet(ctx, key, "reserved", reserved)
	pipe.HSet(ctx, key, "safety", safety)

	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory retrieves current inventory counters
func (c *Client) GetInventory(ctx context.Context, variantID int64) (stock, reserved, safety int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(variantID)).Result()
	if err != nil {
		return 0, 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, 0, fmt.Errorf("inventory not found for variant %d", variantID)
	}

	fmt.Sscanf(result["stock"], "%d", &stock)
	fmt.Sscanf(result["reserved"], "%d", &reserved)
	fmt.Sscanf(result["safety"], "%d", &safety)

	return stock, reserved, safety, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock. The returned token identifies
// the holder and must be presented to ReleaseLock; an empty token with a
// nil error means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseLock releases a distributed lock if the token still owns it.
// A lock that expired and was re-acquired by another holder is left alone.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.unlockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}
