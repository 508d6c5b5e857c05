package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"echofm/model"

	"github.com/go-redis/redis/v8"
)

// Storage status snapshots are mirrored to Redis so the HTTP layer can
// serve frequent status polls without a MySQL round trip. MySQL remains
// the source of truth; a missing key just means "read the database".

const statusTTL = 5 * time.Minute

// GetStorageStatusKey generates the Redis key for one tier's status.
func GetStorageStatusKey(tier model.Tier) string {
	return fmt.Sprintf("storage:status:%s", tier)
}

// StatusCache mirrors StorageStatus snapshots into Redis.
type StatusCache struct {
	client *redis.Client
}

// NewStatusCache creates a status cache over the given client. A nil
// client is allowed and makes every operation a no-op error, which
// callers treat as a cache miss.
func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

// SetStorageStatus overwrites the mirrored snapshot for a tier.
func (c *StatusCache) SetStorageStatus(ctx context.Context, status *model.StorageStatus) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal storage status: %w", err)
	}
	if err := c.client.Set(ctx, GetStorageStatusKey(status.Tier), data, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache storage status: %w", err)
	}
	return nil
}

// GetStorageStatus reads a tier's mirrored snapshot. Returns (nil, nil)
// on a cache miss.
func (c *StatusCache) GetStorageStatus(ctx context.Context, tier model.Tier) (*model.StorageStatus, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}
	data, err := c.client.Get(ctx, GetStorageStatusKey(tier)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached storage status: %w", err)
	}
	status := &model.StorageStatus{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached storage status: %w", err)
	}
	return status, nil
}
