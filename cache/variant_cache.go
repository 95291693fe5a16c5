package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MeloForge/model"

	"github.com/go-redis/redis/v8"
)

// VariantCache 曲目变体列表缓存
// Rollback/Delete invalidate the listing so reads reflect the change.
type VariantCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewVariantCache 创建变体列表缓存
func NewVariantCache(client *redis.Client, ttl time.Duration) *VariantCache {
	return &VariantCache{client: client, ttl: ttl}
}

// variantListKey 根据曲目ID生成缓存键
func variantListKey(trackID string) string {
	return fmt.Sprintf("track:%s:variants", trackID)
}

// Get returns the cached variant listing, or nil on a miss.
func (c *VariantCache) Get(ctx context.Context, trackID string) ([]*model.TrackVariant, error) {
	if c.client == nil {
		return nil, nil
	}

	raw, err := c.client.Get(ctx, variantListKey(trackID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached variants for track %s: %w", trackID, err)
	}

	var variants []*model.TrackVariant
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		// A corrupt entry behaves like a miss and gets rewritten.
		return nil, nil
	}
	return variants, nil
}

// Set stores the variant listing for a track.
func (c *VariantCache) Set(ctx context.Context, trackID string, variants []*model.TrackVariant) error {
	if c.client == nil {
		return nil
	}

	raw, err := json.Marshal(variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants for track %s: %w", trackID, err)
	}

	if err := c.client.Set(ctx, variantListKey(trackID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache variants for track %s: %w", trackID, err)
	}
	return nil
}

// Invalidate drops the cached listing for a track.
func (c *VariantCache) Invalidate(ctx context.Context, trackID string) error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Del(ctx, variantListKey(trackID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate variant cache for track %s: %w", trackID, err)
	}
	return nil
}
