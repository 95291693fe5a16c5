package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TrackLease 基于Redis的曲目租约
// The recovery sweep takes a lease before touching a track so it never
// races an in-flight orchestrator run. Leases carry a TTL: a crashed
// worker's lease expires instead of marking the track in-progress forever.
type TrackLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTrackLease 创建曲目租约管理器
func NewTrackLease(client *redis.Client, ttl time.Duration) *TrackLease {
	return &TrackLease{client: client, ttl: ttl}
}

func leaseKey(trackID string) string {
	return fmt.Sprintf("lease:track:%s", trackID)
}

// Acquire attempts to take the lease for a track. Returns false when another
// holder already owns it.
func (l *TrackLease) Acquire(ctx context.Context, trackID, holder string) (bool, error) {
	if l.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}

	ok, err := l.client.SetNX(ctx, leaseKey(trackID), holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for track %s: %w", trackID, err)
	}
	return ok, nil
}

// Release drops the lease if the caller still holds it.
func (l *TrackLease) Release(ctx context.Context, trackID, holder string) error {
	if l.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	current, err := l.client.Get(ctx, leaseKey(trackID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil // already expired
		}
		return fmt.Errorf("failed to read lease for track %s: %w", trackID, err)
	}

	if current != holder {
		// Someone else took the lease after ours expired; leave it alone.
		return nil
	}

	if err := l.client.Del(ctx, leaseKey(trackID)).Err(); err != nil {
		return fmt.Errorf("failed to release lease for track %s: %w", trackID, err)
	}
	return nil
}
