package cache

import (
	"context"
	"fmt"
	"strconv"

	"mapin/internal/observability"
)

const (
	FollowersCountPrefix = "graph:counts:%d:followers"
	FollowingCountPrefix = "graph:counts:%d:following"
)

// Counts carry no TTL. They are invalidated on every edge mutation, so a
// stale value can only survive a missed invalidation, which the next
// mutation heals.
func FollowersCountKey(userID uint) string {
	return fmt.Sprintf(FollowersCountPrefix, userID)
}

func FollowingCountKey(userID uint) string {
	return fmt.Sprintf(FollowingCountPrefix, userID)
}

// GetCount reads a cached count. ok is false on miss or when Redis is down.
func GetCount(ctx context.Context, key string) (int64, bool) {
	if client == nil {
		return 0, false
	}
	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		observability.CountCacheHits.WithLabelValues("miss").Inc()
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		observability.CountCacheHits.WithLabelValues("miss").Inc()
		return 0, false
	}
	observability.CountCacheHits.WithLabelValues("hit").Inc()
	return n, true
}

// SetCount stores a count computed from the edge set.
func SetCount(ctx context.Context, key string, value int64) {
	if client == nil {
		return
	}
	client.Set(ctx, key, strconv.FormatInt(value, 10), 0)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

// InvalidatePairCounts drops both counts touched by an edge mutation between
// follower and following.
func InvalidatePairCounts(ctx context.Context, followerID, followingID uint) {
	Invalidate(ctx, FollowingCountKey(followerID))
	Invalidate(ctx, FollowersCountKey(followingID))
}

// WarmPairCounts is used by the seeder to preload counts after bulk inserts.
func WarmPairCounts(ctx context.Context, userID uint, followers, following int64) {
	SetCount(ctx, FollowersCountKey(userID), followers)
	SetCount(ctx, FollowingCountKey(userID), following)
}
