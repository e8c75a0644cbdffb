package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keygate/internal/license/metrics"
	"keygate/internal/license/models"
)

// CachedStore layers a TTL-bounded Redis cache in front of another registry.
// License rows change rarely and are read on every activation, so a short TTL
// keeps the hot path off the database without holding stale status for long.
//
// The cache is strictly best-effort: any Redis failure falls through to the
// underlying store, and only positive lookups are cached.
type CachedStore struct {
	next    *PostgresStore
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCached wraps next with a Redis read-through cache.
func NewCached(next *PostgresStore, client *redis.Client, ttl time.Duration, m *metrics.Metrics) *CachedStore {
	return &CachedStore{next: next, client: client, ttl: ttl, metrics: m}
}

func (c *CachedStore) Lookup(ctx context.Context, keyHash string) (*models.License, error) {
	key := cacheKey(keyHash)
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var lic models.License
		if err := json.Unmarshal(payload, &lic); err == nil {
			c.metrics.RecordRegistryCacheHit()
			return &lic, nil
		}
	}
	c.metrics.RecordRegistryCacheMiss()

	lic, err := c.next.Lookup(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(lic); err == nil {
		// cache write failures are ignored; the lookup already succeeded
		c.client.Set(ctx, key, payload, c.ttl)
	}
	return lic, nil
}

// List bypasses the cache; operator listings want the authoritative table.
func (c *CachedStore) List(ctx context.Context) ([]*models.License, error) {
	return c.next.List(ctx)
}

func (c *CachedStore) Count(ctx context.Context) (int, error) {
	return c.next.Count(ctx)
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("keygate:license:%s", keyHash)
}
