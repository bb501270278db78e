// Package urlcache memoizes signed object-store URLs for confirmation
// crops. Entries expire a safety margin before the signature itself so a
// cached URL handed to a dashboard is always usable for its whole life.
//
// Two tiers: a process-local map (always on) and an optional Redis tier
// shared across pods. Redis faults degrade silently to a direct signing
// call; concurrent misses on one key coalesce into a single sign.
package urlcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/saferide/backend/internal/objectstore"
)

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache memoizes (event_id, face_index) → signed URL.
type Cache struct {
	store    objectstore.Store
	signTTL  time.Duration
	cacheTTL time.Duration

	mu    sync.RWMutex
	local map[string]entry

	rdb       *redis.Client // nil disables the shared tier
	keyPrefix string

	group  singleflight.Group
	logger *slog.Logger

	now func() time.Time // test hook
}

// New creates a Cache. cacheTTL must be strictly less than signTTL; rdb
// may be nil.
func New(store objectstore.Store, signTTL, cacheTTL time.Duration, rdb *redis.Client, keyPrefix string, logger *slog.Logger) *Cache {
	if cacheTTL >= signTTL {
		cacheTTL = signTTL / 2
	}
	if keyPrefix == "" {
		keyPrefix = "saferide:crop-url:"
	}
	return &Cache{
		store:     store,
		signTTL:   signTTL,
		cacheTTL:  cacheTTL,
		local:     make(map[string]entry),
		rdb:       rdb,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "urlcache"),
		now:       time.Now,
	}
}

// SignedURL returns a signed GET URL for the given crop, signing on miss.
func (c *Cache) SignedURL(ctx context.Context, eventID string, faceIndex int) (string, error) {
	key := fmt.Sprintf("%s:%d", eventID, faceIndex)

	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.url, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if url, ok := c.sharedGet(ctx, key); ok {
			c.put(key, url)
			return url, nil
		}
		path := objectstore.CropPath(eventID, faceIndex)
		url, err := c.store.SignRead(ctx, path, c.signTTL)
		if err != nil {
			return "", err
		}
		c.put(key, url)
		c.sharedSet(ctx, key, url)
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops every cached face URL for an event, local and shared.
func (c *Cache) Invalidate(ctx context.Context, eventID string, maxFaces int) {
	c.mu.Lock()
	for i := 1; i <= maxFaces; i++ {
		delete(c.local, fmt.Sprintf("%s:%d", eventID, i))
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	keys := make([]string, 0, maxFaces)
	for i := 1; i <= maxFaces; i++ {
		keys = append(keys, fmt.Sprintf("%s%s:%d", c.keyPrefix, eventID, i))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("redis invalidate failed", "event_id", eventID, "error", err)
	}
}

func (c *Cache) put(key, url string) {
	c.mu.Lock()
	c.local[key] = entry{url: url, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
}

func (c *Cache) sharedGet(ctx context.Context, key string) (string, bool) {
	if c.rdb == nil {
		return "", false
	}
	url, err := c.rdb.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed", "key", key, "error", err)
		}
		return "", false
	}
	return url, true
}

func (c *Cache) sharedSet(ctx context.Context, key, url string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.keyPrefix+key, url, c.cacheTTL).Err(); err != nil {
		c.logger.Warn("redis set failed", "key", key, "error", err)
	}
}
