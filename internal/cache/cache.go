// Package cache provides a TTL cache-or-load helper.
//
// Loads for the same key are collapsed into one in-flight call that runs
// detached from any single caller, bounded by LoadTimeout. Values are written
// back asynchronously so the caller returns as soon as the loader does; a
// failed or skipped write only costs a later recomputation.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultLoadTimeout bounds a shared load.
const DefaultLoadTimeout = time.Minute

// Loader computes the value for a key. store=false returns the value to the
// caller without caching it (degraded results).
type Loader[V any] func(ctx context.Context) (value V, store bool, err error)

// Cache is a string-keyed TTL cache. The zero value is not usable; call New.
type Cache[V any] struct {
	items  *ttlcache.Cache[string, V]
	group  singleflight.Group
	writes sync.WaitGroup

	// LoadTimeout bounds each shared load. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration

	// OnLookup, if set, observes every GetOrLoad as a hit or a miss.
	OnLookup func(hit bool)
}

// New creates a cache whose entries expire ttl after being written.
func New[V any](ttl time.Duration) *Cache[V] {
	items := ttlcache.New[string, V](
		ttlcache.WithTTL[string, V](ttl),
		ttlcache.WithDisableTouchOnHit[string, V](),
	)
	go items.Start()
	return &Cache[V]{items: items}
}

// Get returns a cached value without loading.
func (c *Cache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value synchronously.
func (c *Cache[V]) Set(key string, value V) {
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// Delete drops key.
func (c *Cache[V]) Delete(key string) {
	c.items.Delete(key)
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}

// GetOrLoad returns the cached value for key or runs load.
// Concurrent callers for the same key share one load. The load keeps the
// values of ctx but not its cancellation: a caller that gives up returns
// ctx.Err() while the load continues for the others and still fills the cache.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		c.observe(true)
		return v, nil
	}
	c.observe(false)
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout())
		defer cancel()

		v, store, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		if store {
			c.writes.Add(1)
			go func() {
				defer c.writes.Done()
				c.items.Set(key, v, ttlcache.DefaultTTL)
			}()
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) loadTimeout() time.Duration {
	if c.LoadTimeout > 0 {
		return c.LoadTimeout
	}
	return DefaultLoadTimeout
}

// Wait blocks until pending asynchronous writes have landed.
func (c *Cache[V]) Wait() {
	c.writes.Wait()
}

// Close waits for pending writes and stops the expiry loop.
func (c *Cache[V]) Close() {
	c.writes.Wait()
	c.items.Stop()
}

func (c *Cache[V]) observe(hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}
