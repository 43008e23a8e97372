// Package tilecache provides a read-through cache for tile pixel
// payloads in front of a TileStore.
package tilecache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

// Cache caches tile payloads read from a TileStore. Concurrent misses on
// the same tile collapse into a single store load.
type Cache struct {
	store adapter.TileStore
	c     *ristretto.Cache
	ttl   time.Duration
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	cfg *ristretto.Config
}

// WithTTL bounds how long a cached payload stays valid. Zero keeps
// entries until they are refreshed or evicted by cost.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// New returns a read-through cache over store.
func New(store adapter.TileStore, opts ...Option) *Cache {
	o := options{
		cfg: &ristretto.Config{
			NumCounters: 1e4,     // number of keys to track frequency of (10k).
			MaxCost:     1 << 26, // maximum cost of cache (64MB by default).
			BufferItems: 64,      // number of keys per Get buffer.
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(o.cfg)
	if err != nil {
		panic(err)
	}
	return &Cache{store: store, c: rc, ttl: o.ttl}
}

type loadResult struct {
	pixels []byte
	ok     bool
}

// Load returns the tile payload, reading through to the store on a
// miss. The boolean return mirrors TileStore.Load.
func (c *Cache) Load(ctx context.Context, key lock.TileKey) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	if v, ok := c.c.Get(key.String()); ok {
		c.hits.Add(1)
		pixels, _ := v.([]byte)
		return pixels, true, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		pixels, ok, err := c.store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			c.c.SetWithTTL(key.String(), pixels, int64(len(pixels))+1, c.ttl)
			c.c.Wait()
		}
		return loadResult{pixels: pixels, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(loadResult)
	return res.pixels, res.ok, nil
}

// Refresh replaces the cached payload, typically after a committed edit.
func (c *Cache) Refresh(ctx context.Context, key lock.TileKey, pixels []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.c.SetWithTTL(key.String(), pixels, int64(len(pixels))+1, c.ttl)
	c.c.Wait()
	return nil
}

// Invalidate drops the cached payload for a tile.
func (c *Cache) Invalidate(ctx context.Context, key lock.TileKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.c.Del(key.String())
	c.c.Wait()
	return nil
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Metrics returns current counters for the cache.
func (c *Cache) Metrics() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Wait blocks until pending cache mutations are applied.
func (c *Cache) Wait() {
	c.c.Wait()
}

// Close releases resources held by the cache.
func (c *Cache) Close() {
	c.c.Close()
}
