// Package cache provides the single-flight, TTL-scoped store of fetched
// resource sets.
//
// Every listing issued during a run goes through Cache.GetOrFetch. A fresh
// entry is returned without calling the loader; a stale or missing entry is
// loaded exactly once no matter how many callers ask for it concurrently, and
// every waiter receives the identical result. Loader failures are never
// cached. Entries are immutable and replaced wholesale on refresh.
//
// An optional Backend (SQLite or Redis) persists entries across processes so
// that successive CLI runs within the TTL reuse listings.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// Entry is one cached resource set.
type Entry struct {
	Key       string              `json:"key"`
	Value     *engine.ResourceSet `json:"value"`
	FetchedAt time.Time           `json:"fetched_at"`
	TTL       time.Duration       `json:"ttl"`
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && e.TTL > 0 && now.Sub(e.FetchedAt) < e.TTL
}

// Loader produces a resource set for a cache miss.
type Loader func(ctx context.Context) (*engine.ResourceSet, error)

// Backend is a persistent tier behind the in-memory map.
type Backend interface {
	// Get returns the entry for key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores an entry, replacing any previous one.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes the entry for key.
	Delete(ctx context.Context, key string) error

	// Purge removes all entries.
	Purge(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Options configures a Cache.
type Options struct {
	// DefaultTTL applies when GetOrFetch is called with ttl <= 0.
	DefaultTTL time.Duration

	// Backend is an optional persistent tier.
	Backend Backend

	// Clock supplies "now". Defaults to time.Now.
	Clock engine.Clock

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

// Cache is safe for concurrent use. All mutation goes through the
// single-flight path or Invalidate/Purge.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group

	defaultTTL time.Duration
	backend    Backend
	clock      engine.Clock
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 15 * time.Minute

// New creates a cache.
func New(opts Options) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		defaultTTL: opts.DefaultTTL,
		backend:    opts.Backend,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = telemetry.NewNopLogger()
	}
	c.logger = c.logger.NewComponentLogger("cache")
	return c
}

// GetOrFetch returns the fresh entry for key or loads it. Concurrent callers
// for the same key share one loader invocation. The loader runs detached
// from the cancellation of any single caller so that one waiter giving up
// does not fail the others; a caller whose ctx is done returns ctx.Err().
func (c *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, loader Loader) (*engine.ResourceSet, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	k := key.String()

	if e := c.lookup(k); e != nil {
		c.hit()
		return e.Value, nil
	}

	ch := c.group.DoChan(k, func() (interface{}, error) {
		return c.load(context.WithoutCancel(ctx), k, ttl, loader)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*engine.ResourceSet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs inside the single-flight group.
func (c *Cache) load(ctx context.Context, k string, ttl time.Duration, loader Loader) (val interface{}, err error) {
	// Another flight may have completed between lookup and DoChan.
	if e := c.lookup(k); e != nil {
		c.hit()
		return e.Value, nil
	}

	if e := c.fromBackend(ctx, k); e != nil {
		c.store(e)
		c.hit()
		return e.Value, nil
	}

	c.miss()

	defer func() {
		if r := recover(); r != nil {
			err = engine.NewCacheLoaderError(k, fmt.Errorf("loader panic: %v", r))
			c.metrics.RecordCacheLoad(err)
		}
	}()

	c.loads.Add(1)
	set, err := loader(ctx)
	c.metrics.RecordCacheLoad(err)
	if err != nil {
		c.logger.WithField("key", k).WithError(err).Debug("Loader failed, entry stays stale")
		return nil, engine.NewCacheLoaderError(k, err)
	}
	if set == nil {
		set = &engine.ResourceSet{}
	}

	entry := &Entry{Key: k, Value: set, FetchedAt: c.clock(), TTL: ttl}
	c.store(entry)

	if c.backend != nil {
		if err := c.backend.Put(ctx, entry); err != nil {
			c.logger.WithField("key", k).WithError(err).Warn("Failed to persist cache entry")
		}
	}

	return set, nil
}

func (c *Cache) lookup(k string) *Entry {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && e.Fresh(c.clock()) {
		return e
	}
	return nil
}

func (c *Cache) fromBackend(ctx context.Context, k string) *Entry {
	if c.backend == nil {
		return nil
	}
	e, err := c.backend.Get(ctx, k)
	if err != nil {
		c.logger.WithField("key", k).WithError(err).Warn("Cache backend read failed")
		return nil
	}
	if e == nil || !e.Fresh(c.clock()) || e.Value == nil {
		return nil
	}
	return e
}

func (c *Cache) store(e *Entry) {
	c.mu.Lock()
	c.entries[e.Key] = e
	c.mu.Unlock()
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.RecordCacheHit()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.RecordCacheMiss()
}

// Invalidate removes the entry for key immediately, from memory and the
// backend. A load already in flight for key is forgotten so the next caller
// starts a new one.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	k := key.String()
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
	c.group.Forget(k)

	if c.backend != nil {
		if err := c.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete cache entry %s: %w", k, err)
		}
	}
	return nil
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) error {
	c.mu.Lock()
	for k := range c.entries {
		c.group.Forget(k)
	}
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Purge(ctx); err != nil {
			return fmt.Errorf("failed to purge cache backend: %w", err)
		}
	}
	return nil
}

// Len returns the number of in-memory entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}

// Close closes the backend, if any.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}
