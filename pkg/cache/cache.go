// Package cache is a small in-process TTL cache with request collapsing.
//
// Loads for the same key run once at a time (singleflight). A loader may
// report "not found" (ok=false, err=nil), which is remembered for NegativeTTL;
// loader errors are never cached.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	negative  bool
}

type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
	now     func() time.Time
}

// SnapshotEntry represents a point-in-time cache entry for debugging.
type SnapshotEntry[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
	Negative  bool
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
		now:     time.Now,
	}
}

// Loader fetches the value for key. ok=false with a nil error means the key
// has no value.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type loadResult[V any] struct {
	val V
	ok  bool
	err error
}

func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	now := c.now()

	c.mu.RLock()
	e, found := c.items[key]
	c.mu.RUnlock()
	if found && now.Before(e.expiresAt) {
		c.fire(c.metrics.OnHit, key)
		if e.negative {
			return zero, false, nil
		}
		return e.value, true, nil
	}
	if found {
		c.Delete(key)
	}

	c.fire(c.metrics.OnMiss, key)
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		if err != nil {
			c.fire(c.metrics.OnError, key)
		} else {
			c.store(key, val, ok)
		}
		return loadResult[V]{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult[V])
	if res.err != nil || !res.ok {
		return zero, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache[V]) store(key string, val V, ok bool) {
	ttl := c.opts.TTL
	if !ok {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		ttl = c.opts.NegativeTTL
	}
	e := &entry[V]{value: val, expiresAt: c.now().Add(ttl), negative: !ok}

	c.mu.Lock()
	c.put(key, e)
	c.mu.Unlock()

	if c.metrics.OnStore != nil {
		c.metrics.OnStore(map[string]string{"key": key, "ok": boolStr(ok)})
	}
}

// Set stores val for ttl, overriding the configured TTL.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	e := &entry[V]{value: val, expiresAt: c.now().Add(ttl)}
	c.mu.Lock()
	c.put(key, e)
	c.mu.Unlock()
}

// put must be called with mu held.
func (c *Cache[V]) put(key string, e *entry[V]) {
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
}

func (c *Cache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	// FIFO
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

// Peek returns a live cached value without triggering a load.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Snapshot returns a copy of current cache entries for debugging/inspection.
func (c *Cache[V]) Snapshot() []SnapshotEntry[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SnapshotEntry[V], 0, len(c.items))
	for _, k := range c.order {
		e := c.items[k]
		out = append(out, SnapshotEntry[V]{Key: k, Value: e.value, ExpiresAt: e.expiresAt, Negative: e.negative})
	}
	return out
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

func (c *Cache[V]) fire(hook func(map[string]string), key string) {
	if hook != nil {
		hook(map[string]string{"key": key})
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
