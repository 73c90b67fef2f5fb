package ttlcache

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10_000

// Config holds configuration for Cache.
type Config struct {
	Longevity  uint64 `yaml:"longevity"`   // Entry longevity in seconds.
	MaxEntries int    `yaml:"max_entries"` // Upper bound of stored entries.
}

type entry[V any] struct {
	value    V
	deadline int64
}

type inflight[V any] struct {
	wg    sync.WaitGroup
	value V
	err   error
}

// Cache is an in-memory key to value store where every entry expires after
// the configured longevity. The cache is bounded, when full the oldest
// entries are evicted. GetOrLoad collapses concurrent loads of the same key
// into a single call.
type Cache[K comparable, V any] struct {
	data      map[K]entry[V]
	loads     map[K]*inflight[V]
	mux       sync.RWMutex
	longevity time.Duration
	maxLen    int
}

// New creates new Cache and runs the background cleaner.
// The cleaner stops when ctx is canceled.
func New[K comparable, V any](ctx context.Context, cfg Config) *Cache[K, V] {
	if cfg.Longevity == 0 {
		cfg.Longevity = 60
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	longevity := time.Duration(cfg.Longevity) * time.Second
	c := &Cache[K, V]{
		data:      make(map[K]entry[V]),
		loads:     make(map[K]*inflight[V]),
		longevity: longevity,
		maxLen:    cfg.MaxEntries,
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(longevity * 2):
				c.clean()
			}
		}
	}()

	return c
}

// Get reads a live entry for the key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	e, ok := c.data[key]
	if !ok || e.deadline < time.Now().UnixNano() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores the value under the key for the configured longevity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.evictIfFull()
	c.data[key] = entry[V]{value: value, deadline: time.Now().Add(c.longevity).UnixNano()}
}

// Delete removes the entry stored under the key.
func (c *Cache[K, V]) Delete(key K) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.data, key)
}

// GetOrLoad returns a live entry for the key or invokes the loader.
// Concurrent callers of the same key share one loader invocation.
// Loader errors are returned to every waiting caller and are not cached.
func (c *Cache[K, V]) GetOrLoad(key K, loader func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mux.Lock()
	if e, ok := c.data[key]; ok && e.deadline >= time.Now().UnixNano() {
		c.mux.Unlock()
		return e.value, nil
	}
	if f, ok := c.loads[key]; ok {
		c.mux.Unlock()
		f.wg.Wait()
		return f.value, f.err
	}
	f := &inflight[V]{}
	f.wg.Add(1)
	c.loads[key] = f
	c.mux.Unlock()

	f.value, f.err = loader()
	c.mux.Lock()
	delete(c.loads, key)
	if f.err == nil {
		c.evictIfFull()
		c.data[key] = entry[V]{value: f.value, deadline: time.Now().Add(c.longevity).UnixNano()}
	}
	c.mux.Unlock()
	f.wg.Done()

	return f.value, f.err
}

func (c *Cache[K, V]) clean() {
	c.mux.Lock()
	defer c.mux.Unlock()
	now := time.Now().UnixNano()
	for k, e := range c.data {
		if e.deadline < now {
			delete(c.data, k)
		}
	}
}

// evictIfFull drops the entries closest to expiry. Callers must hold the lock.
func (c *Cache[K, V]) evictIfFull() {
	for len(c.data) >= c.maxLen {
		var oldestKey K
		oldest := int64(1<<63 - 1)
		for k, e := range c.data {
			if e.deadline < oldest {
				oldest = e.deadline
				oldestKey = k
			}
		}
		delete(c.data, oldestKey)
	}
}
