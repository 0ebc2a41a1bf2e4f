// Package cache implements the generic TTL/refresh cache engine: a
// concurrent, generic key-value cache with per-entry expiration, optional
// scheduled background refresh, eviction accounting and graceful shutdown.
//
// The expiration bookkeeping follows the same shape as objects-cache's
// eviction heap, generalized to carry refresh state and typed values
// instead of a single any-typed store keyed only by size.
package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LoaderFunc loads a value for a missing or expired key. A false found
// return means "no value for this key" and causes any stale entry to be
// removed rather than replaced.
type LoaderFunc[K comparable, V any] func(key K) (value V, found bool, err error)

const (
	// DefaultSweepInterval is how often the background sweeper looks for
	// expired entries that were never refreshed.
	DefaultSweepInterval = 60 * time.Second
	// DefaultShutdownGrace bounds how long Shutdown waits for in-flight
	// refreshes before forcing termination.
	DefaultShutdownGrace = 5 * time.Second
)

// Config controls cache-wide defaults. Per-Put TTL/refresh values override
// these for a single entry.
type Config struct {
	DefaultTTL     time.Duration
	DefaultRefresh time.Duration
	SweepInterval  time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) withDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Stats are monotonic atomic counters exposed for observability.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Refreshes uint64
}

// HitRatio returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type statsCounters struct {
	hits, misses, evictions, refreshes uint64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
		Refreshes: atomic.LoadUint64(&c.refreshes),
	}
}

// entry is the internal bookkeeping record for a single key. It doubles as
// a heap item so the sweeper can find the earliest-expiring entries without
// a full scan.
type entry[K comparable, V any] struct {
	key             K
	value           V
	expiresAt       time.Time
	refreshInterval time.Duration
	refreshTimer    *time.Timer
	heapIndex       int
}

// Cache is a generic, concurrency-safe TTL cache with optional scheduled
// refresh.
type Cache[K comparable, V any] struct {
	cfg    Config
	loader LoaderFunc[K, V]
	logger *zap.Logger

	mu      sync.Mutex
	entries map[K]*entry[K, V]
	expHeap expirationHeap[K, V]

	stats statsCounters

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// New creates a cache. loader may be nil, in which case a miss always
// returns not-found rather than attempting to populate the entry.
func New[K comparable, V any](cfg Config, loader LoaderFunc[K, V], logger *zap.Logger) *Cache[K, V] {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[K, V]{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		entries: map[K]*entry[K, V]{},
		closeCh: make(chan struct{}),
	}
}

// Start launches the background sweeper. Calling Start is optional: a
// cache with no refresh entries works fine without it, at the cost of
// expired-but-unread entries lingering in memory until the next Get.
func (c *Cache[K, V]) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop()
}

// Get returns the cached value for key. On a hit it records a hit and
// returns the value. On a miss (absent or expired) it records a miss (and,
// for an expired entry, an eviction), then invokes the loader at most once
// for this call; concurrent callers may race the loader and the last
// Put wins — that's accepted, documented behavior, not a bug.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && time.Now().Before(e.expiresAt) {
		v := e.value
		c.mu.Unlock()
		atomic.AddUint64(&c.stats.hits, 1)
		return v, true
	}
	hadStaleEntry := ok
	c.mu.Unlock()

	atomic.AddUint64(&c.stats.misses, 1)
	if hadStaleEntry {
		// Remove itself records the eviction.
		c.Remove(key)
	}

	var zero V
	if c.loader == nil {
		return zero, false
	}

	value, found, err := c.loader(key)
	if err != nil {
		c.logger.Warn("cache loader failed", zap.Error(err))
		return zero, false
	}
	if !found {
		c.Remove(key)
		return zero, false
	}

	c.Put(key, value, c.cfg.DefaultTTL, c.cfg.DefaultRefresh)
	return value, true
}

// Put installs a value with the given TTL, scheduling a background refresh
// if refreshInterval > 0.
func (c *Cache[K, V]) Put(key K, value V, ttl, refreshInterval time.Duration) {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.stopRefreshLocked(old)
		heap.Remove(&c.expHeap, old.heapIndex)
	}

	e := &entry[K, V]{
		key:             key,
		value:           value,
		expiresAt:       time.Now().Add(ttl),
		refreshInterval: refreshInterval,
	}
	c.entries[key] = e
	heap.Push(&c.expHeap, e)
	c.mu.Unlock()

	if refreshInterval > 0 {
		c.scheduleRefresh(e, refreshInterval)
	}
}

func (c *Cache[K, V]) scheduleRefresh(e *entry[K, V], after time.Duration) {
	timer := time.AfterFunc(after, func() { c.runRefresh(e.key) })
	c.mu.Lock()
	if cur, ok := c.entries[e.key]; ok && cur == e {
		e.refreshTimer = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()
}

func (c *Cache[K, V]) runRefresh(key K) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		c.mu.Unlock()
		return
	}
	ttl := c.cfg.DefaultTTL
	refresh := e.refreshInterval
	c.mu.Unlock()

	if c.loader == nil {
		return
	}

	value, found, err := c.loader(key)
	if err != nil {
		c.logger.Warn("cache refresh failed, will retry on the next interval", zap.Error(err))
		c.scheduleRefresh(e, refresh)
		return
	}
	if !found {
		// Remove itself records the eviction.
		c.Remove(key)
		return
	}

	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok || cur != e {
		c.mu.Unlock()
		return
	}
	cur.value = value
	cur.expiresAt = cur.expiresAt.Add(ttl)
	heap.Fix(&c.expHeap, cur.heapIndex)
	c.mu.Unlock()

	atomic.AddUint64(&c.stats.refreshes, 1)
	c.scheduleRefresh(e, refresh)
}

// Remove deletes key, cancels any pending refresh, and records an eviction
// if an entry was actually present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.stopRefreshLocked(e)
	heap.Remove(&c.expHeap, e.heapIndex)
	delete(c.entries, key)
	c.mu.Unlock()

	atomic.AddUint64(&c.stats.evictions, 1)
}

func (c *Cache[K, V]) stopRefreshLocked(e *entry[K, V]) {
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
}

// Clear removes every entry and cancels all pending refreshes, crediting
// the eviction counter with the pre-clear size (the spec flags the source
// system's clear() as crediting post-clear size, i.e. always zero; this
// implementation follows the documented intended behavior instead).
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	for _, e := range c.entries {
		c.stopRefreshLocked(e)
	}
	c.entries = map[K]*entry[K, V]{}
	c.expHeap = nil
	c.mu.Unlock()

	atomic.AddUint64(&c.stats.evictions, uint64(n))
}

// Shutdown stops the sweeper and all pending refreshes within
// ShutdownGrace, then force-terminates.
func (c *Cache[K, V]) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.mu.Lock()
	for _, e := range c.entries {
		c.stopRefreshLocked(e)
	}
	c.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-grace.Done():
		return grace.Err()
	}
}

// Stats returns a point-in-time snapshot of the cache's counters.
func (c *Cache[K, V]) Stats() Stats {
	return c.stats.snapshot()
}

func (c *Cache[K, V]) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache[K, V]) sweepExpired() {
	now := time.Now()
	var expired []K

	c.mu.Lock()
	for c.expHeap.Len() > 0 {
		top := c.expHeap[0]
		if now.Before(top.expiresAt) {
			break
		}
		expired = append(expired, top.key)
		c.stopRefreshLocked(top)
		heap.Pop(&c.expHeap)
		delete(c.entries, top.key)
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		atomic.AddUint64(&c.stats.evictions, uint64(len(expired)))
	}
}

// expirationHeap implements container/heap.Interface over entries ordered
// by expiresAt, the same pattern the eviction heap in objects-cache uses.
type expirationHeap[K comparable, V any] []*entry[K, V]

func (h expirationHeap[K, V]) Len() int { return len(h) }

func (h expirationHeap[K, V]) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expirationHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *expirationHeap[K, V]) Push(v any) {
	e := v.(*entry[K, V])
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *expirationHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
