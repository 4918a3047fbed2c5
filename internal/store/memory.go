package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i474232898/freezer/internal/metrics"
	"github.com/i474232898/freezer/internal/weather"
)

// DefaultMaxEntries bounds the cache when no explicit size is configured.
const DefaultMaxEntries = 50

const persistTimeout = 5 * time.Second

type node struct {
	entry    weather.CacheEntry
	lastUsed atomic.Int64
}

// MemoryCache is a concurrency-safe, size-bounded response cache. Entries
// are never dropped for age; when the bound is exceeded the least recently
// used entry goes. An optional Persister makes the contents survive restarts.
type MemoryCache struct {
	mu sync.RWMutex

	// key: cache key, value: current entry
	data       map[string]*node
	maxEntries int

	// monotonically increasing recency clock; bumped under RLock by Get
	tick atomic.Int64

	persister   Persister
	// Write-throughs run in the order their in-memory swaps happened:
	// persistSeq is handed out under mu, persistNext is the next one due.
	persistMu   sync.Mutex
	persistCond *sync.Cond
	persistSeq  uint64
	persistNext uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a MemoryCache.
type Option func(*MemoryCache)

func WithPersister(p Persister) Option {
	return func(c *MemoryCache) { c.persister = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *MemoryCache) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *MemoryCache) { c.metrics = m }
}

// NewMemoryCache creates a cache holding at most maxEntries entries.
// If maxEntries is <= 0, DefaultMaxEntries is used.
func NewMemoryCache(maxEntries int, opts ...Option) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MemoryCache{
		data:       make(map[string]*node),
		maxEntries: maxEntries,
		logger:     slog.Default(),
	}
	c.persistCond = sync.NewCond(&c.persistMu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key. It only takes the read lock.
func (c *MemoryCache) Get(key string) (weather.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.data[key]
	if !ok {
		return weather.CacheEntry{}, false
	}
	n.lastUsed.Store(c.tick.Add(1))
	return n.entry, true
}

// Put replaces the entry for key and evicts least recently used entries
// past the bound. The write-through to the persister happens after the
// in-memory swap and in the same order as the swaps; persistence errors are
// logged only.
func (c *MemoryCache) Put(key string, snapshot weather.WeatherSnapshot, ttl time.Duration) {
	entry := weather.NewCacheEntry(key, snapshot, ttl)
	n := &node{entry: entry}
	n.lastUsed.Store(c.tick.Add(1))

	c.mu.Lock()
	c.data[key] = n
	evicted := c.evictLocked()
	seq := c.persistSeq
	c.persistSeq++
	c.mu.Unlock()

	c.persist(seq, entry, evicted)
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *MemoryCache) evictLocked() []string {
	var evicted []string
	for len(c.data) > c.maxEntries {
		var (
			oldestKey string
			oldest    int64
			found     bool
		)
		for k, n := range c.data {
			used := n.lastUsed.Load()
			if !found || used < oldest {
				oldestKey, oldest, found = k, used, true
			}
		}
		delete(c.data, oldestKey)
		evicted = append(evicted, oldestKey)
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
	}
	return evicted
}

func (c *MemoryCache) persist(seq uint64, entry weather.CacheEntry, evicted []string) {
	if c.persister == nil {
		return
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	for c.persistNext != seq {
		c.persistCond.Wait()
	}
	defer func() {
		c.persistNext++
		c.persistCond.Broadcast()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.persister.Save(ctx, entry); err != nil {
		c.logger.Warn("could not persist cache entry", "key", entry.Key, "error", err)
	}
	for _, key := range evicted {
		if err := c.persister.Delete(ctx, key); err != nil {
			c.logger.Warn("could not delete evicted cache entry", "key", key, "error", err)
		}
	}
}

// Restore loads persisted entries. Any failure leaves the cache empty; it is
// never fatal. When more entries are stored than fit, the most recently
// fetched ones are kept.
func (c *MemoryCache) Restore(ctx context.Context) int {
	if c.persister == nil {
		return 0
	}

	entries, err := c.persister.Load(ctx)
	if err != nil {
		c.logger.Warn("could not load persisted cache; starting empty", "error", err)
		return 0
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Snapshot.FetchedAt.After(entries[j].Snapshot.FetchedAt)
	})

	var dropped []string
	if len(entries) > c.maxEntries {
		for _, e := range entries[c.maxEntries:] {
			dropped = append(dropped, e.Key)
		}
		entries = entries[:c.maxEntries]
	}

	c.mu.Lock()
	// Insert oldest first so recency follows fetch order.
	for i := len(entries) - 1; i >= 0; i-- {
		n := &node{entry: entries[i]}
		n.lastUsed.Store(c.tick.Add(1))
		c.data[entries[i].Key] = n
	}
	c.mu.Unlock()

	for _, key := range dropped {
		if err := c.persister.Delete(ctx, key); err != nil {
			c.logger.Warn("could not delete surplus cache entry", "key", key, "error", err)
		}
	}

	c.logger.Info("restored weather cache", "entries", len(entries), "dropped", len(dropped))
	return len(entries)
}

// Close releases the persister, if any.
func (c *MemoryCache) Close() error {
	if c.persister == nil {
		return nil
	}
	return c.persister.Close()
}
