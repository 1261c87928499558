package apiclient

import (
	"sync"
	"time"
)

// CacheEntry is one stored value with its lifecycle metadata.
type CacheEntry[V any] struct {
	CreatedAt time.Time
	ExpiresAt time.Time
	Value     V
	HitCount  int64
	seq       uint64
}

// CacheStats is a snapshot of cache activity.
type CacheStats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRate     float64 `json:"hit_rate"`
}

// Cache is a bounded TTL map. When full, inserting a new key evicts the single
// oldest entry by CreatedAt (FIFO by age, not LRU). Expired entries are removed
// on access and by a background sweeper.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry[V]
	config  *CacheConfig
	seq     uint64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache creates a cache and starts its sweeper when SweepInterval > 0.
// Call Close to stop the sweeper.
func NewCache[V any](opts ...CacheOption) *Cache[V] {
	config := DefaultCacheConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Cache[V]{
		entries: make(map[string]*CacheEntry[V]),
		config:  config,
		stop:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(config.SweepInterval)
	}
	return c
}

// Name returns the configured cache name.
func (c *Cache[V]) Name() string {
	return c.config.Name
}

// Set stores value under key. A ttl <= 0 uses the configured default TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	if _, exists := c.entries[key]; !exists && c.config.MaxSize > 0 && len(c.entries) >= c.config.MaxSize {
		c.evictOldestLocked()
	}

	c.seq++
	c.entries[key] = &CacheEntry[V]{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		seq:       c.seq,
	}
}

// Get returns the value for key. Expired entries are deleted and reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.config.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.expirations++
		c.misses++
		return zero, false
	}

	entry.HitCount++
	c.hits++
	return entry.Value, true
}

// Entry returns a copy of the entry's metadata without counting a hit.
func (c *Cache[V]) Entry(key string) (CacheEntry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.config.Now().After(entry.ExpiresAt) {
		return CacheEntry[V]{}, false
	}
	return *entry, true
}

// Has reports whether key holds a live entry. It does not count as a hit.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.config.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.expirations++
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes every entry. Statistics are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry[V])
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns a snapshot of cache activity.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:        len(c.entries),
		MaxSize:     c.config.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.expirations += int64(removed)
	return removed
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// evictOldestLocked removes the entry with the earliest CreatedAt; insertion order breaks ties.
func (c *Cache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    *CacheEntry[V]
	)
	for key, entry := range c.entries {
		if oldest == nil ||
			entry.CreatedAt.Before(oldest.CreatedAt) ||
			(entry.CreatedAt.Equal(oldest.CreatedAt) && entry.seq < oldest.seq) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}
