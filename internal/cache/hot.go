package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// HotCache is the bounded in-process tier: an LRU keyed by fingerprint with
// per-entry TTL. Expiration is lazy on read; a periodic sweep bounds memory.
// Evicted entries are dropped without write-back. Stored values must be
// treated as immutable snapshots by callers.
type HotCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
	onEvict   func()

	sweepEvery time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type hotEntry struct {
	key       string
	value     interface{}
	createdAt time.Time
	expiresAt time.Time
}

// HotStats reports hot-tier performance.
type HotStats struct {
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	AvgAgeMs    int64   `json:"avg_age_ms"`
	OldestAgeMs int64   `json:"oldest_age_ms"`
}

// NewHotCache creates a hot cache with a fixed capacity and starts the sweep
// goroutine. Call Stop to release it.
func NewHotCache(capacity int, sweepEvery time.Duration) *HotCache {
	if capacity <= 0 {
		capacity = 1
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	c := &HotCache{
		capacity:   capacity,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value if present and unexpired. Expired entries are
// removed on the spot and counted as misses.
func (c *HotCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*hotEntry)
	if time.Now().After(ent.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Set stores a value under the fingerprint, evicting the least recently used
// entry when at capacity. Non-positive TTLs are not cached.
func (c *HotCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*hotEntry)
		ent.value = value
		ent.createdAt = now
		ent.expiresAt = now.Add(ttl)
		c.ll.MoveToFront(el)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		if c.onEvict != nil {
			c.onEvict()
		}
	}

	el := c.ll.PushFront(&hotEntry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
	c.items[key] = el
}

// Delete removes an entry.
func (c *HotCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// the number removed.
func (c *HotCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*list.Element
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, el)
		}
	}
	for _, el := range matched {
		c.removeElement(el)
	}
	return len(matched)
}

// SetEvictionHook registers a callback invoked once per capacity eviction.
// The hook runs under the cache lock and must not call back into the cache.
func (c *HotCache) SetEvictionHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Clear removes all entries and resets counters.
func (c *HotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the current entry count.
func (c *HotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of hot-tier statistics.
func (c *HotCache) Stats() HotStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var totalAge, oldestAge time.Duration
	live := 0
	for el := c.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*hotEntry)
		if now.After(ent.expiresAt) {
			continue
		}
		age := now.Sub(ent.createdAt)
		totalAge += age
		if age > oldestAge {
			oldestAge = age
		}
		live++
	}

	stats := HotStats{
		Size:        len(c.items),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		OldestAgeMs: oldestAge.Milliseconds(),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if live > 0 {
		stats.AvgAgeMs = (totalAge / time.Duration(live)).Milliseconds()
	}
	return stats
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (c *HotCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// removeElement drops an entry. Caller must hold the lock.
func (c *HotCache) removeElement(el *list.Element) {
	ent := el.Value.(*hotEntry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
}

func (c *HotCache) sweep() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *HotCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if now.After(el.Value.(*hotEntry).expiresAt) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeElement(el)
	}
}
