package resilience

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spec-kit/ticket-engine/internal/clock"
)

// CacheEntry is a snapshot of a successful read.
type CacheEntry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry is still within its TTL at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Cache is a bounded, least-recently-used snapshot cache. Expired
// entries are kept until evicted so they can serve degraded reads.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    clock.Clock
	order    *list.List
	entries  map[string]*list.Element
}

// NewCache builds a cache holding at most capacity entries.
func NewCache(capacity int, ttl time.Duration, clk clock.Clock) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clk,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Put stores value under key, evicting the least recently used entry
// when full.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := CacheEntry{Key: key, Value: value, StoredAt: c.clock.Now(), TTL: c.ttl}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(CacheEntry).Key)
	}
}

// Get returns the entry for key and whether it is fresh.
func (c *Cache) Get(key string) (CacheEntry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(CacheEntry)
	return entry, entry.Fresh(c.clock.Now()), true
}

// Delete drops the entry stored under key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Fingerprint builds the cache key for an operation and its arguments.
func Fingerprint(operation string, args ...any) string {
	var b strings.Builder
	b.WriteString(operation)
	for _, arg := range args {
		b.WriteByte('|')
		fmt.Fprintf(&b, "%v", arg)
	}
	return b.String()
}
