// internal/cache/cache.go
package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Policy string

const (
	PolicyLRU Policy = "lru"
	PolicyLFU Policy = "lfu"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyLRU, "":
		return PolicyLRU, nil
	case PolicyLFU:
		return PolicyLFU, nil
	}
	return "", fmt.Errorf("unknown eviction policy %q", s)
}

type Options struct {
	Capacity   int
	Policy     Policy
	DefaultTTL time.Duration
	// Now is the clock used for TTL checks; tests replace it.
	Now func() time.Time
}

type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	hits      uint64
}

// Cache is a bounded key-value cache with TTL expiry checked on access and
// LRU or LFU eviction on overflow. It is safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	opts     Options
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	stats    Stats
	disabled bool
}

func New[V any](opts Options) *Cache[V] {
	if opts.Policy == "" {
		opts.Policy = PolicyLRU
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		opts:     opts,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		disabled: opts.Capacity <= 0,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !e.expiresAt.IsZero() && !c.opts.Now().Before(e.expiresAt) {
		c.removeElement(el)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	e.hits++
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Put stores value under key. A non-positive ttl falls back to DefaultTTL;
// if that is also zero the entry only leaves through eviction or invalidation.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.opts.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.opts.Capacity {
		c.evict()
	}
	el := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidatePrefix drops every key starting with prefix and returns how many went.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			n++
		}
	}
	return n
}

func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	return s
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// evict removes one entry. Expired entries go first regardless of policy.
func (c *Cache[V]) evict() {
	now := c.opts.Now()
	var victim *list.Element
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[V])
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			c.removeElement(el)
			c.stats.Expirations++
			return
		}
		switch c.opts.Policy {
		case PolicyLFU:
			// ties keep the least recently used since we walk from the back
			if victim == nil || e.hits < victim.Value.(*entry[V]).hits {
				victim = el
			}
		default:
			if victim == nil {
				victim = el
			}
		}
	}
	if victim != nil {
		c.removeElement(victim)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[V])
	delete(c.items, e.key)
}
