// internal/cache/cache_test.go
package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestGetPutAndStats(t *testing.T) {
	c := New[int](Options{Capacity: 4})

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestTTLExpiryIsAMiss(t *testing.T) {
	clock := newClock()
	c := New[string](Options{Capacity: 4, DefaultTTL: time.Minute, Now: clock.Now})

	c.Put("user:1", "node", 0)
	clock.Advance(59 * time.Second)
	_, ok := c.Get("user:1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("user:1")
	assert.False(t, ok, "entry must expire exactly at its deadline")
	assert.Equal(t, uint64(1), c.Stats().Expirations)
	assert.Equal(t, 0, c.Len())
}

func TestExplicitTTLOverridesDefault(t *testing.T) {
	clock := newClock()
	c := New[int](Options{Capacity: 4, DefaultTTL: time.Hour, Now: clock.Now})

	c.Put("k", 7, time.Second)
	clock.Advance(2 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New[int](Options{Capacity: 2, Policy: PolicyLRU})

	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	_, _ = c.Get("a") // b is now least recently used
	c.Put("c", 3, 0)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestLFUEviction(t *testing.T) {
	c := New[int](Options{Capacity: 2, Policy: PolicyLFU})

	c.Put("hot", 1, 0)
	c.Put("cold", 2, 0)
	for i := 0; i < 3; i++ {
		_, _ = c.Get("hot")
	}
	_, _ = c.Get("cold")
	// cold was touched last but is used less often
	c.Put("new", 3, 0)

	_, ok := c.Get("cold")
	assert.False(t, ok)
	_, ok = c.Get("hot")
	assert.True(t, ok)
}

func TestEvictionPrefersExpiredEntries(t *testing.T) {
	clock := newClock()
	c := New[int](Options{Capacity: 2, Now: clock.Now})

	c.Put("short", 1, time.Second)
	c.Put("long", 2, time.Hour)
	_, _ = c.Get("short")
	clock.Advance(2 * time.Second)
	c.Put("next", 3, 0)

	_, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestInvalidate(t *testing.T) {
	c := New[int](Options{Capacity: 8})
	c.Put("user:1", 1, 0)
	c.Put("rates:v1", 2, 0)
	c.Put("rates:v2", 3, 0)

	c.Invalidate("user:1")
	_, ok := c.Get("user:1")
	assert.False(t, ok)

	assert.Equal(t, 2, c.InvalidatePrefix("rates:"))
	assert.Equal(t, 0, c.Len())

	c.Put("x", 1, 0)
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestZeroCapacityDisablesCaching(t *testing.T) {
	c := New[int](Options{Capacity: 0})
	c.Put("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("LFU")
	require.NoError(t, err)
	assert.Equal(t, PolicyLFU, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLRU, p)

	_, err = ParsePolicy("fifo")
	assert.Error(t, err)
}

func TestConcurrentAccessStaysBounded(t *testing.T) {
	c := New[int](Options{Capacity: 16, Policy: PolicyLFU})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%40)
				if _, ok := c.Get(key); !ok {
					c.Put(key, i, 0)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16)
	stats := c.Stats()
	assert.Equal(t, uint64(8*200), stats.Hits+stats.Misses)
}
