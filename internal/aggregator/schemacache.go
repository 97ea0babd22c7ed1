package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"
)

// SchemaLoader fetches one tool's full descriptor from its child.
type SchemaLoader func(ctx context.Context) (*mcp.Tool, error)

// CacheMetrics are the schema cache's counters.
type CacheMetrics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Coalesced uint64
}

// HitRate returns hits / (hits + misses), zero when empty.
func (m CacheMetrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

type cacheEntry struct {
	tool       *mcp.Tool
	insertedAt time.Time
}

// SchemaCache is the LRU+TTL cache of (child, tool) -> schema with request
// coalescing. TTL takes precedence over LRU: an expired entry is a miss on
// access and is removed before any recency bookkeeping happens.
type SchemaCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration

	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	coalesced atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// cacheKey builds the composite key for one (child, tool) pair. Connection
// keys cannot contain newlines, so the separator is unambiguous.
func cacheKey(childKey, toolName string) string {
	return childKey + "\n" + toolName
}

// NewSchemaCache creates a cache bounded to maxEntries entries with the
// given TTL.
func NewSchemaCache(maxEntries int, ttl time.Duration) (*SchemaCache, error) {
	c := &SchemaCache{
		ttl:    ttl,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	cache, err := lru.NewWithEvict[string, cacheEntry](maxEntries, func(string, cacheEntry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	c.lru = cache
	return c, nil
}

// StartSweeper launches the periodic TTL sweep.
func (c *SchemaCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper and cancels the context of pending loads.
func (c *SchemaCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// GetOrLoad returns the cached schema for (child, tool), loading it at most
// once per concurrent batch. Load failures propagate to every coalesced
// caller and are never cached.
func (c *SchemaCache) GetOrLoad(ctx context.Context, childKey, toolName string, loader SchemaLoader) (*mcp.Tool, error) {
	key := cacheKey(childKey, toolName)

	if tool, ok := c.get(key); ok {
		c.hits.Add(1)
		return tool, nil
	}
	c.misses.Add(1)

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the entry between our miss and
		// acquiring the flight.
		if tool, ok := c.get(key); ok {
			return tool, nil
		}
		// Stop cancels the in-flight load.
		loadCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.stopCh:
				cancel()
			case <-loadCtx.Done():
			}
		}()
		tool, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		c.put(key, tool)
		return tool, nil
	})
	if shared {
		c.coalesced.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return result.(*mcp.Tool), nil
}

// get checks the entry, applying TTL before LRU: expired entries are
// removed without a recency bump and report as misses.
func (c *SchemaCache) get(key string) (*mcp.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.insertedAt) >= c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	// Fresh; bump recency.
	c.lru.Get(key)
	return entry.tool, true
}

func (c *SchemaCache) put(key string, tool *mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry{tool: tool, insertedAt: c.now()})
}

// Invalidate drops every entry of one child, e.g. after a restart.
func (c *SchemaCache) Invalidate(childKey string) {
	prefix := childKey + "\n"
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lru.Remove(key)
		}
	}
}

// Len returns the current entry count.
func (c *SchemaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Metrics returns a copy of the counters.
func (c *SchemaCache) Metrics() CacheMetrics {
	return CacheMetrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Coalesced: c.coalesced.Load(),
	}
}

func (c *SchemaCache) sweep() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && now.Sub(entry.insertedAt) >= c.ttl {
			c.lru.Remove(key)
		}
	}
}
