package embedcache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Embedder produces one vector per input text. provider.Provider satisfies it.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache memoizes query embeddings. Absence never changes a result, only the
// latency; a failed embedding call propagates and leaves the cache untouched.
type Cache interface {
	// GetOrCompute returns the embedding for the query and whether it was a
	// cache hit.
	GetOrCompute(ctx context.Context, query string) ([]float32, bool, error)
	// Sweep drops entries older than the cache TTL. Used by the maintenance
	// scheduler; never errors for in-memory caches.
	Sweep(ctx context.Context) (int, error)
	// Len reports the number of live entries (0 for remote tiers that do not
	// track it).
	Len() int
}

// NormalizeKey canonicalizes a query string for use as a cache key:
// case-folded, whitespace-collapsed.
func NormalizeKey(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

type entry struct {
	key        string
	vector     []float32
	insertedAt time.Time
}

// LRU is a fixed-capacity in-memory cache with least-recently-used eviction.
// Eviction never errors; it silently drops the oldest entry.
type LRU struct {
	embedder Embedder
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
}

// NewLRU builds an in-memory cache. A non-positive ttl disables staleness.
func NewLRU(embedder Embedder, capacity int, ttl time.Duration) (*LRU, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedcache requires an embedder")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("embedcache capacity must be > 0")
	}
	return &LRU{
		embedder: embedder,
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}, nil
}

// GetOrCompute implements Cache.
func (c *LRU) GetOrCompute(ctx context.Context, query string) ([]float32, bool, error) {
	key := NormalizeKey(query)

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		if c.ttl <= 0 || time.Since(ent.insertedAt) < c.ttl {
			c.order.MoveToFront(el)
			vec := ent.vector
			c.mu.Unlock()
			return vec, true, nil
		}
		// Stale entries count as misses and are replaced, not mutated.
		c.order.Remove(el)
		delete(c.items, key)
	}
	c.mu.Unlock()

	vectors, err := c.embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, false, errNoVectors
	}
	vec := vectors[0]

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		// A concurrent caller populated the key first; keep its entry.
		c.order.MoveToFront(el)
		return el.Value.(*entry).vector, false, nil
	}
	el := c.order.PushFront(&entry{key: key, vector: vec, insertedAt: time.Now()})
	c.items[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
	return vec, false, nil
}

// Sweep implements Cache.
func (c *LRU) Sweep(_ context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if time.Since(ent.insertedAt) >= c.ttl {
			c.order.Remove(el)
			delete(c.items, ent.key)
			removed++
		}
		el = prev
	}
	return removed, nil
}

// Len implements Cache.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

var errNoVectors = fmt.Errorf("embed query: provider returned no vectors")
