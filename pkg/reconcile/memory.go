package reconcile

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is a process-local Cache. Keys expire after the TTL given to
// NewMemoryCache; zero means never.
type MemoryCache struct {
	mu    sync.Mutex
	store *gocache.Cache
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = 2 * ttl
	}
	return &MemoryCache{store: gocache.New(expiration, cleanup)}
}

func (c *MemoryCache) load(key string) map[string]Entry {
	if v, ok := c.store.Get(key); ok {
		return v.(map[string]Entry)
	}
	return nil
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]Entry, error) {
	c.mu.Lock()
	m := c.load(key)
	entries := make([]Entry, 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	sortEntries(entries)
	return entries, nil
}

// Merge implements Cache.
func (c *MemoryCache) Merge(ctx context.Context, key string, entries ...Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.load(key)
	m := make(map[string]Entry, len(old)+len(entries))
	for id, e := range old {
		m[id] = e
	}
	for _, e := range entries {
		m[e.ID] = e
	}
	c.store.Set(key, m, gocache.DefaultExpiration)
	return nil
}

// Replace implements Cache.
func (c *MemoryCache) Replace(ctx context.Context, key string, entries []Entry) error {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(key, m, gocache.DefaultExpiration)
	return nil
}

// ReplaceCanonical implements Cache.
func (c *MemoryCache) ReplaceCanonical(ctx context.Context, key string, canonical []Entry) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.load(key)
	current := make([]Entry, 0, len(old))
	for _, e := range old {
		current = append(current, e)
	}

	entries, kept := settle(current, canonical)
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	c.store.Set(key, m, gocache.DefaultExpiration)
	return kept, nil
}

// Close implements io.Closer.
func (c *MemoryCache) Close() error {
	c.store.Flush()
	return nil
}
