package cache

import (
	"context"
	"sync"
	"time"

	"orderflow/backend/internal/domain"
)

type memoryEntry struct {
	count     int64
	gen       Generation
	expiresAt time.Time
}

// MemoryUnreadCache keeps counts in process. It serves single-instance
// deployments that run without Redis.
type MemoryUnreadCache struct {
	mu      sync.Mutex
	now     func() time.Time
	gens    map[string]Generation
	entries map[string]memoryEntry
}

func NewMemoryUnreadCache() *MemoryUnreadCache {
	return &MemoryUnreadCache{
		now:     time.Now,
		gens:    make(map[string]Generation),
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryUnreadCache) Get(_ context.Context, scope domain.NotificationScope) (int64, Generation, bool, error) {
	key := UnreadKey(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.gens[key]
	entry, ok := c.entries[key]
	if !ok || entry.gen != gen || !c.now().Before(entry.expiresAt) {
		return 0, gen, false, nil
	}
	return entry.count, gen, true, nil
}

func (c *MemoryUnreadCache) Set(_ context.Context, scope domain.NotificationScope, gen Generation, count int64, ttl time.Duration) error {
	key := UnreadKey(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return nil
	}
	c.entries[key] = memoryEntry{count: count, gen: gen, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryUnreadCache) Invalidate(_ context.Context, scope domain.NotificationScope) error {
	key := UnreadKey(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[key]++
	delete(c.entries, key)
	return nil
}
