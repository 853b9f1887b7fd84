package cache

import (
	"context"
	"sync"
	"time"

	"ordersync/backend/internal/domain"
)

// MemoryReplayCache is a process-local ReplayCache for single-node runs and tests.
type MemoryReplayCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     domain.CachedResponse
	expiresAt time.Time
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryReplayCache) Get(_ context.Context, key string) (*domain.CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	value := entry.value
	value.Body = append([]byte(nil), entry.value.Body...)
	return &value, true, nil
}

func (c *MemoryReplayCache) Set(_ context.Context, key string, value *domain.CachedResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	entry := memoryEntry{value: *value}
	entry.value.Body = append([]byte(nil), value.Body...)
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryReplayCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
