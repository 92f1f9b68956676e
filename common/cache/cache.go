package cache

import (
	"context"
	"sync"
	"time"

	"github.com/miniflow/engine/common/logger"
)

// Cache interface for key-value storage with TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is a lock-guarded in-memory cache. The engine uses it to
// keep recently read run-archive files parsed in memory.
type MemoryCache struct {
	entries map[string]*entry
	mu      sync.RWMutex
	log     *logger.Logger
	done    chan struct{}
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache with a background sweeper.
func NewMemoryCache(log *logger.Logger) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*entry),
		log:     log,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the value for key if present and unexpired.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key for ttl.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Close stops the sweeper and drops all entries.
func (c *MemoryCache) Close() error {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	return nil
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
