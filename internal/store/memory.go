package store

import (
	"context"
	"sync"
)

// memoryClient keeps the hashes in process memory. Used in tests and when no
// REDIS_URL is configured.
type memoryClient struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

// NewMemory creates a store backed by process memory.
func NewMemory() Store {
	return &dataStore{client: &memoryClient{hashes: make(map[string]map[string]string)}}
}

func (c *memoryClient) hGet(_ context.Context, key, field string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.hashes[key][field]
	return raw, ok, nil
}

func (c *memoryClient) hSet(_ context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		c.hashes[key] = h
	}
	for field, raw := range fields {
		h[field] = raw
	}
	return nil
}

func (c *memoryClient) hGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.hashes[key]))
	for field, raw := range c.hashes[key] {
		out[field] = raw
	}
	return out, nil
}

func (c *memoryClient) close() error {
	return nil
}
