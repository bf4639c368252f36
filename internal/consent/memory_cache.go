package consent

import (
	"context"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/contact"
)

// MemoryCache is the per-process cache backend.
type MemoryCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
}

type entry struct {
	contacts []contact.Contact
	exp      time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 || ttl > 30*time.Second {
		ttl = DefaultTTL
	}

	return &MemoryCache{
		ttl: ttl,
		m:   make(map[string]entry),
	}
}

func (c *MemoryCache) Get(_ context.Context, userID string) ([]contact.Contact, bool) {
	now := time.Now()
	c.mu.RLock()
	e, ok := c.m[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if now.After(e.exp) {
		c.mu.Lock()
		delete(c.m, userID)
		c.mu.Unlock()
		return nil, false
	}

	return e.contacts, true
}

func (c *MemoryCache) Set(_ context.Context, userID string, contacts []contact.Contact) {
	c.mu.Lock()
	c.m[userID] = entry{contacts: contacts, exp: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.m, userID)
	c.mu.Unlock()
}
