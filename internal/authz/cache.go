package authz

import (
	"container/list"
	"sync"
	"time"

	"github.com/waqedi/identity/internal/auth"
)

type cacheEntry struct {
	userID     string
	principal  auth.Principal
	insertedAt time.Time
	element    *list.Element
}

// PrincipalCache is an LRU cache with TTL for resolved principals.
type PrincipalCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// NewPrincipalCache returns a cache holding at most maxSize principals for ttl.
func NewPrincipalCache(maxSize int, ttl time.Duration) *PrincipalCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PrincipalCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached principal unless it is missing or expired.
func (c *PrincipalCache) Get(userID string) (auth.Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || c.now().Sub(e.insertedAt) > c.ttl {
		c.misses++
		if ok {
			c.removeLocked(e)
		}
		return auth.Principal{}, false
	}
	c.lru.MoveToFront(e.element)
	c.hits++
	return e.principal, true
}

// Set stores p, evicting the least recently used entry when full.
func (c *PrincipalCache) Set(p auth.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[p.UserID]; ok {
		e.principal = p
		e.insertedAt = c.now()
		c.lru.MoveToFront(e.element)
		return
	}
	if c.lru.Len() >= c.maxSize {
		if back := c.lru.Back(); back != nil {
			c.removeLocked(back.Value.(*cacheEntry))
		}
	}
	e := &cacheEntry{userID: p.UserID, principal: p, insertedAt: c.now()}
	e.element = c.lru.PushFront(e)
	c.entries[p.UserID] = e
}

// Invalidate drops the entry for userID.
func (c *PrincipalCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		c.removeLocked(e)
	}
}

// Stats returns hit and miss counters.
func (c *PrincipalCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached entries.
func (c *PrincipalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *PrincipalCache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.element)
	delete(c.entries, e.userID)
}
