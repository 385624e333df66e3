// Package idempotency provides replay protection for simulate requests: a
// bounded LRU cache over the persisted key → run mapping, plus the
// replay/conflict decision logic.
package idempotency

import (
	"container/list"
	"encoding/json"
	"sync"
)

// DefaultMaxSize bounds the cache when no explicit size is configured.
const DefaultMaxSize = 1000

// Entry is one cached key → response mapping.
type Entry struct {
	Key         string
	RequestHash string
	RunID       string
	ResultJSON  json.RawMessage
}

// Cache is a bounded LRU keyed by idempotency key. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

// NewCache creates a cache holding at most maxSize entries. Non-positive
// sizes fall back to DefaultMaxSize.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		max:   maxSize,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns the entry for key and marks it most recently used.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*Entry), true
}

// Put inserts or refreshes an entry, evicting the least recently used entry
// when the cache is full.
func (c *Cache) Put(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[e.Key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.items[e.Key] = c.order.PushFront(e)
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*Entry).Key)
		}
	}
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
