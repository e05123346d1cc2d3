// ABOUTME: Thread-safe TTL cache for tracking consumed challenge nonces
// ABOUTME: Rejects replayed authentication material within the challenge window

package replay

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a cached nonce.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently consumed nonces so a signature over an already-used
// challenge is rejected explicitly instead of falling through to a generic
// lookup miss. It is size-limited and TTL-based; once a nonce's TTL elapses
// the underlying challenge has expired anyway and the entry is dropped.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // nonces in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a replay cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen returns true if the nonce has been consumed and is not expired.
func (c *Cache) Seen(nonce string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[nonce]
	if !ok {
		return false
	}
	return time.Since(e.timestamp) < c.ttl
}

// MarkConsumed records that a nonce has been consumed. If the cache is at
// capacity, the oldest entry is evicted to make room.
func (c *Cache) MarkConsumed(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// If the nonce already exists, refresh and move to back
	if e, exists := c.seen[nonce]; exists {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(nonce)
	c.seen[nonce] = &entry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	nonce, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, nonce)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for nonce, e := range c.seen {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, nonce)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
