// ABOUTME: Bounded TTL set of recently seen message IDs.
// ABOUTME: The bus consults it to drop redelivered messages exactly once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message IDs for a bounded window of time. It is safe for
// concurrent use. When the cache reaches capacity the oldest ID is evicted,
// so a sufficiently delayed duplicate can slip through; that is an accepted
// trade-off for bounded memory.
type Cache struct {
	mu     sync.Mutex
	ids    map[string]*entry
	order  *list.List // IDs in insertion order, oldest at front
	ttl    time.Duration
	max    int
	done   chan struct{}
	closed bool
}

// New creates a cache holding at most max IDs, each remembered for ttl.
// A background goroutine sweeps out expired entries until Close is called.
func New(ttl time.Duration, max int) *Cache {
	c := &Cache{
		ids:   make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		max:   max,
		done:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether id was recorded within the TTL window and
// records it if not. It returns true for a duplicate. The empty ID is never
// considered a duplicate and is not recorded.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[id]; ok && time.Since(e.seenAt) < c.ttl {
		// A re-seen id is fresh again: refresh its timestamp and move it
		// off the eviction front.
		c.record(id)
		return true
	}
	c.record(id)
	return false
}

// record inserts or refreshes id. Must be called with mu held.
func (c *Cache) record(id string) {
	now := time.Now()

	if e, ok := c.ids[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.ids) >= c.max {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.ids[id] = &entry{seenAt: now, element: elem}
}

// evictOldest removes the front of the insertion list. Must be called with
// mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

// Len reports the number of IDs currently tracked, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.ids {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.ids, id)
		}
	}
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
