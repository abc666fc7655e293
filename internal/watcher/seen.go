package watcher

import (
	"container/list"
	"time"
)

// SeenCache remembers emitted file identities for a fixed TTL and holds at
// most max entries. Entries expire in insertion order, so the oldest entry is
// always at the front of the list. It is not safe for concurrent use.
type SeenCache struct {
	ttl   time.Duration
	max   int
	order *list.List
	items map[string]*list.Element
	now   func() time.Time
}

type seenEntry struct {
	key     string
	expires time.Time
}

// NewSeenCache creates an empty cache.
func NewSeenCache(ttl time.Duration, max int) *SeenCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if max <= 0 {
		max = 100000
	}
	return &SeenCache{ttl: ttl, max: max, order: list.New(), items: make(map[string]*list.Element), now: time.Now}
}

// Contains reports whether key is held and not expired.
func (c *SeenCache) Contains(key string) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*seenEntry).expires)
}

// Add records key, refreshing its TTL if already present.
func (c *SeenCache) Add(key string) {
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
	}
	c.items[key] = c.order.PushBack(&seenEntry{key: key, expires: c.now().Add(c.ttl)})
	c.Prune()
}

// Prune drops expired entries and enforces the size cap.
func (c *SeenCache) Prune() int {
	now := c.now()
	n := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*seenEntry)
		if c.order.Len() <= c.max && now.Before(e.expires) {
			break
		}
		c.order.Remove(el)
		delete(c.items, e.key)
		n++
	}
	return n
}

// Len returns the number of entries held.
func (c *SeenCache) Len() int {
	return c.order.Len()
}
