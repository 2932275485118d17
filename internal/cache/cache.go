package cache

import (
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
)

// Item is a parsed database kept in memory.
type Item struct {
	Reader    *maxminddb.Reader
	FetchedAt time.Time
}

type entry struct {
	item      *Item
	expiresAt time.Time
}

// Cache keeps parsed databases per variant until their source bytes expire.
type Cache struct {
	mu     sync.RWMutex
	items  map[model.Variant]*entry
	ttl    time.Duration
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// New creates a cache whose items live ttl past their FetchedAt.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		items:  make(map[model.Variant]*entry),
		ttl:    ttl,
		now:    now,
		stopCh: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache) Get(variant model.Variant) (*Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[variant]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.item, true
}

func (c *Cache) Set(variant model.Variant, item *Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[variant] = &entry{
		item:      item,
		expiresAt: item.FetchedAt.Add(c.ttl),
	}
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

// Evict drops expired items and returns how many were removed.
// Readers are not closed: a lookup may still hold one.
func (c *Cache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Evict()
		case <-c.stopCh:
			return
		}
	}
}
