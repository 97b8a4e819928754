package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process tier with LRU eviction by byte size.
// Entries are treated as immutable; Get hands out shallow copies that share
// the audio bytes.
type MemoryStore struct {
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats Stats
}

type memoryItem struct {
	key   string
	entry Entry
	size  int64
	hits  int64
}

// NewMemoryStore creates a memory tier holding at most capacity bytes.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		stats: Stats{
			Tier:     TierMemory,
			Capacity: capacity,
		},
	}
}

// Tier implements Store.
func (c *MemoryStore) Tier() Tier { return TierMemory }

// Get implements Store.
func (c *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, ErrCacheMiss
	}

	// Move to front (most recently used)
	c.eviction.MoveToFront(elem)
	item := elem.Value.(*memoryItem)
	item.hits++

	c.stats.Hits++
	c.stats.LastAccess = time.Now()
	e := item.entry
	return &e, nil
}

// Put implements Store. Putting an existing key overwrites it.
func (c *MemoryStore) Put(_ context.Context, key string, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := e.Size()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		item := elem.Value.(*memoryItem)
		c.size += size - item.size
		item.entry = *e
		item.size = size
		for c.size > c.capacity && c.eviction.Len() > 1 {
			c.evictOldest()
		}
		return nil
	}

	if size > c.capacity {
		return ErrItemTooLarge
	}

	for c.size+size > c.capacity && c.eviction.Len() > 0 {
		c.evictOldest()
	}

	elem := c.eviction.PushFront(&memoryItem{key: key, entry: *e, size: size})
	c.items[key] = elem
	c.size += size
	return nil
}

// Touch implements Store.
func (c *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return ErrCacheMiss
	}
	elem.Value.(*memoryItem).entry.LastAccessedAt = at
	return nil
}

// Delete implements Store.
func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Clear implements Store.
func (c *MemoryStore) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
	return nil
}

// Stats implements Store.
func (c *MemoryStore) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.ItemCount = int64(len(c.items))
	stats.updateHitRate()
	return stats
}

// Close implements Store.
func (c *MemoryStore) Close() error { return nil }

// Keys returns keys from most to least recently used.
func (c *MemoryStore) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*memoryItem).key)
	}
	return keys
}

// Resize changes the capacity, evicting as needed.
func (c *MemoryStore) Resize(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	c.stats.Capacity = capacity
	for c.size > c.capacity && c.eviction.Len() > 0 {
		c.evictOldest()
	}
}

// Prune implements Pruner.
func (c *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.LastAccessedAt.Before(cutoff) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed, nil
}

func (c *MemoryStore) evictOldest() {
	if elem := c.eviction.Back(); elem != nil {
		c.removeElement(elem)
		c.stats.Evictions++
		c.stats.LastEvict = time.Now()
	}
}

func (c *MemoryStore) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	item := elem.Value.(*memoryItem)
	delete(c.items, item.key)
	c.size -= item.size
}
