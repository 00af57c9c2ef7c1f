package ir

import (
	"container/list"
	"sync"
)

// DefaultDecodeCacheSize is the default entry-count bound for a DecodeCache.
const DefaultDecodeCacheSize = 10000

// DecodeCache maps a guest PC to its decoded Block. Entries are immutable
// after insertion; eviction is plain LRU by entry count. A single mutex
// guards both the map and the recency list: readers and the lone writer
// serialize on the same lock, but the critical section is just a map
// lookup and list move.
type DecodeCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List // front = most recently used
}

type decodeCacheEntry struct {
	pc    uint64
	block *Block
}

// NewDecodeCache creates a cache bounded to capacity entries (DefaultDecodeCacheSize
// when capacity <= 0).
func NewDecodeCache(capacity int) *DecodeCache {
	if capacity <= 0 {
		capacity = DefaultDecodeCacheSize
	}
	return &DecodeCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		order:    list.New(),
	}
}

// Lookup returns the cached block for pc, if any, bumping its recency.
func (c *DecodeCache) Lookup(pc uint64) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[pc]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*decodeCacheEntry).block, true
}

// Insert adds block under pc, evicting the least-recently-used entry if the
// cache is at capacity. Re-inserting an existing pc simply refreshes it;
// callers should treat decode results as immutable once installed.
func (c *DecodeCache) Insert(pc uint64, block *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[pc]; ok {
		elem.Value.(*decodeCacheEntry).block = block
		c.order.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	elem := c.order.PushFront(&decodeCacheEntry{pc: pc, block: block})
	c.entries[pc] = elem
}

func (c *DecodeCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*decodeCacheEntry)
	delete(c.entries, entry.pc)
	c.order.Remove(back)
}

// FlushPage invalidates a single PC, used when the host learns the guest has
// overwritten its own code at that address.
func (c *DecodeCache) FlushPage(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[pc]
	if !ok {
		return
	}
	delete(c.entries, pc)
	c.order.Remove(elem)
}

// FlushRange invalidates every cached PC in [lo, hi).
func (c *DecodeCache) FlushRange(lo, hi uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pc, elem := range c.entries {
		if pc >= lo && pc < hi {
			delete(c.entries, pc)
			c.order.Remove(elem)
		}
	}
}

// FlushAll discards every cached entry.
func (c *DecodeCache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uint64]*list.Element, c.capacity)
	c.order.Init()
}

// Len reports the current entry count, mainly for tests and observability.
func (c *DecodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
