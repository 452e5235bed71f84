package turnstile

import (
	"container/list"
	"sync"
)

type (
	// snapshot is a cached fold of an aggregate. Snapshots are advisory;
	// the ledger remains authoritative and a stale snapshot is corrected by
	// the append path's version check
	snapshot struct {
		state   any
		version int64
	}

	snapshotCache struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.RWMutex
	}

	cacheEntry struct {
		value *snapshot
		key   string
		mu    sync.Mutex
	}
)

const DefaultCacheSize = 4096

func newSnapshotCache(maxSize int) *snapshotCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &snapshotCache{
		cache:   map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (c *snapshotCache) Get(key string) *cacheEntry {
	c.mu.RLock()
	elem, ok := c.cache[key]
	c.mu.RUnlock()

	if !ok {
		elem = c.createAndCacheEntry(key)
	}

	c.mu.Lock()
	c.lru.MoveToFront(elem)
	c.mu.Unlock()

	return elem.Value.(*cacheEntry)
}

func (c *snapshotCache) createAndCacheEntry(key string) *list.Element {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		return elem
	}

	entry := &cacheEntry{key: key}
	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}

	return elem
}

func (c *snapshotCache) evictLast() {
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
		backEntry := back.Value.(*cacheEntry)
		delete(c.cache, backEntry.key)
	}
}
