package imgreq

import (
	"sync"

	"imgreq/internal/imagerequest"
)

// ramItem holds one reference on data while resident.
type ramItem struct {
	key  string
	ent  imageEntry
	data *imagerequest.ImageData
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is an LRU of decoded images bounded by maxBytes. Evicted entries
// spill to the disk cache.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

// Peek returns the entry without touching recency.
func (c *ramCache) Peek(key string) (imageEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return imageEntry{}, false
	}
	return it.ent, true
}

// Get marks key most recently used and returns its handle with a reference
// the caller must release.
func (c *ramCache) Get(key string) (*imagerequest.ImageData, imageEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, imageEntry{}, false
	}
	c.moveToFront(it)
	return it.data.Retain(), it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	it, ok := c.items[key]
	if ok {
		c.unlinkLocked(it)
	}
	c.mu.Unlock()
	if ok {
		it.data.Release()
	}
}

// Put stores data under key, replacing any previous handle. Entries larger
// than the whole cache go straight to disk and evict an older resident copy.
func (c *ramCache) Put(key string, ent imageEntry, data *imagerequest.ImageData, disk *diskCache, overflowLog *rateLimitedLogger) {
	sz := ent.size()
	if c.maxBytes > 0 && sz > c.maxBytes {
		c.Delete(key)
		if disk != nil {
			disk.PutAsync(key, ent)
		}
		return
	}

	data.Retain()
	var dropped []*imagerequest.ImageData

	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		// also balances the Retain above when data is already resident
		dropped = append(dropped, it.data)
		c.total += sz - it.size
		it.ent, it.data, it.size = ent, data, sz
		c.moveToFront(it)
	} else {
		for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
			dropped = append(dropped, c.evictToDiskLocked(disk)...)
			if c.total+sz > c.maxBytes && overflowLog != nil {
				overflowLog.Printf("RAM cache overflow, evicting")
			}
		}
		it := &ramItem{key: key, ent: ent, data: data, size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	c.mu.Unlock()

	// release hooks run outside the lock
	for _, d := range dropped {
		d.Release()
	}
}

// evictToDiskLocked moves the least recently used 10% to disk and returns the
// handles whose references the caller must drop.
func (c *ramCache) evictToDiskLocked(disk *diskCache) []*imagerequest.ImageData {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	out := make([]*imagerequest.ImageData, 0, n)
	for i := 0; i < n && c.tail != nil; i++ {
		it := c.tail
		if disk != nil {
			disk.PutAsync(it.key, it.ent)
		}
		c.unlinkLocked(it)
		out = append(out, it.data)
	}
	return out
}

// Close drops every reference held by the cache.
func (c *ramCache) Close() {
	c.mu.Lock()
	items := c.items
	c.items = map[string]*ramItem{}
	c.head, c.tail, c.total = nil, nil, 0
	c.mu.Unlock()
	for _, it := range items {
		it.data.Release()
	}
}

func (c *ramCache) unlinkLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
