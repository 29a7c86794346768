// Package mitm — s3fifo_cache.go
//
// s3fifoCache wraps a PersistentCache (bbolt) with an in-memory S3-FIFO
// eviction layer, bounding both the hot in-memory footprint and the on-disk
// leaf-cert cache size. Per §9 of the design notes the cache is allowed to
// be bounded without changing observable behavior.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue.
//     All new keys are inserted here.
//   - M (main, ~90% of capacity): protected queue.
//     Keys promoted from S after at least one access (freq > 0) land here.
//   - G (ghost): a circular-buffer set of keys recently evicted from S,
//     bounded to 2× sTarget. A key found in G on insert bypasses S and goes
//     directly to M.
//
// Per-object state: saturating frequency counter (uint8, max 3).
// Incremented on every Get hit; reset to 0 on M promotion.
//
// # Eviction
//
//	S → evict oldest head:
//	  freq > 0 → promote to M tail (reset freq); if M now over target, evict M head.
//	  freq == 0 → remove from memory, add key to G, delete from backing store.
//
//	M → evict oldest head:
//	  Remove from memory, delete from backing store.
//	  M evictions do NOT add to G.
//
// Items evicted from either queue are deleted from the bbolt backing store so
// on-disk size is bounded. On restart the in-memory layer is cold; reads fall
// back to bbolt and re-warm the hot set organically.
//
// # Sizing
//
//	sTarget   = max(1, capacity/10)
//	mTarget   = capacity − sTarget
//	ghostCap  = 2 × sTarget   (min 4)
package mitm

import (
	"container/list"
	"log"
	"sync"
)

// s3fifoEntry holds the in-memory state for a single cached leaf cert.
type s3fifoEntry struct {
	value LeafPaths
	freq  uint8         // saturating counter in [0, 3]
	elem  *list.Element // back-pointer into sQueue or mQueue
	inM   bool          // true → lives in mQueue, false → sQueue
}

// s3fifoCache wraps a PersistentCache with an S3-FIFO in-memory eviction layer.
type s3fifoCache struct {
	mu sync.Mutex

	capacity int // S + M max items
	sTarget  int // desired S queue size (~10%)
	ghostCap int // maximum ghost set cardinality

	entries map[string]*s3fifoEntry

	sQueue *list.List
	mQueue *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing PersistentCache
}

// newS3FIFOCache returns a PersistentCache that applies S3-FIFO eviction in
// front of the given backing store. capacity is the maximum number of hosts
// kept in memory (and on disk); values < 2 are clamped to 2.
func newS3FIFOCache(backing PersistentCache, capacity int) PersistentCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	log.Printf("[MITM] S3-FIFO cert cache capacity=%d sTarget=%d ghostCap=%d", capacity, sTarget, ghostCap)
	return &s3fifoCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

// Get returns the paths for host.
func (c *s3fifoCache) Get(host string) (LeafPaths, bool) {
	c.mu.Lock()
	if e, ok := c.entries[host]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	paths, ok := c.backing.Get(host)
	if !ok {
		return LeafPaths{}, false
	}
	c.insertLocked(host, paths)
	return paths, true
}

// Set stores host → paths in memory and in the backing store.
func (c *s3fifoCache) Set(host string, paths LeafPaths) {
	c.insertLocked(host, paths)
	c.backing.Set(host, paths)
}

// Delete removes host from memory and from the backing store.
func (c *s3fifoCache) Delete(host string) {
	c.mu.Lock()
	c.removeFromMemory(host)
	c.mu.Unlock()
	c.backing.Delete(host)
}

// Close closes the backing store. In-memory state is discarded.
func (c *s3fifoCache) Close() error {
	return c.backing.Close()
}

func (c *s3fifoCache) insertLocked(key string, value LeafPaths) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// evictOne must be called with c.mu held.
func (c *s3fifoCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

// evictFromS must be called with c.mu held.
func (c *s3fifoCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
		go c.backing.Delete(key) // async: avoid blocking the hot path
	}
}

// evictFromM must be called with c.mu held.
func (c *s3fifoCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
	go c.backing.Delete(key) // async: avoid blocking the hot path
}

// removeFromMemory must be called with c.mu held.
func (c *s3fifoCache) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

// ghostContains must be called with c.mu held.
func (c *s3fifoCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd must be called with c.mu held.
func (c *s3fifoCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}

	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}

	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
