// Package cache implements the flusher's metadata sector cache: a
// reference-counted map from metadata-region sector offset to its buffer,
// shared by concurrent flush workers that happen to touch the same sector.
// It is only consulted when the engine is not configured to hold the whole
// metadata region in memory.
package cache

import "sync"

// Handle is a scoped reference to a cached sector buffer. Callers must call
// Release exactly once when done, mirroring the reference-counted buffer
// handles the design notes call for.
type Handle struct {
	c      *SectorCache
	offset uint64
}

// Buf returns the sector's bytes. The slice is shared by every outstanding
// Handle for this sector; callers must not retain it past Release.
func (h Handle) Buf() []byte {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.entries[h.offset].buf
}

// Release drops this handle's reference. The entry is evicted once the last
// handle is released.
func (h Handle) Release() {
	h.c.release(h.offset)
}

type entry struct {
	buf  []byte
	refs int
}

// SectorCache maps metadata sector offset -> shared buffer, ref-counted
// across whichever flush workers are currently touching it.
type SectorCache struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

// New returns an empty SectorCache.
func New() *SectorCache {
	return &SectorCache{entries: make(map[uint64]*entry)}
}

// Acquire returns a Handle for the sector at offset, loading it via load if
// it is not already cached. load is called with the cache's lock released,
// so other sectors remain accessible concurrently; if two callers race to
// load the same offset, the second one's result is discarded in favor of
// the first (load is assumed idempotent, re-reading the same disk bytes).
func (c *SectorCache) Acquire(offset uint64, load func() ([]byte, error)) (Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[offset]; ok {
		e.refs++
		c.mu.Unlock()
		return Handle{c: c, offset: offset}, nil
	}
	c.mu.Unlock()

	buf, err := load()
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[offset]; ok {
		// Someone else loaded it first; keep their buffer, drop ours.
		e.refs++
		return Handle{c: c, offset: offset}, nil
	}
	c.entries[offset] = &entry{buf: buf, refs: 1}
	return Handle{c: c, offset: offset}, nil
}

func (c *SectorCache) release(offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[offset]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(c.entries, offset)
	}
}

// Len reports the number of sectors currently cached, for tests and metrics.
func (c *SectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
