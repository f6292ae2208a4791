// Package wfmcache holds rendered waveforms keyed by the identity of the
// segment that produced them.
//
// A Cache is an explicit object; whoever composes segments owns one and hands
// it to each segment it builds.  An entry records the sample rate and the
// padding it was rendered with, so that a request that differs only in padding
// can be served by resizing the stored samples instead of rendering again.
package wfmcache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of entries held when a non-positive size is given
const DefaultSize = 1000

// Render is a rendered waveform along with how it was made
type Render struct {
	// SampleRate is the rate in Hz the waveform was rendered at
	SampleRate float64

	// Waveform holds the rendered samples.  It is shared by every reader
	// and must not be written to.
	Waveform []float64

	// PreDelay and PostDelay are the padding in ns baked into Waveform
	PreDelay, PostDelay float64
}

// Entry is one cached render.  Store and Load may be called concurrently.
type Entry struct {
	mu      sync.Mutex
	r       Render
	valid   bool
	renders *atomic.Uint64
}

// Store places a render in the entry, replacing any previous one
func (e *Entry) Store(r Render) {
	e.mu.Lock()
	e.r = r
	e.valid = true
	e.mu.Unlock()
	if e.renders != nil {
		e.renders.Add(1)
	}
}

// Load returns the render held by the entry and whether there is one
func (e *Entry) Load() (Render, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r, e.valid
}

// Valid is true if the entry holds a render
func (e *Entry) Valid() bool {
	_, ok := e.Load()
	return ok
}

// Stats summarizes how the cache has been used since it was last rebuilt
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Renders uint64 `json:"renders"`
}

// Cache is a bounded LRU store of Entries, safe for concurrent use
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache[uuid.UUID, *Entry]
	maxSize int

	hits, misses, renders atomic.Uint64
}

// New returns a cache holding at most maxSize entries
func New(maxSize int) *Cache {
	c := &Cache{}
	c.rebuild(maxSize)
	return c
}

func (c *Cache) rebuild(maxSize int) {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	l, err := lru.New[uuid.UUID, *Entry](maxSize)
	if err != nil {
		// only returned for a non-positive size, which is excluded above
		panic(err)
	}
	c.lru = l
	c.maxSize = maxSize
	c.hits.Store(0)
	c.misses.Store(0)
	c.renders.Store(0)
}

// Get returns the entry for id, inserting an empty one if none exists.
// Inserting beyond the capacity evicts the least recently used entry.
func (c *Cache) Get(id uuid.UUID) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(id); ok {
		return e
	}
	e := &Entry{renders: &c.renders}
	c.lru.Add(id, e)
	return e
}

// Fetch returns the entry for id along with its render, and true if the
// render was made at sampleRate.  A render at any other rate counts as a miss.
func (c *Cache) Fetch(id uuid.UUID, sampleRate float64) (*Entry, Render, bool) {
	e := c.Get(id)
	r, ok := e.Load()
	if ok && r.SampleRate == sampleRate {
		c.hits.Add(1)
		return e, r, true
	}
	c.misses.Add(1)
	return e, Render{}, false
}

// Invalidate drops the entry for id, if any
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

// SetMaxSize changes the capacity of the cache.  Any change in size empties
// the cache; setting the current size is a no-op.
func (c *Cache) SetMaxSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		n = DefaultSize
	}
	if n == c.maxSize {
		return
	}
	c.rebuild(n)
}

// Clear empties the cache without changing its capacity
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild(c.maxSize)
}

// Len is the number of entries in the cache
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// MaxSize is the capacity of the cache
func (c *Cache) MaxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Stats returns the hit, miss, and render counts
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Renders: c.renders.Load(),
	}
}
