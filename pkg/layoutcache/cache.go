// Package layoutcache implements the bounded, concurrency-safe store mapping
// layout identities to their mirror state and attribute snapshots.
//
// Locking discipline: a global RWMutex guards only the entry map; each entry
// carries its own mutex for read-modify-write. Upserts on the same layout
// serialize; upserts on different layouts proceed independently. No lock is
// ever held across network I/O (the cache performs none).
package layoutcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/layoutwcc/internal/logger"
)

// ErrCacheExhausted is returned when the cache is at capacity and every entry
// is pinned by in-flight propagation. It is a backpressure signal: the caller
// should shed load and retry after outstanding cycles drain.
var ErrCacheExhausted = errors.New("layout cache exhausted: all entries pinned")

// Metrics receives cache instrumentation. Implementations must be safe for
// concurrent use. A nil Metrics disables instrumentation at zero cost.
type Metrics interface {
	SetEntries(n int)
	RecordEviction()
	RecordExhausted()
}

// cacheEntry wraps an Entry with its per-key lock and LRU bookkeeping.
type cacheEntry struct {
	mu         sync.Mutex
	data       *Entry
	lastAccess time.Time
	evicted    bool // set under mu when removed from the map
}

// Cache is the bounded layout store.
type Cache struct {
	capacity int
	metrics  Metrics

	globalMu sync.RWMutex
	entries  map[string]*cacheEntry
}

// New creates a cache holding at most capacity entries. Capacity must be
// positive.
func New(capacity int, metrics Metrics) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		metrics:  metrics,
		entries:  make(map[string]*cacheEntry),
	}
}

// Get returns a copy of the entry for layoutID, if cached. It refreshes the
// entry's recency.
func (c *Cache) Get(layoutID []byte) (Entry, bool) {
	c.globalMu.RLock()
	ce, ok := c.entries[string(layoutID)]
	c.globalMu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.evicted {
		return Entry{}, false
	}
	ce.lastAccess = time.Now()
	return ce.data.clone(), true
}

// Upsert atomically reads-modifies-writes the entry for layoutID, creating it
// first if absent. The mutator runs under the entry's lock and must not call
// back into the cache. The returned Entry is a copy of the post-mutation
// state.
//
// When insertion would exceed capacity, the least-recently-used non-pinned
// entry is evicted first; if every entry is pinned, Upsert fails with
// ErrCacheExhausted.
func (c *Cache) Upsert(layoutID []byte, mutator func(*Entry) error) (Entry, error) {
	key := string(layoutID)

	for {
		ce, err := c.lookupOrCreate(key, layoutID)
		if err != nil {
			return Entry{}, err
		}

		ce.mu.Lock()
		if ce.evicted {
			// Lost a race with eviction between map lookup and entry lock;
			// re-resolve through the map.
			ce.mu.Unlock()
			continue
		}
		ce.lastAccess = time.Now()
		if err := mutator(ce.data); err != nil {
			ce.mu.Unlock()
			return Entry{}, err
		}
		snapshot := ce.data.clone()
		ce.mu.Unlock()
		return snapshot, nil
	}
}

// EvictCandidates returns the layout ids of entries eligible for eviction
// (empty dirty set), least recently used first.
func (c *Cache) EvictCandidates() [][]byte {
	type candidate struct {
		layoutID   []byte
		lastAccess time.Time
	}

	c.globalMu.RLock()
	candidates := make([]candidate, 0, len(c.entries))
	for _, ce := range c.entries {
		ce.mu.Lock()
		if !ce.evicted && !ce.data.Pinned() {
			candidates = append(candidates, candidate{ce.data.LayoutID, ce.lastAccess})
		}
		ce.mu.Unlock()
	}
	c.globalMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	ids := make([][]byte, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.layoutID
	}
	return ids
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.globalMu.RLock()
	defer c.globalMu.RUnlock()
	return len(c.entries)
}

// Capacity returns the configured maximum entry count.
func (c *Cache) Capacity() int {
	return c.capacity
}

// lookupOrCreate finds the live entry for key, inserting a fresh one (with
// eviction if needed) when absent.
func (c *Cache) lookupOrCreate(key string, layoutID []byte) (*cacheEntry, error) {
	c.globalMu.RLock()
	ce, ok := c.entries[key]
	c.globalMu.RUnlock()
	if ok {
		return ce, nil
	}

	c.globalMu.Lock()
	defer c.globalMu.Unlock()

	// Re-check: another goroutine may have inserted while we upgraded.
	if ce, ok := c.entries[key]; ok {
		return ce, nil
	}

	if len(c.entries) >= c.capacity {
		if !c.evictLRULocked() {
			if c.metrics != nil {
				c.metrics.RecordExhausted()
			}
			return nil, ErrCacheExhausted
		}
	}

	ce = &cacheEntry{
		data:       newEntry(layoutID),
		lastAccess: time.Now(),
	}
	c.entries[key] = ce
	if c.metrics != nil {
		c.metrics.SetEntries(len(c.entries))
	}
	return ce, nil
}

// evictLRULocked removes the least-recently-used non-pinned entry. Caller
// must hold globalMu for writing. Returns false when every entry is pinned.
func (c *Cache) evictLRULocked() bool {
	var (
		victimKey string
		victim    *cacheEntry
		oldest    time.Time
	)

	for key, ce := range c.entries {
		ce.mu.Lock()
		pinned := ce.data.Pinned()
		access := ce.lastAccess
		ce.mu.Unlock()

		if pinned {
			continue
		}
		if victim == nil || access.Before(oldest) {
			victimKey, victim, oldest = key, ce, access
		}
	}

	if victim == nil {
		return false
	}

	victim.mu.Lock()
	victim.evicted = true
	victim.mu.Unlock()

	delete(c.entries, victimKey)
	logger.Debug("evicted layout cache entry",
		"layout_id", fmt.Sprintf("%x", victimKey),
		"entries", len(c.entries))
	if c.metrics != nil {
		c.metrics.RecordEviction()
		c.metrics.SetEntries(len(c.entries))
	}
	return true
}
