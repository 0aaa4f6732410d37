// Package resultcache holds recently produced query results for a very short
// window. The host re-runs identical statements in tight bursts while
// rendering a view; serving the repeat from memory skips a backend round trip
// that would return byte-identical rows anyway.
package resultcache

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
)

// nullMarker distinguishes a NULL bind from an empty string when mixing
// parameters into the key.
var nullMarker = [4]byte{0xDE, 0xAD, 0xBE, 0xEF}

type entry struct {
	key      uint64
	gen      uint64
	storedAt time.Time
	res      *pgclient.Result
}

// Cache is a fixed-slot, short-TTL result store. A single mutex guards it;
// entries returned by Get stay valid after eviction because the garbage
// collector keeps them alive for whoever still holds the pointer.
type Cache struct {
	mu    sync.Mutex
	slots []entry

	ttl      time.Duration
	maxRows  int
	maxBytes int

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

// New sizes the cache from configuration, falling back to the documented
// defaults for anything unset.
func New(cfg *config.CacheConfig) *Cache {
	slots := cfg.ResultSlots
	if slots <= 0 {
		slots = 64
	}
	ttl := cfg.ResultTTL.Duration
	if ttl <= 0 {
		ttl = time.Second
	}
	maxRows := cfg.ResultMaxRows
	if maxRows <= 0 {
		maxRows = 5
	}
	maxBytes := cfg.ResultMaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Cache{
		slots:    make([]entry, slots),
		ttl:      ttl,
		maxRows:  maxRows,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Key mixes a statement fingerprint with every bound parameter. Parameters
// are length-prefixed so adjacent values cannot alias, and NULL binds get a
// marker no real value produces.
func Key(fingerprint uint64, params [][]byte) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], fingerprint)
	h.Write(buf[:])
	for _, p := range params {
		if p == nil {
			h.Write(nullMarker[:])
			continue
		}
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(p)))
		h.Write(buf[:4])
		h.Write(p)
	}
	return h.Sum64()
}

// Get returns the cached result for (key, gen) if it is still inside the TTL.
// gen is the pool slot's client generation; results from a replaced
// connection never match.
func (c *Cache) Get(key, gen uint64) (*pgclient.Result, bool) {
	now := c.now()
	c.mu.Lock()
	for i := range c.slots {
		e := &c.slots[i]
		if e.res == nil || e.key != key || e.gen != gen {
			continue
		}
		if now.Sub(e.storedAt) > c.ttl {
			continue
		}
		res := e.res
		c.mu.Unlock()
		c.hits.Add(1)
		metrics.ResultCacheHitsTotal.Inc()
		return res, true
	}
	c.mu.Unlock()
	c.misses.Add(1)
	metrics.ResultCacheMissesTotal.Inc()
	return nil, false
}

// Put offers a result to the cache. Oversized results are ignored. The slot
// is chosen as: same key, else empty, else the oldest entry.
func (c *Cache) Put(key, gen uint64, res *pgclient.Result) {
	if res == nil || len(res.Rows) > c.maxRows || res.Size() > c.maxBytes {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	exact, empty, oldest := -1, -1, -1
	for i := range c.slots {
		e := &c.slots[i]
		if e.res == nil {
			if empty == -1 {
				empty = i
			}
			continue
		}
		if e.key == key && e.gen == gen {
			exact = i
			break
		}
		if oldest == -1 || e.storedAt.Before(c.slots[oldest].storedAt) {
			oldest = i
		}
	}
	victim := exact
	if victim == -1 {
		victim = empty
	}
	if victim == -1 {
		victim = oldest
	}
	if victim == -1 {
		return
	}
	c.slots[victim] = entry{key: key, gen: gen, storedAt: now, res: res}
}

// Flush empties the cache. Called after writes that would make cached reads
// lie, and in the post-fork child.
func (c *Cache) Flush() {
	c.mu.Lock()
	for i := range c.slots {
		c.slots[i] = entry{}
	}
	c.mu.Unlock()
}

// Stats is the diagnostics snapshot.
type Stats struct {
	Slots    int    `json:"slots"`
	Occupied int    `json:"occupied"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

func (c *Cache) Stats() Stats {
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	c.mu.Lock()
	st.Slots = len(c.slots)
	for i := range c.slots {
		if c.slots[i].res != nil {
			st.Occupied++
		}
	}
	c.mu.Unlock()
	return st
}
