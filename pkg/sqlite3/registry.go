package sqlite3

import (
	"sync"

	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

const (
	registryCapacity = 4096
	registryBuckets  = 1024 // power of two
)

type registryEntry struct {
	handle uint64
	stmt   *Stmt
	next   int // bucket chain, -1 terminates
}

// stmtRegistry answers "which shadow statement is this handle?" for every
// intercepted entry point. Entries live in a fixed pool chained into a
// power-of-two bucket table; freed entries are reused before the pool grows
// toward capacity. One RWMutex covers the whole structure — lookups are a
// read lock and a short chain walk, and they never touch the statement's own
// mutex, so they cannot block behind a stepping statement.
type stmtRegistry struct {
	mu      sync.RWMutex
	entries [registryCapacity]registryEntry
	buckets [registryBuckets]int
	free    []int
	used    int
}

func newStmtRegistry() *stmtRegistry {
	r := &stmtRegistry{}
	for i := range r.buckets {
		r.buckets[i] = -1
	}
	return r
}

func bucketFor(handle uint64) int {
	// Fibonacci hash spreads sequential handles across buckets.
	return int((handle * 0x9E3779B97F4A7C15) >> 54 & (registryBuckets - 1))
}

// register maps handle to stmt, taking one reference. A full pool refuses
// the insert; the caller must run that statement as pass-through.
func (r *stmtRegistry) register(handle uint64, stmt *Stmt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx int
	switch {
	case len(r.free) > 0:
		idx = r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
	case r.used < registryCapacity:
		idx = r.used
		r.used++
	default:
		logger.Error("statement registry full (%d entries), refusing registration", registryCapacity)
		return false
	}

	b := bucketFor(handle)
	r.entries[idx] = registryEntry{handle: handle, stmt: stmt, next: r.buckets[b]}
	r.buckets[b] = idx
	stmt.ref()
	return true
}

// lookup returns the statement registered under handle, or nil.
func (r *stmtRegistry) lookup(handle uint64) *Stmt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for idx := r.buckets[bucketFor(handle)]; idx >= 0; idx = r.entries[idx].next {
		if r.entries[idx].handle == handle {
			return r.entries[idx].stmt
		}
	}
	return nil
}

// unregister removes handle's entry and drops the registry's reference.
// Unknown handles are ignored; finalize after a refused registration lands
// here.
func (r *stmtRegistry) unregister(handle uint64) {
	r.mu.Lock()
	var stmt *Stmt
	b := bucketFor(handle)
	prev := -1
	for idx := r.buckets[b]; idx >= 0; idx = r.entries[idx].next {
		e := &r.entries[idx]
		if e.handle != handle {
			prev = idx
			continue
		}
		if prev < 0 {
			r.buckets[b] = e.next
		} else {
			r.entries[prev].next = e.next
		}
		stmt = e.stmt
		*e = registryEntry{next: -1}
		r.free = append(r.free, idx)
		break
	}
	r.mu.Unlock()
	if stmt != nil {
		stmt.unref()
	}
}

// size reports how many statements are registered.
func (r *stmtRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.used - len(r.free)
}

// reset drops every entry without touching statement refcounts; only the
// post-fork child uses it, where the parent's statements are unreachable
// anyway.
func (r *stmtRegistry) reset() {
	r.mu.Lock()
	for i := range r.buckets {
		r.buckets[i] = -1
	}
	for i := range r.entries[:r.used] {
		r.entries[i] = registryEntry{next: -1}
	}
	r.free = r.free[:0]
	r.used = 0
	r.mu.Unlock()
}
