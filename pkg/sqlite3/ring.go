package sqlite3

import "sync/atomic"

const (
	textRingSlots = 4096 // power of two, index arithmetic masks
	textRingSlot  = 16 * 1024
)

// textRing hands out short-lived buffers for column_text results. The C API
// contract says a text pointer is valid only until the next step or accessor
// call on the same statement; the ring leans on that contract instead of
// per-call allocation. Slot selection is a single atomic add, so any number
// of readers share the ring without locking. Capacity has to exceed the
// product of concurrent readers, rows per query and columns per row, or a
// slow consumer sees its string overwritten; 4096 covers the host's
// workloads with a wide margin.
type textRing struct {
	next  atomic.Uint32
	slots [textRingSlots][]byte
}

func newTextRing() *textRing {
	r := &textRing{}
	for i := range r.slots {
		r.slots[i] = make([]byte, 0, textRingSlot)
	}
	return r
}

// put copies v into the next slot and returns the stable view. Values longer
// than a slot get their own allocation; pinning a whole oversized cell into
// the ring would just evict thousands of neighbors.
func (r *textRing) put(v []byte) []byte {
	if len(v) > textRingSlot {
		out := make([]byte, len(v))
		copy(out, v)
		return out
	}
	// Unsigned wrap keeps the index non-negative past 2^32 allocations.
	idx := (r.next.Add(1) - 1) & (textRingSlots - 1)
	buf := r.slots[idx][:len(v)]
	copy(buf, v)
	return buf
}
