package translate

import (
	"sync"
	"time"
)

const (
	loopSlots     = 16
	loopWindow    = 100 * time.Millisecond
	loopThreshold = 50
	loopKeyLen    = 200
)

type loopSlot struct {
	hash  uint64
	start time.Time
	count int
}

// LoopDetector notices a statement being retranslated in a tight loop, which
// happens when the server reacts to a translated statement's error by
// immediately re-preparing it. Once tripped, the caller should stop
// translating that statement and let the real engine have it.
type LoopDetector struct {
	mu    sync.Mutex
	slots [loopSlots]loopSlot

	window    time.Duration
	threshold int
	now       func() time.Time
}

func NewLoopDetector() *LoopDetector {
	return &LoopDetector{
		window:    loopWindow,
		threshold: loopThreshold,
		now:       time.Now,
	}
}

// Observe records one translation of sql and reports whether the loop
// threshold was crossed inside the window. Crossing the threshold resets the
// slot so the caller gets a single trip per loop. Only the leading 200 bytes
// key the slot, so a retry loop that varies a trailing literal still counts
// against the same statement.
func (d *LoopDetector) Observe(sql string) bool {
	if len(sql) > loopKeyLen {
		sql = sql[:loopKeyLen]
	}
	h := Fingerprint(sql)
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := &d.slots[h%loopSlots]
	now := d.now()
	if slot.hash != h || now.Sub(slot.start) > d.window {
		slot.hash = h
		slot.start = now
		slot.count = 1
		return false
	}
	slot.count++
	if slot.count >= d.threshold {
		slot.count = 0
		slot.start = now
		return true
	}
	return false
}

// Reset clears all slots, for use after fork or pool teardown.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.slots {
		d.slots[i] = loopSlot{}
	}
}
