package sqlite3

import "sync/atomic"

// valueMagic tags arena values so a callback receiving an opaque value can
// tell a shim value from a real engine one.
const valueMagic = 0x50475641

const arenaSlots = 256 // power of two

// Value is the opaque cell handle column_value returns. Arena slots are
// recycled by atomic index, so a Value must be consumed before the next
// column-value call on the same statement; stashing one past that point
// observes the next occupant's fields.
type Value struct {
	magic uint32
	typ   int
	num   int64
	fl    float64
	text  []byte
	blob  []byte
}

// valueArena is the bounded pool the shim allocates Values from.
type valueArena struct {
	next  atomic.Uint32
	slots [arenaSlots]Value
}

func newValueArena() *valueArena {
	return &valueArena{}
}

func (a *valueArena) take() *Value {
	idx := (a.next.Add(1) - 1) & (arenaSlots - 1)
	v := &a.slots[idx]
	*v = Value{magic: valueMagic}
	return v
}

// IsShimValue reports whether v came from this shim's arena.
func IsShimValue(v *Value) bool {
	return v != nil && v.magic == valueMagic
}

// Type returns the value's SQLite fundamental type code.
func (v *Value) Type() int { return v.typ }

// Int returns the value coerced to a 32-bit-truncated integer.
func (v *Value) Int() int { return int(v.num) }

// Int64 returns the value coerced to an integer.
func (v *Value) Int64() int64 { return v.num }

// Double returns the value coerced to a float.
func (v *Value) Double() float64 { return v.fl }

// Text returns the value's text form.
func (v *Value) Text() string { return string(v.text) }

// Blob returns the value's binary form.
func (v *Value) Blob() []byte { return v.blob }

// Bytes reports the length of the value's blob or text form.
func (v *Value) Bytes() int {
	if v.blob != nil {
		return len(v.blob)
	}
	return len(v.text)
}
