package sqlite3

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextRingCopies(t *testing.T) {
	r := newTextRing()
	src := []byte("hello")
	out := r.put(src)
	require.Equal(t, []byte("hello"), out)

	// The ring owns its copy; mutating the source must not show through.
	src[0] = 'X'
	require.Equal(t, []byte("hello"), out)
}

func TestTextRingWrapsAround(t *testing.T) {
	r := newTextRing()
	first := r.put([]byte("first"))
	for i := 0; i < textRingSlots-1; i++ {
		r.put([]byte("filler"))
	}
	// The next put lands back on slot 0 and overwrites the first view.
	r.put([]byte("wrapped"))
	require.Equal(t, []byte("wrapp"), first)
}

func TestTextRingOversized(t *testing.T) {
	r := newTextRing()
	big := bytes.Repeat([]byte{'x'}, textRingSlot+1)
	before := r.next.Load()
	out := r.put(big)
	require.Equal(t, big, out)
	// Oversized values bypass the ring entirely.
	require.Equal(t, before, r.next.Load())
}

func TestTextRingConcurrent(t *testing.T) {
	r := newTextRing()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				out := r.put([]byte("value"))
				_ = out[0]
			}
		}()
	}
	wg.Wait()
}

func TestValueArenaRecycles(t *testing.T) {
	a := newValueArena()
	first := a.take()
	first.typ = int(TypeInteger)
	first.num = 99
	require.True(t, IsShimValue(first))

	for i := 0; i < arenaSlots-1; i++ {
		a.take()
	}
	again := a.take()
	require.Same(t, first, again)
	// Recycled slots come back zeroed.
	require.Equal(t, 0, again.typ)
	require.Equal(t, int64(0), again.num)
}

func TestIsShimValueRejectsForeign(t *testing.T) {
	require.False(t, IsShimValue(nil))
	require.False(t, IsShimValue(&Value{}))
	require.True(t, IsShimValue(&Value{magic: valueMagic}))
}

func TestValueAccessors(t *testing.T) {
	v := &Value{magic: valueMagic, typ: int(TypeText), num: 3, fl: 3.5, text: []byte("abc")}
	require.Equal(t, int(TypeText), v.Type())
	require.Equal(t, 3, v.Int())
	require.Equal(t, int64(3), v.Int64())
	require.Equal(t, 3.5, v.Double())
	require.Equal(t, "abc", v.Text())
	require.Equal(t, 3, v.Bytes())
}
