package sqlite3

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStmt(t *testing.T) *Stmt {
	t.Helper()
	return newStmt(&Conn{}, "SELECT 1", nil, nil)
}

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := newStmtRegistry()
	st := testStmt(t)
	require.Equal(t, int32(1), st.refs.Load())

	require.True(t, r.register(st.handle, st))
	require.Equal(t, int32(2), st.refs.Load())
	require.Equal(t, 1, r.size())
	require.Same(t, st, r.lookup(st.handle))

	r.unregister(st.handle)
	require.Equal(t, int32(1), st.refs.Load())
	require.Equal(t, 0, r.size())
	require.Nil(t, r.lookup(st.handle))

	// Unknown handles are ignored without refcount damage.
	r.unregister(st.handle)
	require.Equal(t, int32(1), st.refs.Load())
}

func TestRegistryRefusesWhenFull(t *testing.T) {
	r := newStmtRegistry()
	stmts := make([]*Stmt, registryCapacity)
	for i := range stmts {
		stmts[i] = testStmt(t)
		require.True(t, r.register(stmts[i].handle, stmts[i]))
	}
	require.Equal(t, registryCapacity, r.size())

	extra := testStmt(t)
	require.False(t, r.register(extra.handle, extra))
	require.Equal(t, int32(1), extra.refs.Load())

	// Freeing one slot lets the insert through again.
	r.unregister(stmts[0].handle)
	require.True(t, r.register(extra.handle, extra))
	require.Equal(t, registryCapacity, r.size())
}

func TestRegistrySlotReuse(t *testing.T) {
	r := newStmtRegistry()
	a, b := testStmt(t), testStmt(t)
	require.True(t, r.register(a.handle, a))
	r.unregister(a.handle)
	require.True(t, r.register(b.handle, b))
	// The freed entry is reused; the pool does not grow.
	require.Equal(t, 1, r.used)
}

func TestRegistryReset(t *testing.T) {
	r := newStmtRegistry()
	st := testStmt(t)
	require.True(t, r.register(st.handle, st))
	r.reset()
	require.Equal(t, 0, r.size())
	require.Nil(t, r.lookup(st.handle))
	// reset drops entries without touching refcounts.
	require.Equal(t, int32(2), st.refs.Load())
}

func TestRegistryConcurrent(t *testing.T) {
	r := newStmtRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				st := newStmt(&Conn{}, "SELECT 1", nil, nil)
				if !r.register(st.handle, st) {
					continue
				}
				require.Same(t, st, r.lookup(st.handle))
				r.unregister(st.handle)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, r.size())
}

func TestStmtFromHandle(t *testing.T) {
	st := testStmt(t)

	prev := stateP.Load()
	s := &shimState{registry: newStmtRegistry(), pid: os.Getpid()}
	stateP.Store(s)
	t.Cleanup(func() { stateP.Store(prev) })

	require.Nil(t, StmtFromHandle(st.handle), "unregistered handle does not resolve")
	require.True(t, s.registry.register(st.handle, st))
	require.Same(t, st, StmtFromHandle(st.handle))

	s.registry.unregister(st.handle)
	require.Nil(t, StmtFromHandle(st.handle))

	// Handles inherited from a pre-fork parent never resolve.
	require.True(t, s.registry.register(st.handle, st))
	s.pid = os.Getpid() + 1
	require.Nil(t, StmtFromHandle(st.handle))
}

func TestStmtRefcountUnderflowIsIgnored(t *testing.T) {
	st := testStmt(t)
	st.unref()
	require.Equal(t, int32(0), st.refs.Load())
	// A second release logs and leaves the object alone.
	st.unref()
	require.Equal(t, int32(-1), st.refs.Load())
}

func TestFinalizeTwice(t *testing.T) {
	st := testStmt(t)
	require.NoError(t, st.Finalize())
	err := st.Finalize()
	require.Error(t, err)
	require.Equal(t, MISUSE, ErrCode(err))
}
