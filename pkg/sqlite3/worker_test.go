package sqlite3

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerDelegatePrepares(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE w (x INTEGER)"))

	w := startPrepareWorker()
	defer w.stop()

	st, err := w.delegate(c, "SELECT x FROM w")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Finalize())
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := startPrepareWorker()
	w.stop()
	w.stop()

	c := openTemp(t)
	_, err := w.delegate(c, "SELECT 1")
	require.Error(t, err)
	require.Equal(t, MISUSE, ErrCode(err))
}
