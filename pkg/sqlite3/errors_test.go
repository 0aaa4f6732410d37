package sqlite3

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrCode(t *testing.T) {
	err := errCode(BUSY, "database is locked after %d tries", 3)
	require.Equal(t, BUSY, ErrCode(err))
	require.Contains(t, err.Error(), "after 3 tries")

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, BUSY, ErrCode(wrapped))

	require.Equal(t, ERROR, ErrCode(errors.New("plain")))
	require.Equal(t, OK, ErrCode(nil))
}

func TestSentinelCodes(t *testing.T) {
	require.Equal(t, MISUSE, ErrCode(errNotReady))
	require.Equal(t, MISUSE, ErrCode(errStmtFinalized))
}
