package pgclient

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
)

func TestIsFatal(t *testing.T) {
	require.False(t, IsFatal(nil))
	require.False(t, IsFatal(errors.New("syntax error")))
	require.False(t, IsFatal(&pgconn.PgError{Severity: "ERROR", Code: "42601"}))

	require.True(t, IsFatal(&pgconn.PgError{Severity: "FATAL", Code: "57P01"}))
	require.True(t, IsFatal(&pgconn.PgError{Severity: "ERROR", Code: "08006"}))
	require.True(t, IsFatal(&pgconn.PgError{Severity: "ERROR", Code: "57P03"}))
	require.True(t, IsFatal(&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}))
	require.True(t, IsFatal(errors.New("conn closed")))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, IsUniqueViolation(errors.New("x")))
}

func TestIsUndefined(t *testing.T) {
	require.True(t, IsUndefined(&pgconn.PgError{Code: "42P01"}))
	require.True(t, IsUndefined(&pgconn.PgError{Code: "42703"}))
	require.False(t, IsUndefined(&pgconn.PgError{Code: "42601"}))
}

func TestPgMessage(t *testing.T) {
	require.Equal(t, "", PgMessage(nil))
	require.Equal(t, "relation does not exist", PgMessage(&pgconn.PgError{Message: "relation does not exist"}))
	require.Equal(t, "dial failed", PgMessage(errors.New("dial failed")))
}

func TestResultHelpers(t *testing.T) {
	r := &Result{
		Rows: [][][]byte{
			{[]byte("42"), []byte("title")},
		},
	}
	v, ok := r.FirstValue()
	require.True(t, ok)
	require.Equal(t, []byte("42"), v)
	require.Equal(t, 7, r.Size())

	empty := &Result{}
	_, ok = empty.FirstValue()
	require.False(t, ok)

	nullFirst := &Result{Rows: [][][]byte{{nil}}}
	_, ok = nullFirst.FirstValue()
	require.False(t, ok)
}

// requirePG returns a connected client or skips when no server is reachable.
// Set PLEX_PG_TEST=1 (and the usual PLEX_PG_* variables) to run these.
func requirePG(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("PLEX_PG_TEST") == "" {
		t.Skip("PLEX_PG_TEST not set; skipping live PostgreSQL tests")
	}
	cfg := config.Defaults()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Connect(ctx, &cfg.Postgres, 8)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestLivePrepareAndExec(t *testing.T) {
	c := requirePG(t)
	ctx := context.Background()

	sd, err := c.PrepareCached(ctx, "ps_test_1", "SELECT $1::bigint")
	require.NoError(t, err)
	require.Len(t, sd.Fields, 1)
	require.True(t, c.HasStatement("ps_test_1"))

	res, err := c.ExecPrepared(ctx, "ps_test_1", [][]byte{[]byte("7")})
	require.NoError(t, err)
	v, ok := res.FirstValue()
	require.True(t, ok)
	require.Equal(t, []byte("7"), v)

	// Second prepare with the same name hits the cache.
	_, err = c.PrepareCached(ctx, "ps_test_1", "SELECT $1::bigint")
	require.NoError(t, err)
	require.Equal(t, 1, c.StatementCount())
}

func TestLiveStatementEviction(t *testing.T) {
	c := requirePG(t)
	ctx := context.Background()

	// Capacity in requirePG is 8; prepare more and verify old names fall out
	// without breaking the connection.
	for i := 0; i < 12; i++ {
		name := "ps_evict_" + string(rune('a'+i))
		_, err := c.PrepareCached(ctx, name, "SELECT 1")
		require.NoError(t, err)
	}
	require.LessOrEqual(t, c.StatementCount(), 8)
	require.NoError(t, c.Ping(ctx))
}
