package realdb

import (
	"database/sql/driver"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", OpenOptions{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecAndQuery(t *testing.T) {
	db := openMemory(t)

	require.NoError(t, db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT, added_at DATETIME)"))
	res, err := db.ExecResult("INSERT INTO items (title) VALUES (?)", []driver.Value{"first"})
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Equal(t, int64(1), db.LastInsertRowID())
	require.Equal(t, int64(1), db.Changes())

	rows, err := db.Query("SELECT id, title, added_at FROM items", nil)
	require.NoError(t, err)
	defer rows.Close()
	require.Equal(t, []string{"id", "title", "added_at"}, rows.Columns())
	require.Equal(t, []string{"INTEGER", "TEXT", "DATETIME"}, rows.DeclTypes())

	dest := make([]driver.Value, 3)
	require.NoError(t, rows.Next(dest))
	require.Equal(t, int64(1), dest[0])
	require.Equal(t, "first", dest[1])
	require.Equal(t, io.EOF, rows.Next(dest))
}

func TestPreparedStatement(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, db.Exec("CREATE TABLE kv (k TEXT, v TEXT)"))

	ins, err := db.Prepare("INSERT INTO kv (k, v) VALUES (?, ?)")
	require.NoError(t, err)
	defer ins.Close()
	require.Equal(t, 2, ins.NumInput())

	for _, pair := range [][2]string{{"a", "1"}, {"b", "2"}} {
		_, err := ins.Exec([]driver.Value{pair[0], pair[1]})
		require.NoError(t, err)
	}

	sel, err := db.Prepare("SELECT v FROM kv WHERE k = ?")
	require.NoError(t, err)
	defer sel.Close()

	rows, err := sel.Query([]driver.Value{"b"})
	require.NoError(t, err)
	dest := make([]driver.Value, 1)
	require.NoError(t, rows.Next(dest))
	require.Equal(t, "2", dest[0])
	require.NoError(t, rows.Close())

	// The statement is reusable after the cursor closes.
	rows, err = sel.Query([]driver.Value{"a"})
	require.NoError(t, err)
	require.NoError(t, rows.Next(dest))
	require.Equal(t, "1", dest[0])
	require.NoError(t, rows.Close())
}

func TestAutoCommitTracksTransactions(t *testing.T) {
	db := openMemory(t)
	require.True(t, db.AutoCommit())
	require.NoError(t, db.Exec("BEGIN"))
	require.False(t, db.AutoCommit())
	require.NoError(t, db.Exec("COMMIT"))
	require.True(t, db.AutoCommit())
}

func TestBuildDSN(t *testing.T) {
	require.Equal(t, ":memory:", buildDSN(":memory:", OpenOptions{}))
	require.Equal(t, "file:/tmp/x.db?mode=ro", buildDSN("/tmp/x.db", OpenOptions{ReadOnly: true}))
	require.Equal(t, "file:/tmp/x.db?mode=rwc", buildDSN("/tmp/x.db", OpenOptions{Create: true}))
	require.Equal(t, "file:/tmp/x.db?cache=shared&mode=rw", buildDSN("file:/tmp/x.db?cache=shared", OpenOptions{}))
}
