package sqlite3

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTemp opens a fresh database under a temp dir. The file name does not
// match any intercept suffix, so the connection runs pure pass-through and
// no backend is needed.
func openTemp(t *testing.T) *Conn {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	require.False(t, c.Redirected())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenClose(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	// Closing twice is fine.
	require.NoError(t, c.Close())

	_, err = c.Prepare("SELECT 1")
	require.Error(t, err)
	require.Equal(t, MISUSE, ErrCode(err))
}

func TestOpenReadOnlyMissingFile(t *testing.T) {
	_, err := OpenFlags(filepath.Join(t.TempDir(), "absent.db"), OpenReadOnly)
	require.Error(t, err)
	require.Equal(t, CANTOPEN, ErrCode(err))
}

func TestExecAndQueryPassthrough(t *testing.T) {
	c := openTemp(t)

	require.NoError(t, c.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT, rating REAL)"))
	require.NoError(t, c.Exec("INSERT INTO items (title, rating) VALUES ('first', 4.5); INSERT INTO items (title, rating) VALUES ('second', 2.0)"))

	st, err := c.Prepare("SELECT id, title, rating FROM items ORDER BY id")
	require.NoError(t, err)
	defer st.Finalize()

	row, err := st.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, 3, st.ColumnCount())
	require.Equal(t, "id", st.ColumnName(0))
	require.Equal(t, TypeInteger, st.ColumnType(0))
	require.Equal(t, int64(1), st.ColumnInt64(0))
	require.Equal(t, "first", st.ColumnString(1))
	require.Equal(t, TypeFloat, st.ColumnType(2))
	require.InDelta(t, 4.5, st.ColumnDouble(2), 1e-9)
	require.Equal(t, "TEXT", st.ColumnDeclType(1))

	row, err = st.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, "second", st.ColumnString(1))

	row, err = st.Step()
	require.NoError(t, err)
	require.False(t, row)

	// Reset rewinds to the first row.
	require.NoError(t, st.Reset())
	row, err = st.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, "first", st.ColumnString(1))
}

func TestBoundWritePassthrough(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE kv (k TEXT, v INTEGER)"))

	st, err := c.Prepare("INSERT INTO kv (k, v) VALUES (?, ?)")
	require.NoError(t, err)
	defer st.Finalize()
	require.Equal(t, 2, st.BindParameterCount())

	require.NoError(t, st.BindText(1, "alpha"))
	require.NoError(t, st.BindInt64(2, 42))
	row, err := st.Step()
	require.NoError(t, err)
	require.False(t, row)
	require.Equal(t, 1, c.Changes())
	require.Equal(t, int64(1), c.LastInsertRowID())

	// Rebinding after completion resets the statement implicitly.
	require.NoError(t, st.BindText(1, "beta"))
	require.NoError(t, st.BindNull(2))
	_, err = st.Step()
	require.NoError(t, err)
	require.Equal(t, int64(2), c.TotalChanges())

	sel, err := c.Prepare("SELECT v FROM kv WHERE k = ?")
	require.NoError(t, err)
	defer sel.Finalize()
	require.NoError(t, sel.BindText(1, "beta"))
	row, err = sel.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, TypeNull, sel.ColumnType(0))
}

func TestBlobRoundTripPassthrough(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE blobs (data BLOB)"))

	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'a'}
	st, err := c.Prepare("INSERT INTO blobs (data) VALUES (?)")
	require.NoError(t, err)
	require.NoError(t, st.BindBlob(1, payload))
	_, err = st.Step()
	require.NoError(t, err)
	require.NoError(t, st.Finalize())

	sel, err := c.Prepare("SELECT data FROM blobs")
	require.NoError(t, err)
	defer sel.Finalize()
	row, err := sel.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, TypeBlob, sel.ColumnType(0))
	require.Equal(t, payload, sel.ColumnBlob(0))
	require.Equal(t, len(payload), sel.ColumnBytes(0))
}

func TestInterrupt(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE t (x)"))

	st, err := c.Prepare("SELECT * FROM t")
	require.NoError(t, err)
	defer st.Finalize()

	c.Interrupt()
	_, err = st.Step()
	require.Error(t, err)
	require.Equal(t, INTERRUPT, ErrCode(err))

	// The flag is one-shot.
	_, err = st.Step()
	require.NoError(t, err)
}

func TestPrepare16(t *testing.T) {
	c := openTemp(t)

	sql := "SELECT 7"
	enc := make([]byte, 0, len(sql)*2+2)
	for _, r := range sql {
		enc = append(enc, byte(r), byte(r>>8))
	}
	enc = append(enc, 0, 0)

	st, err := c.Prepare16(enc)
	require.NoError(t, err)
	defer st.Finalize()
	require.Equal(t, sql, st.SQL())

	row, err := st.Step()
	require.NoError(t, err)
	require.True(t, row)
	require.Equal(t, 7, st.ColumnInt(0))
}

func TestErrMsgTracksLastError(t *testing.T) {
	c := openTemp(t)
	require.Equal(t, OK, c.ErrCode())
	require.Equal(t, "not an error", c.ErrMsg())

	_, err := c.Prepare("SELECT * FROM no_such_table")
	require.Error(t, err)
	require.NotEqual(t, OK, ErrCode(err))
}

func TestGetTablePassthrough(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE n (v INTEGER)"))
	require.NoError(t, c.Exec("INSERT INTO n VALUES (1), (2)"))

	rows, err := c.GetTable("SELECT v FROM n ORDER BY v")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"v"}, {"1"}, {"2"}}, rows)
}

func TestTableColumnMetadataPassthrough(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE m (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"))

	meta, err := c.TableColumnMetadata("m", "name")
	require.NoError(t, err)
	require.Equal(t, "TEXT", meta.DeclType)
	require.True(t, meta.NotNull)
	require.False(t, meta.PrimaryKey)

	meta, err = c.TableColumnMetadata("m", "id")
	require.NoError(t, err)
	require.True(t, meta.PrimaryKey)

	_, err = c.TableColumnMetadata("m", "absent")
	require.Error(t, err)
}

func TestICUCollationIgnored(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.CreateCollation("plex_icu_root", func(a, b string) int { return 0 }))
}

func TestAutocommit(t *testing.T) {
	c := openTemp(t)
	require.True(t, c.GetAutocommit())
	require.NoError(t, c.Exec("BEGIN"))
	require.False(t, c.GetAutocommit())
	require.NoError(t, c.Exec("COMMIT"))
	require.True(t, c.GetAutocommit())
}

func TestBusyTimeout(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.BusyTimeout(250))
	require.NoError(t, c.BusyTimeout(-1))
}

func TestLibversion(t *testing.T) {
	require.Equal(t, libVersion, Libversion())
	require.Equal(t, libVersionNumber, LibversionNumber())
}

func TestParseAlterAddColumn(t *testing.T) {
	cases := []struct {
		sql    string
		table  string
		column string
		ok     bool
	}{
		{"ALTER TABLE media_items ADD COLUMN extra_data TEXT", "media_items", "extra_data", true},
		{"alter table t add c integer", "t", "c", true},
		{`ALTER TABLE "quoted" ADD COLUMN "col" BLOB`, "quoted", "col", true},
		{"ALTER TABLE t RENAME TO u", "", "", false},
		{"CREATE TABLE t (x)", "", "", false},
		{"ALTER TABLE t ADD COLUMN", "", "", false},
	}
	for _, tc := range cases {
		table, column, ok := parseAlterAddColumn(tc.sql)
		require.Equal(t, tc.ok, ok, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
		require.Equal(t, tc.column, column, tc.sql)
	}
}

func TestRealHasColumn(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Exec("CREATE TABLE s (a INTEGER, b TEXT)"))
	require.True(t, c.realHasColumn("s", "a"))
	require.True(t, c.realHasColumn("s", "B"))
	require.False(t, c.realHasColumn("s", "c"))
	require.False(t, c.realHasColumn("missing", "a"))
}
