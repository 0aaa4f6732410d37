package sqlite3

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
)

// newShadowStmt builds a translated statement with no backend and no real
// companion, enough to exercise binding and introspection.
func newShadowStmt(t *testing.T, sql string) *Stmt {
	t.Helper()
	return newStmt(&Conn{}, sql, translate.Translate(sql), nil)
}

func TestBindParameterIntrospection(t *testing.T) {
	st := newShadowStmt(t, "SELECT * FROM accounts WHERE id = :account_id AND name = ?")
	require.Equal(t, 2, st.BindParameterCount())
	require.Equal(t, 1, st.BindParameterIndex(":account_id"))
	require.Equal(t, 1, st.BindParameterIndex("account_id"))
	require.Equal(t, 0, st.BindParameterIndex(":missing"))
	require.Equal(t, ":account_id", st.BindParameterName(1))
	require.Equal(t, "", st.BindParameterName(2))
	require.Equal(t, "", st.BindParameterName(99))
}

func TestBindWireEncodings(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1, $2, $3, $4, $5 WHERE 1 = $6")

	require.NoError(t, st.BindInt64(1, -42))
	require.NoError(t, st.BindDouble(2, 0.1))
	require.NoError(t, st.BindText(3, "plain"))
	require.NoError(t, st.BindBlob(4, []byte{0xde, 0xad}))
	require.NoError(t, st.BindNull(5))
	require.NoError(t, st.BindText(6, "bad\x00text"))

	vals := st.paramValuesLocked()
	require.Equal(t, "-42", string(vals[0]))
	// 17 significant digits round-trip any double.
	require.Equal(t, "0.10000000000000001", string(vals[1]))
	require.Equal(t, "plain", string(vals[2]))
	require.Equal(t, `\xdead`, string(vals[3]))
	require.Nil(t, vals[4])
	// Text with control bytes travels as a bytea hex literal.
	require.True(t, strings.HasPrefix(string(vals[5]), `\x`))
}

func TestBindText16(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1")
	// "hi" in UTF-16LE with a terminator.
	require.NoError(t, st.BindText16(1, []byte{'h', 0, 'i', 0, 0, 0}))
	require.Equal(t, "hi", string(st.paramValuesLocked()[0]))
}

func TestBindRangeChecks(t *testing.T) {
	st := newShadowStmt(t, "SELECT * FROM t WHERE a = ? AND b = ?")

	err := st.BindInt(0, 1)
	require.Error(t, err)
	require.Equal(t, RANGE, ErrCode(err))

	err = st.BindInt(3, 1)
	require.Error(t, err)
	require.Equal(t, RANGE, ErrCode(err))

	require.NoError(t, st.BindInt(2, 1))
}

func TestBindZeroBlob(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1")
	require.NoError(t, st.BindZeroBlob(1, 4))
	require.Equal(t, `\x00000000`, string(st.paramValuesLocked()[0]))
	require.NoError(t, st.BindZeroBlob(1, -1))
	require.Equal(t, `\x`, string(st.paramValuesLocked()[0]))
}

func TestBindValueDispatch(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1")

	require.NoError(t, st.BindValue(1, &Value{magic: valueMagic, typ: int(TypeInteger), num: 5}))
	require.Equal(t, "5", string(st.paramValuesLocked()[0]))

	require.NoError(t, st.BindValue(1, &Value{magic: valueMagic, typ: int(TypeText), text: []byte("v")}))
	require.Equal(t, "v", string(st.paramValuesLocked()[0]))

	require.NoError(t, st.BindValue(1, &Value{magic: valueMagic, typ: int(TypeBlob), blob: []byte{1}}))
	require.Equal(t, `\x01`, string(st.paramValuesLocked()[0]))

	require.NoError(t, st.BindValue(1, nil))
	require.Nil(t, st.paramValuesLocked()[0])
}

func TestClearBindings(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1, $2")
	require.NoError(t, st.BindInt(1, 1))
	require.NoError(t, st.BindInt(2, 2))
	require.NoError(t, st.ClearBindings())
	vals := st.paramValuesLocked()
	require.Nil(t, vals[0])
	require.Nil(t, vals[1])
}

func TestExpandedSQLUsesTranslatedText(t *testing.T) {
	st := newShadowStmt(t, "SELECT * FROM t WHERE id = ? LIMIT 1")
	require.NoError(t, st.BindInt(1, 9))
	expanded := st.ExpandedSQL()
	require.Contains(t, expanded, "'9'")
	require.NotContains(t, expanded, "$1")
}

func TestReadOnlyClassification(t *testing.T) {
	require.True(t, newShadowStmt(t, "SELECT 1").ReadOnly())
	require.False(t, newShadowStmt(t, "UPDATE t SET a = 1").ReadOnly())
	require.False(t, newShadowStmt(t, "INSERT INTO t VALUES (1)").ReadOnly())
}

func TestIsCleanText(t *testing.T) {
	require.True(t, isCleanText([]byte("hello world")))
	require.True(t, isCleanText([]byte("tabs\tand\nnewlines\r")))
	require.False(t, isCleanText([]byte{0x00}))
	require.False(t, isCleanText([]byte{0x1b, 'x'}))
	require.False(t, isCleanText([]byte{0xff, 0xfe}))
}

func TestHexByteaLiteral(t *testing.T) {
	require.Equal(t, `\x`, string(hexByteaLiteral(nil)))
	require.Equal(t, `\x00ff10`, string(hexByteaLiteral([]byte{0x00, 0xff, 0x10})))
}

func TestParseRowID(t *testing.T) {
	require.Equal(t, int64(123), parseRowID([]byte("123")))
	require.Equal(t, int64(0), parseRowID([]byte("abc")))
	require.Equal(t, int64(0), parseRowID(nil))
}

func TestMetadataClearedOnBind(t *testing.T) {
	st := newShadowStmt(t, "SELECT $1")
	st.metaFields = make([]pgconn.FieldDescription, 1)
	require.NoError(t, st.BindInt(1, 1))
	require.Nil(t, st.metaFields)
}
