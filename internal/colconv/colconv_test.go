package colconv

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
)

func TestTypeForOID(t *testing.T) {
	cases := []struct {
		oid  uint32
		want Type
	}{
		{16, Integer},   // bool
		{20, Integer},   // int8
		{21, Integer},   // int2
		{23, Integer},   // int4
		{26, Integer},   // oid
		{700, Float},    // float4
		{701, Float},    // float8
		{1700, Float},   // numeric
		{17, Blob},      // bytea
		{25, Text},      // text
		{1042, Text},    // bpchar
		{1043, Text},    // varchar
		{1082, Text},    // date
		{1114, Text},    // timestamp
		{1184, Text},    // timestamptz
		{999999, Text},  // anything unknown
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TypeForOID(tc.oid), "oid %d", tc.oid)
	}
}

func TestValueTypeNull(t *testing.T) {
	assert.Equal(t, Null, ValueType(23, true))
	assert.Equal(t, Integer, ValueType(23, false))
}

func TestDeclaredForOIDAgreesWithType(t *testing.T) {
	assert.Equal(t, "INTEGER", DeclaredForOID(16))
	assert.Equal(t, "INTEGER", DeclaredForOID(20))
	assert.Equal(t, "REAL", DeclaredForOID(701))
	assert.Equal(t, "BLOB", DeclaredForOID(17))
	assert.Equal(t, "TEXT", DeclaredForOID(25))
	assert.Equal(t, "TEXT", DeclaredForOID(1114))
}

func TestParseInt(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"42", 42},
		{"-7", -7},
		{"t", 1},
		{"T", 1},
		{"f", 0},
		{"F", 0},
		{"3.7", 3},
		{"2024-01-15 10:30:00", 2024},
		{"", 0},
		{"abc", 0},
		{"9223372036854775807", math.MaxInt64},
		{"99999999999999999999", math.MaxInt64},
		{"-99999999999999999999", math.MinInt64},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseInt([]byte(tc.in)), "input %q", tc.in)
	}
	assert.Equal(t, int64(0), ParseInt(nil))
}

func TestParseFloat(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"3.5", 3.5},
		{"t", 1},
		{"f", 0},
		{"-0.25", -0.25},
		{"1e3junk", 1000},
		{"2024-01-15", 2024},
		{"abc", 0},
		{"", 0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, ParseFloat([]byte(tc.in)), 1e-9, "input %q", tc.in)
	}
}

func TestDecodeBytea(t *testing.T) {
	assert.Equal(t, []byte("Hi!"), DecodeBytea([]byte("\\x486921")))
	assert.Equal(t, []byte("Hi!"), DecodeBytea([]byte("\\x486921")), "stable across calls")
	assert.Equal(t, []byte{0xDE, 0xAD}, DecodeBytea([]byte("\\xDEAD")), "uppercase hex")

	// Not hex form: pass through untouched.
	assert.Equal(t, []byte("plain bytes"), DecodeBytea([]byte("plain bytes")))

	// Odd trailing nibble is dropped.
	assert.Equal(t, []byte{0x48}, DecodeBytea([]byte("\\x486")))

	assert.Nil(t, DecodeBytea([]byte("\\xZZZZ")), "invalid hex")
	assert.Empty(t, DecodeBytea([]byte("\\x")))
}

type stubQuerier struct {
	calls   int
	lastSQL string
	respond func(sql string) (*pgclient.Result, error)
}

func (s *stubQuerier) ExecParams(ctx context.Context, sql string, params [][]byte) (*pgclient.Result, error) {
	s.calls++
	s.lastSQL = sql
	return s.respond(sql)
}

func declRows(rows ...[3]string) *pgclient.Result {
	out := &pgclient.Result{}
	for _, r := range rows {
		out.Rows = append(out.Rows, [][]byte{[]byte(r[0]), []byte(r[1]), []byte(r[2])})
	}
	return out
}

func TestDeclCachePreloadAndLookup(t *testing.T) {
	q := &stubQuerier{respond: func(string) (*pgclient.Result, error) {
		return declRows(
			[3]string{"devices", "id", "dt_integer(8)"},
			[3]string{"accounts", "auto_select_subtitle", "boolean"},
		), nil
	}}
	d := NewDeclCache("plex")
	require.False(t, d.Loaded())

	d.Preload(context.Background(), q)
	require.True(t, d.Loaded())
	assert.Equal(t, 1, q.calls)
	assert.Contains(t, q.lastSQL, "plex.sqlite_column_types")

	got, ok := d.Lookup("devices_id")
	require.True(t, ok)
	assert.Equal(t, "dt_integer(8)", got)

	got, ok = d.Lookup("accounts_auto_select_subtitle")
	require.True(t, ok)
	assert.Equal(t, "boolean", got)

	_, ok = d.Lookup("nounderscore")
	assert.False(t, ok)
	_, ok = d.Lookup("_leading")
	assert.False(t, ok)
	_, ok = d.Lookup("trailing_")
	assert.False(t, ok)

	got, ok = d.LookupColumn("devices", "id")
	require.True(t, ok)
	assert.Equal(t, "dt_integer(8)", got)
	_, ok = d.LookupColumn("devices", "missing")
	assert.False(t, ok)

	// Preload is once-only.
	d.Preload(context.Background(), q)
	assert.Equal(t, 1, q.calls)
}

func TestDeclCachePreloadFailureDoesNotRetry(t *testing.T) {
	q := &stubQuerier{respond: func(string) (*pgclient.Result, error) {
		return nil, errors.New("relation does not exist")
	}}
	d := NewDeclCache("plex")

	d.Preload(context.Background(), q)
	assert.True(t, d.Loaded(), "a failed load still counts as loaded")
	assert.Equal(t, 1, q.calls)

	_, ok := d.Lookup("devices_id")
	assert.False(t, ok)

	d.Preload(context.Background(), q)
	assert.Equal(t, 1, q.calls)
}

func TestTableNames(t *testing.T) {
	q := &stubQuerier{respond: func(sql string) (*pgclient.Result, error) {
		return &pgclient.Result{Rows: [][][]byte{
			{[]byte("16385"), []byte("metadata_items")},
			{[]byte("16390"), []byte("tags")},
		}}, nil
	}}
	d := NewDeclCache("plex")

	names := d.TableNames(context.Background(), q, []uint32{16390, 16385, 16385, 0})
	assert.Equal(t, map[uint32]string{16385: "metadata_items", 16390: "tags"}, names)
	assert.Equal(t, 1, q.calls)
	assert.Contains(t, q.lastSQL, "IN (16385,16390)", "deduplicated and ordered")

	// Fully cached: no second round trip.
	names = d.TableNames(context.Background(), q, []uint32{16385, 16390})
	assert.Equal(t, map[uint32]string{16385: "metadata_items", 16390: "tags"}, names)
	assert.Equal(t, 1, q.calls)
}

func TestTableNamesQueryFailure(t *testing.T) {
	q := &stubQuerier{respond: func(string) (*pgclient.Result, error) {
		return nil, errors.New("backend gone")
	}}
	d := NewDeclCache("plex")

	names := d.TableNames(context.Background(), q, []uint32{42})
	assert.Empty(t, names)
}
