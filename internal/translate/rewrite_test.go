package translate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteFunctions(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"iif",
			"SELECT iif(a > 1, 'x', 'y') FROM t",
			"SELECT CASE WHEN a > 1 THEN 'x' ELSE 'y' END FROM t",
		},
		{
			"typeof integer widened",
			"SELECT id FROM t WHERE typeof(id) = 'integer'",
			"SELECT id FROM t WHERE pg_typeof(id)::text IN ('integer', 'bigint', 'smallint')",
		},
		{
			"typeof other",
			"SELECT * FROM t WHERE typeof(x) = 'text'",
			"SELECT * FROM t WHERE pg_typeof(x)::text = 'text'",
		},
		{
			"strftime epoch",
			"SELECT strftime('%s', 'now')",
			"SELECT EXTRACT(EPOCH FROM NOW())::bigint",
		},
		{
			"strftime epoch with modifier",
			"SELECT strftime('%s', 'now', '-7 days')",
			"SELECT EXTRACT(EPOCH FROM NOW() - INTERVAL '7 days')::bigint",
		},
		{
			"strftime format",
			"SELECT strftime('%Y-%m-%d %H:%M:%S', updated_at) FROM metadata_items",
			"SELECT TO_CHAR(updated_at, 'YYYY-MM-DD HH24:MI:SS') FROM metadata_items",
		},
		{
			"datetime now",
			"SELECT datetime('now')",
			"SELECT NOW()",
		},
		{
			"datetime now minus days",
			"SELECT * FROM t WHERE deleted_at < datetime('now', '-30 days')",
			"SELECT * FROM t WHERE deleted_at < NOW() - INTERVAL '30 days'",
		},
		{
			"datetime unixepoch",
			"SELECT datetime(created_at, 'unixepoch') FROM t",
			"SELECT TO_TIMESTAMP(created_at) FROM t",
		},
		{
			"date now",
			"SELECT date('now')",
			"SELECT CURRENT_DATE",
		},
		{
			"last_insert_rowid",
			"SELECT last_insert_rowid()",
			"SELECT lastval()",
		},
		{
			"json_each",
			"SELECT json_each.value FROM json_each($1)",
			"SELECT value::text FROM json_array_elements($1::json)",
		},
		{
			"json_extract single key",
			"SELECT json_extract(extra_data, '$.key') FROM t",
			"SELECT extra_data->>'key' FROM t",
		},
		{
			"json_extract path",
			"SELECT json_extract(d, '$.a.b') FROM t",
			"SELECT d#>>'{a,b}' FROM t",
		},
		{
			"ifnull",
			"SELECT ifnull(rating, 0) FROM t",
			"SELECT COALESCE(rating, 0) FROM t",
		},
		{
			"substr",
			"SELECT substr(title, 1, 3) FROM t",
			"SELECT SUBSTRING(title, 1, 3) FROM t",
		},
		{
			"scalar max",
			"SELECT max(a, b) FROM t",
			"SELECT GREATEST(a, b) FROM t",
		},
		{
			"aggregate max untouched",
			"SELECT max(rating) FROM t",
			"SELECT max(rating) FROM t",
		},
		{
			"case booleans",
			"SELECT CASE WHEN x > 0 THEN 't' ELSE 'f' END FROM t",
			"SELECT CASE WHEN x > 0 THEN TRUE ELSE FALSE END FROM t",
		},
		{
			"null ordering before limit",
			"SELECT id FROM t ORDER BY added_at DESC LIMIT 10",
			"SELECT id FROM t ORDER BY added_at DESC NULLS LAST LIMIT 10",
		},
		{
			"explicit nulls kept",
			"SELECT id FROM t ORDER BY a NULLS LAST",
			"SELECT id FROM t ORDER BY a NULLS LAST",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rewriteFunctions(tc.in))
		})
	}
}

func TestRewriteQueryShapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"title match",
			"SELECT metadata_items.id FROM metadata_items INNER JOIN fts4_metadata_titles ON fts4_metadata_titles.rowid = metadata_items.rowid WHERE fts4_metadata_titles.title MATCH 'batman'",
			"SELECT metadata_items.id FROM metadata_items WHERE metadata_items.title ILIKE '%batman%'",
		},
		{
			"tag match with prefix star",
			"SELECT tags.id FROM tags JOIN fts4_tag_titles ON fts4_tag_titles.rowid = tags.rowid WHERE fts4_tag_titles.tag MATCH 'acti*'",
			"SELECT tags.id FROM tags WHERE tags.tag ILIKE '%acti%'",
		},
		{
			"leftover match neutralized",
			"SELECT id FROM things WHERE things.body MATCH 'x'",
			"SELECT id FROM things WHERE 1=0",
		},
		{
			"distinct dropped for foreign order",
			"SELECT DISTINCT tags.tag FROM tags ORDER BY tags.tag_type",
			"SELECT tags.tag FROM tags ORDER BY tags.tag_type",
		},
		{
			"distinct kept when projected",
			"SELECT DISTINCT tags.tag FROM tags ORDER BY tags.tag",
			"SELECT DISTINCT tags.tag FROM tags ORDER BY tags.tag",
		},
		{
			"having alias substituted",
			"SELECT tag_id, count(*) AS cnt FROM taggings GROUP BY tag_id HAVING cnt > 1",
			"SELECT tag_id, count(*) AS cnt FROM taggings GROUP BY tag_id HAVING (count(*)) > 1",
		},
		{
			"subquery alias added",
			"SELECT * FROM (SELECT id FROM metadata_items) WHERE id > 5",
			"SELECT * FROM (SELECT id FROM metadata_items) AS subq1 WHERE id > 5",
		},
		{
			"subquery alias present",
			"SELECT * FROM (SELECT id FROM metadata_items) m WHERE m.id > 5",
			"SELECT * FROM (SELECT id FROM metadata_items) m WHERE m.id > 5",
		},
		{
			"forward join reordered",
			"SELECT * FROM metadata_items mi JOIN media_parts mp ON mp.media_item_id = med.id JOIN media_items med ON med.metadata_item_id = mi.id",
			"SELECT * FROM metadata_items mi JOIN media_items med ON med.metadata_item_id = mi.id JOIN media_parts mp ON mp.media_item_id = med.id",
		},
		{
			"resolvable join order untouched",
			"SELECT * FROM metadata_items mi JOIN media_items med ON med.metadata_item_id = mi.id JOIN media_parts mp ON mp.media_item_id = med.id",
			"SELECT * FROM metadata_items mi JOIN media_items med ON med.metadata_item_id = mi.id JOIN media_parts mp ON mp.media_item_id = med.id",
		},
		{
			"group by null removed",
			"SELECT count(*) FROM metadata_items GROUP BY NULL",
			"SELECT count(*) FROM metadata_items",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rewriteQueryShapes(tc.in))
		})
	}
}

func TestRewriteSQLiteMaster(t *testing.T) {
	in := "SELECT name FROM sqlite_master WHERE type = 'table'"
	want := "SELECT name FROM " + sqliteMasterCompat + " AS sqlite_master WHERE type = 'table'"
	require.Equal(t, want, rewriteQueryShapes(in))

	// A user-supplied alias wins.
	in = "SELECT sm.name FROM sqlite_master sm"
	want = "SELECT sm.name FROM " + sqliteMasterCompat + " sm"
	require.Equal(t, want, rewriteQueryShapes(in))

	// Applying the rewrite twice must not expand the emitted alias.
	once := rewriteQueryShapes("SELECT name FROM sqlite_master WHERE type = 'table'")
	require.Equal(t, once, rewriteQueryShapes(once))
}

func TestRewriteKeywords(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"begin immediate", "BEGIN IMMEDIATE", "BEGIN"},
		{"begin exclusive transaction", "BEGIN EXCLUSIVE TRANSACTION", "BEGIN TRANSACTION"},
		{"glob", "SELECT * FROM t WHERE title GLOB 'A*'", "SELECT * FROM t WHERE title LIKE 'A*'"},
		{"empty in", "SELECT * FROM t WHERE id IN ()", "SELECT * FROM t WHERE id IN (SELECT -1 WHERE FALSE)"},
		{"indexed by", "SELECT * FROM t INDEXED BY idx_t_id WHERE id = 1", "SELECT * FROM t WHERE id = 1"},
		{"not indexed", "SELECT * FROM t NOT INDEXED WHERE id = 1", "SELECT * FROM t WHERE id = 1"},
		{"collate icu", "SELECT title FROM t ORDER BY title COLLATE icu_root_ci", "SELECT title FROM t ORDER BY title"},
		{"collate nocase", "SELECT title FROM t ORDER BY title COLLATE NOCASE", "SELECT title FROM t ORDER BY title"},
		{"double equals", "SELECT * FROM t WHERE a == 1", "SELECT * FROM t WHERE a = 1"},
		{"backtick quotes", "SELECT `index` FROM t", `SELECT "index" FROM t`},
		{"bracket quotes", "SELECT [group] FROM t", `SELECT "group" FROM t`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rewriteKeywords(tc.in))
		})
	}
}

func TestRewriteTypes(t *testing.T) {
	in := "CREATE TABLE sync_items (id INTEGER PRIMARY KEY AUTOINCREMENT, size INTEGER, data BLOB, added_at DATETIME, active BOOLEAN DEFAULT 'f')"
	want := "CREATE TABLE sync_items (id SERIAL PRIMARY KEY, size BIGINT, data BYTEA, added_at TIMESTAMP, active BOOLEAN DEFAULT FALSE)"
	require.Equal(t, want, rewriteTypes(in, Classify(in)))

	in = "ALTER TABLE media_items ADD COLUMN extra_data BLOB"
	want = "ALTER TABLE media_items ADD COLUMN extra_data BYTEA"
	require.Equal(t, want, rewriteTypes(in, Classify(in)))

	// Only DDL is touched; a column named like a type survives in queries.
	in = "SELECT blob FROM t"
	require.Equal(t, in, rewriteTypes(in, Classify(in)))
}

func TestRewriteBlobLiterals(t *testing.T) {
	require.Equal(t,
		`INSERT INTO t (d) VALUES ('\xdeadbeef')`,
		rewriteBlobLiterals("INSERT INTO t (d) VALUES (X'DEADBEEF')"))
	require.Equal(t,
		`SELECT * FROM t WHERE h = '\x00ff'`,
		rewriteBlobLiterals("SELECT * FROM t WHERE h = x'00FF'"))

	// Odd-length and non-hex contents stay as written.
	require.Equal(t, "SELECT X'abc'", rewriteBlobLiterals("SELECT X'abc'"))
	require.Equal(t, "SELECT X'zz'", rewriteBlobLiterals("SELECT X'zz'"))
	// Inside a string literal nothing changes.
	require.Equal(t, "SELECT 'X''0a'''", rewriteBlobLiterals("SELECT 'X''0a'''"))
}

func TestRewriteUpserts(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"insert or ignore",
			"INSERT OR IGNORE INTO tags (name, tag_type) VALUES ($1, $2)",
			"INSERT INTO tags (name, tag_type) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING id",
		},
		{
			"replace with known key",
			"REPLACE INTO preferences (name, value) VALUES ($1, $2)",
			"INSERT INTO preferences (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value RETURNING id",
		},
		{
			"replace with unknown key stays plain",
			"REPLACE INTO play_queues (client_id) VALUES ($1)",
			"INSERT INTO play_queues (client_id) VALUES ($1) RETURNING id",
		},
		{
			"settings merge",
			"INSERT INTO metadata_item_settings (account_id, guid, rating, view_count) VALUES ($1, $2, $3, $4)",
			"INSERT INTO metadata_item_settings (account_id, guid, rating, view_count) VALUES ($1, $2, $3, $4)" +
				" ON CONFLICT (account_id, guid) DO UPDATE SET" +
				" rating = COALESCE(EXCLUDED.rating, metadata_item_settings.rating)," +
				" view_count = GREATEST(COALESCE(metadata_item_settings.view_count, 0), COALESCE(EXCLUDED.view_count, 0))" +
				" RETURNING id",
		},
		{
			"plain insert gains returning",
			"INSERT INTO media_items (metadata_item_id) VALUES ($1)",
			"INSERT INTO media_items (metadata_item_id) VALUES ($1) RETURNING id",
		},
		{
			"schema migrations untouched",
			"INSERT INTO schema_migrations (version) VALUES ($1)",
			"INSERT INTO schema_migrations (version) VALUES ($1)",
		},
		{
			"existing returning kept",
			"INSERT INTO tags (name) VALUES ($1) RETURNING id",
			"INSERT INTO tags (name) VALUES ($1) RETURNING id",
		},
		{
			"update passes through",
			"UPDATE metadata_items SET title = $1 WHERE id = $2",
			"UPDATE metadata_items SET title = $1 WHERE id = $2",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rewriteUpserts(tc.in, Classify(tc.in)))
		})
	}
}

func TestCompleteGroupBy(t *testing.T) {
	in := "SELECT tags.id, tags.tag, count(taggings.id) FROM tags JOIN taggings ON taggings.tag_id = tags.id GROUP BY tags.id ORDER BY tags.tag"
	want := "SELECT tags.id, tags.tag, count(taggings.id) FROM tags JOIN taggings ON taggings.tag_id = tags.id GROUP BY tags.id, tags.tag ORDER BY tags.tag"
	require.Equal(t, want, completeGroupBy(in))

	// Already complete, or no GROUP BY at all: untouched.
	in = "SELECT a, count(*) FROM t GROUP BY a"
	require.Equal(t, in, completeGroupBy(in))
	in = "SELECT a, b FROM t"
	require.Equal(t, in, completeGroupBy(in))

	// Expressions are not appended, only bare columns.
	in = "SELECT a, b + 1, count(*) FROM t GROUP BY a"
	require.Equal(t, in, completeGroupBy(in))
}
