package translate

import "regexp"

var (
	serialPKRe    = regexp.MustCompile(`(?i)\binteger\s+primary\s+key(\s+autoincrement)?\b`)
	autoincRe     = regexp.MustCompile(`(?i)\bautoincrement\b`)
	integerTypeRe = regexp.MustCompile(`(?i)\b(integer|int)\b`)
	blobTypeRe    = regexp.MustCompile(`(?i)\bblob\b`)
	datetimeRe    = regexp.MustCompile(`(?i)\bdatetime\b`)
	boolDefaultRe = regexp.MustCompile(`(?i)\bdefault\s+'(t|f)'`)
	withoutRowid  = regexp.MustCompile(`(?i)\s+without\s+rowid\b`)
)

// rewriteTypes maps column types in DDL statements. Non-DDL statements are
// returned untouched so that identifiers like a column named "blob" in a
// SELECT do not get mangled.
func rewriteTypes(sql string, class Class) string {
	if class.Kind != KindDDL {
		return sql
	}
	sql = serialPKRe.ReplaceAllString(sql, "SERIAL PRIMARY KEY")
	sql = autoincRe.ReplaceAllString(sql, "")
	sql = integerTypeRe.ReplaceAllString(sql, "BIGINT")
	sql = blobTypeRe.ReplaceAllString(sql, "BYTEA")
	sql = datetimeRe.ReplaceAllString(sql, "TIMESTAMP")
	sql = boolDefaultRe.ReplaceAllStringFunc(sql, func(m string) string {
		if m[len(m)-2] == 't' || m[len(m)-2] == 'T' {
			return "DEFAULT TRUE"
		}
		return "DEFAULT FALSE"
	})
	sql = withoutRowid.ReplaceAllString(sql, "")
	return sql
}
