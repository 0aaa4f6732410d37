package translate

import (
	"regexp"
	"strings"
)

var (
	beginVariantRe = regexp.MustCompile(`(?i)^\s*begin\s+(immediate|exclusive|deferred)\b`)
	globRe         = regexp.MustCompile(`(?i)\bglob\b`)
	emptyInRe      = regexp.MustCompile(`(?i)\bin\s*\(\s*\)`)
	indexedByRe    = regexp.MustCompile(`(?i)\s+indexed\s+by\s+[\w"]+`)
	notIndexedRe   = regexp.MustCompile(`(?i)\s+not\s+indexed\b`)
	collateICURe   = regexp.MustCompile(`(?i)\s+collate\s+[\w"]*icu[\w"]*`)
	collateStdRe   = regexp.MustCompile(`(?i)\s+collate\s+"?(nocase|binary|rtrim)"?`)
	doubleEqRe     = regexp.MustCompile(`([^=!<>])==([^=])`)
)

// rewriteKeywords handles single-token dialect differences.
func rewriteKeywords(sql string) string {
	sql = beginVariantRe.ReplaceAllString(sql, "BEGIN")
	sql = globRe.ReplaceAllString(sql, "LIKE")
	// SQLite evaluates IN () as false; PostgreSQL rejects the empty list.
	sql = emptyInRe.ReplaceAllString(sql, "IN (SELECT -1 WHERE FALSE)")
	sql = indexedByRe.ReplaceAllString(sql, "")
	sql = notIndexedRe.ReplaceAllString(sql, "")
	sql = collateICURe.ReplaceAllString(sql, "")
	sql = collateStdRe.ReplaceAllString(sql, "")
	sql = doubleEqRe.ReplaceAllString(sql, "$1=$2")
	sql = rewriteIdentifierQuotes(sql)
	return sql
}

// rewriteIdentifierQuotes converts `backtick` and [bracket] identifier quotes
// into standard double quotes, outside string literals.
func rewriteIdentifierQuotes(sql string) string {
	if !strings.ContainsAny(sql, "`[") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	i := 0
	for i < len(sql) {
		switch sql[i] {
		case '\'':
			j := skipSingleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case '"':
			j := skipDoubleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case '`':
			j := i + 1
			for j < len(sql) && sql[j] != '`' {
				j++
			}
			if j >= len(sql) {
				b.WriteString(sql[i:])
				return b.String()
			}
			b.WriteByte('"')
			b.WriteString(sql[i+1 : j])
			b.WriteByte('"')
			i = j + 1
		case '[':
			j := i + 1
			for j < len(sql) && sql[j] != ']' {
				j++
			}
			if j >= len(sql) || !isBracketIdent(sql[i+1:j]) {
				b.WriteByte(sql[i])
				i++
				continue
			}
			b.WriteByte('"')
			b.WriteString(sql[i+1 : j])
			b.WriteByte('"')
			i = j + 1
		default:
			b.WriteByte(sql[i])
			i++
		}
	}
	return b.String()
}

// isBracketIdent guards against rewriting [] uses that are not identifier
// quoting (e.g. array subscripts emitted by earlier rewrites).
func isBracketIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) && s[i] != ' ' {
			return false
		}
	}
	return s[0] < '0' || s[0] > '9'
}
