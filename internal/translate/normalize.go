package translate

import (
	"strconv"
	"strings"
)

// maxNormalizedLiterals caps how many literals a statement may carry before
// normalization gives up. Statements beyond this are one-off enough that
// caching their plan buys nothing.
const maxNormalizedLiterals = 32

// NormalizeLiterals rewrites inline numeric literals into $N parameters so
// that repeated one-shot statements differing only in values share a prepared
// plan. INSERTs and statements without a WHERE clause are left alone; their
// literal positions tend to carry schema meaning rather than filter values.
func NormalizeLiterals(sql string) (string, []string, bool) {
	lower := strings.ToLower(sql)
	first := firstWord(stripLeading(lower))
	if first == "insert" || first == "replace" {
		return sql, nil, false
	}
	if !hasTopLevelKeyword(lower, "where") {
		return sql, nil, false
	}

	var b strings.Builder
	b.Grow(len(sql) + 16)
	var params []string
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\'':
			j := skipSingleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '"':
			j := skipDoubleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '$':
			// Existing parameters mean the statement is already shaped
			// for reuse; bail rather than mix numbering schemes.
			return sql, nil, false
		case c >= '0' && c <= '9' && (i == 0 || !isWordByte(sql[i-1])) && (i == 0 || sql[i-1] != '.'):
			j := i
			seenDot := false
			for j < len(sql) {
				if sql[j] >= '0' && sql[j] <= '9' {
					j++
					continue
				}
				if sql[j] == '.' && !seenDot && j+1 < len(sql) && sql[j+1] >= '0' && sql[j+1] <= '9' {
					seenDot = true
					j++
					continue
				}
				break
			}
			if j < len(sql) && isWordByte(sql[j]) {
				// Part of an identifier like col2x; copy through.
				b.WriteString(sql[i:j])
				i = j
				continue
			}
			if len(params) >= maxNormalizedLiterals {
				return sql, nil, false
			}
			params = append(params, sql[i:j])
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(params)))
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	if len(params) == 0 {
		return sql, nil, false
	}
	return b.String(), params, true
}
