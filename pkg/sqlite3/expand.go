package sqlite3

import (
	"strconv"
	"strings"
)

// expandSQL substitutes bound parameter values into a translated statement's
// $N placeholders, producing the literal form the backend would see. Text
// values are single-quoted with embedded quotes doubled; unbound or nil
// parameters render as NULL. Used for diagnostics only, never executed.
func expandSQL(sql string, params [][]byte) string {
	var b strings.Builder
	b.Grow(len(sql) + 32)

	inQuote := byte(0)
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if inQuote != 0 {
			b.WriteByte(ch)
			if ch == inQuote {
				inQuote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inQuote = ch
			b.WriteByte(ch)
		case '$':
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j == i+1 {
				b.WriteByte(ch)
				continue
			}
			n, err := strconv.Atoi(sql[i+1 : j])
			if err != nil || n < 1 || n > len(params) || params[n-1] == nil {
				b.WriteString("NULL")
			} else {
				writeQuoted(&b, params[n-1])
			}
			i = j - 1
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func writeQuoted(b *strings.Builder, v []byte) {
	b.WriteByte('\'')
	for _, c := range v {
		if c == '\'' {
			b.WriteByte('\'')
		}
		b.WriteByte(c)
	}
	b.WriteByte('\'')
}
