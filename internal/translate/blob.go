package translate

import "strings"

// rewriteBlobLiterals converts X'ABCD' hex blob literals into PostgreSQL's
// '\xabcd' bytea form.
func rewriteBlobLiterals(sql string) string {
	if !strings.ContainsAny(sql, "xX") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	i := 0
	for i < len(sql) {
		c := sql[i]
		if c == '\'' {
			j := skipSingleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
			continue
		}
		if c == '"' {
			j := skipDoubleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
			continue
		}
		if (c == 'x' || c == 'X') && i+1 < len(sql) && sql[i+1] == '\'' &&
			(i == 0 || !isWordByte(sql[i-1])) {
			j := i + 2
			for j < len(sql) && sql[j] != '\'' {
				j++
			}
			if j < len(sql) && isHex(sql[i+2:j]) {
				b.WriteString(`'\x`)
				b.WriteString(strings.ToLower(sql[i+2 : j]))
				b.WriteByte('\'')
				i = j + 1
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return len(s)%2 == 0
}
