package translate

import (
	"strconv"
	"strings"
)

// convertPlaceholders rewrites ?, ?N, :name, @name and $name parameters into
// PostgreSQL positional $N form. Repeated named references share a position.
// Returns the rewritten SQL plus the cleaned names and original tokens per
// position (empty strings for positional parameters). SQL already in $N form
// passes through unchanged.
//
// String literals, quoted identifiers, line comments and block comments are
// respected; a '?' inside any of them is left alone.
func convertPlaceholders(sql string) (string, []string, []string) {
	var b strings.Builder
	b.Grow(len(sql) + 16)

	var names, tokens []string
	positions := make(map[string]int)
	maxIdx := 0

	ensure := func(idx int) {
		for len(names) < idx {
			names = append(names, "")
			tokens = append(tokens, "")
		}
	}

	i := 0
	for i < len(sql) {
		ch := sql[i]
		switch {
		case ch == '\'':
			j := skipSingleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case ch == '"':
			j := skipDoubleQuoted(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				b.WriteString(sql[i:])
				i = len(sql)
			} else {
				b.WriteString(sql[i : i+j+1])
				i += j + 1
			}
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				b.WriteString(sql[i:])
				i = len(sql)
			} else {
				b.WriteString(sql[i : i+2+j+2])
				i += 2 + j + 2
			}
		case ch == '?':
			numEnd := i + 1
			for numEnd < len(sql) && sql[numEnd] >= '0' && sql[numEnd] <= '9' {
				numEnd++
			}
			var idx int
			if numEnd > i+1 {
				idx, _ = strconv.Atoi(sql[i+1 : numEnd])
			} else {
				idx = maxIdx + 1
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			ensure(idx)
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			i = numEnd
		case ch == ':' && i+1 < len(sql) && sql[i+1] == ':':
			// type cast, not a parameter
			b.WriteString("::")
			i += 2
		case (ch == ':' || ch == '@') && i+1 < len(sql) && isWordByte(sql[i+1]):
			end := i + 1
			for end < len(sql) && isWordByte(sql[end]) {
				end++
			}
			name := sql[i+1 : end]
			idx, ok := positions[name]
			if !ok {
				idx = maxIdx + 1
				maxIdx = idx
				positions[name] = idx
				ensure(idx)
				names[idx-1] = name
				tokens[idx-1] = sql[i:end]
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			i = end
		case ch == '$' && i+1 < len(sql) && isWordByte(sql[i+1]):
			end := i + 1
			digitsOnly := true
			for end < len(sql) && isWordByte(sql[end]) {
				if sql[end] < '0' || sql[end] > '9' {
					digitsOnly = false
				}
				end++
			}
			if digitsOnly {
				// already positional; keep, but account for the slot
				idx, _ := strconv.Atoi(sql[i+1 : end])
				if idx > maxIdx {
					maxIdx = idx
				}
				ensure(idx)
				b.WriteString(sql[i:end])
				i = end
			} else {
				name := sql[i+1 : end]
				idx, ok := positions[name]
				if !ok {
					idx = maxIdx + 1
					maxIdx = idx
					positions[name] = idx
					ensure(idx)
					names[idx-1] = name
					tokens[idx-1] = sql[i:end]
				}
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(idx))
				i = end
			}
		default:
			b.WriteByte(ch)
			i++
		}
	}

	return b.String(), names, tokens
}

// skipSingleQuoted returns the index just past a single-quoted literal
// starting at i. Doubled quotes ('') escape.
func skipSingleQuoted(sql string, i int) int {
	j := i + 1
	for j < len(sql) {
		if sql[j] == '\'' {
			if j+1 < len(sql) && sql[j+1] == '\'' {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(sql)
}

// skipDoubleQuoted returns the index just past a double-quoted identifier.
func skipDoubleQuoted(sql string, i int) int {
	j := i + 1
	for j < len(sql) {
		if sql[j] == '"' {
			if j+1 < len(sql) && sql[j+1] == '"' {
				j += 2
				continue
			}
			return j + 1
		}
		j++
	}
	return len(sql)
}
