package translate

import "strings"

// indexOutsideStrings finds the first case-insensitive occurrence of token at
// or after from, skipping string literals, quoted identifiers and comments.
// wordBounded additionally requires non-word bytes on both sides.
func indexOutsideStrings(sql, token string, from int, wordBounded bool) int {
	if token == "" {
		return -1
	}
	lower := strings.ToLower(sql)
	tok := strings.ToLower(token)
	i := from
	for i < len(lower) {
		ch := lower[i]
		switch {
		case ch == '\'':
			i = skipSingleQuoted(sql, i)
		case ch == '"':
			i = skipDoubleQuoted(sql, i)
		case ch == '-' && i+1 < len(lower) && lower[i+1] == '-':
			nl := strings.IndexByte(lower[i:], '\n')
			if nl < 0 {
				return -1
			}
			i += nl + 1
		case ch == '/' && i+1 < len(lower) && lower[i+1] == '*':
			end := strings.Index(lower[i+2:], "*/")
			if end < 0 {
				return -1
			}
			i += 2 + end + 2
		default:
			if strings.HasPrefix(lower[i:], tok) {
				if !wordBounded {
					return i
				}
				beforeOK := i == 0 || !isWordByte(lower[i-1])
				after := i + len(tok)
				afterOK := after >= len(lower) || !isWordByte(lower[after])
				if beforeOK && afterOK {
					return i
				}
			}
			i++
		}
	}
	return -1
}

// matchingParen returns the index of the ')' closing the '(' at open, or -1.
// Strings and quoted identifiers inside are skipped.
func matchingParen(sql string, open int) int {
	depth := 0
	i := open
	for i < len(sql) {
		switch sql[i] {
		case '\'':
			i = skipSingleQuoted(sql, i)
			continue
		case '"':
			i = skipDoubleQuoted(sql, i)
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// splitTopLevel splits s on sep at paren depth zero, respecting strings.
// The pieces keep their surrounding whitespace.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	i := 0
	for i < len(s) {
		switch s[i] {
		case '\'':
			i = skipSingleQuoted(s, i)
			continue
		case '"':
			i = skipDoubleQuoted(s, i)
			continue
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
		i++
	}
	parts = append(parts, s[start:])
	return parts
}

// findCall locates fn( as a function call outside strings: returns the start
// of the name, the index of '(' and the index of the matching ')'.
func findCall(sql, fn string, from int) (nameIdx, open, closeIdx int, ok bool) {
	for {
		idx := indexOutsideStrings(sql, fn, from, true)
		if idx < 0 {
			return 0, 0, 0, false
		}
		p := idx + len(fn)
		for p < len(sql) && (sql[p] == ' ' || sql[p] == '\t') {
			p++
		}
		if p < len(sql) && sql[p] == '(' {
			end := matchingParen(sql, p)
			if end < 0 {
				return 0, 0, 0, false
			}
			return idx, p, end, true
		}
		from = idx + len(fn)
	}
}

// stripQuotes removes one layer of "..."/`...`/[...] around an identifier.
func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') ||
			(s[0] == '`' && s[len(s)-1] == '`') ||
			(s[0] == '[' && s[len(s)-1] == ']') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

