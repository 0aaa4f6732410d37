package translate

import "strings"

// Kind is the coarse statement category used for routing decisions.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindDDL
	KindTCL
	KindPragma
)

// Class describes one statement's shape.
type Class struct {
	Kind         Kind
	Read         bool
	HasWhere     bool
	HasGroupBy   bool
	HasOrderBy   bool
	HasLimit     bool
	HasReturning bool
}

// Classify inspects the leading keyword and top-level clauses. It tolerates
// leading whitespace and comments.
func Classify(sql string) Class {
	body := stripLeading(sql)
	lower := strings.ToLower(body)

	var c Class
	switch firstWord(lower) {
	case "select", "with", "explain", "values":
		c.Kind = KindSelect
		c.Read = true
	case "insert":
		c.Kind = KindInsert
	case "update":
		c.Kind = KindUpdate
	case "delete":
		c.Kind = KindDelete
	case "create", "drop", "alter":
		c.Kind = KindDDL
	case "begin", "commit", "rollback", "savepoint", "release", "end":
		c.Kind = KindTCL
	case "pragma":
		c.Kind = KindPragma
		c.Read = true
	default:
		c.Kind = KindOther
	}

	c.HasWhere = hasTopLevelKeyword(lower, "where")
	c.HasGroupBy = hasTopLevelKeyword(lower, "group by")
	c.HasOrderBy = hasTopLevelKeyword(lower, "order by")
	c.HasLimit = hasTopLevelKeyword(lower, "limit")
	c.HasReturning = hasTopLevelKeyword(lower, "returning")
	return c
}

// IsRead reports whether sql only reads data. Statements we cannot classify
// count as reads so they cannot be double-executed by the write guard.
func IsRead(sql string) bool {
	c := Classify(sql)
	return c.Read
}

// stripLeading removes whitespace and SQL comments before the first token.
func stripLeading(sql string) string {
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r':
			i++
		case strings.HasPrefix(sql[i:], "--"):
			nl := strings.IndexByte(sql[i:], '\n')
			if nl < 0 {
				return ""
			}
			i += nl + 1
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return ""
			}
			i += 2 + end + 2
		default:
			return sql[i:]
		}
	}
	return ""
}

func firstWord(lower string) string {
	end := 0
	for end < len(lower) && (lower[end] >= 'a' && lower[end] <= 'z') {
		end++
	}
	return lower[:end]
}

// hasTopLevelKeyword reports whether kw occurs outside strings, quoted
// identifiers, and parentheses.
func hasTopLevelKeyword(lower, kw string) bool {
	return findTopLevelKeyword(lower, kw, 0) >= 0
}

// findTopLevelKeyword returns the index of the first occurrence of kw at
// paren depth zero starting at from, or -1. The input must be lowercased;
// kw must be lowercase and start/end on word characters.
func findTopLevelKeyword(lower, kw string, from int) int {
	depth := 0
	inS, inD := false, false
	for i := from; i < len(lower); i++ {
		ch := lower[i]
		switch {
		case inS:
			if ch == '\'' {
				inS = false
			}
		case inD:
			if ch == '"' {
				inD = false
			}
		case ch == '\'':
			inS = true
		case ch == '"':
			inD = true
		case ch == '(':
			depth++
		case ch == ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 && strings.HasPrefix(lower[i:], kw) {
				beforeOK := i == 0 || !isWordByte(lower[i-1])
				afterIdx := i + len(kw)
				afterOK := afterIdx >= len(lower) || !isWordByte(lower[afterIdx])
				if beforeOK && afterOK {
					return i
				}
			}
		}
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
