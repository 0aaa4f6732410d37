package translate

import "strings"

// aggregateFuncs are the functions whose presence exempts a SELECT item from
// GROUP BY completion.
var aggregateFuncs = []string{
	"count", "sum", "avg", "max", "min", "total",
	"group_concat", "string_agg", "array_agg",
	"bool_and", "bool_or", "every",
	"json_agg", "jsonb_agg", "xmlagg",
}

// completeGroupBy appends bare column references from the SELECT list to an
// existing GROUP BY clause. SQLite tolerates ungrouped columns and picks an
// arbitrary row; PostgreSQL rejects the query outright.
func completeGroupBy(sql string) string {
	lower := strings.ToLower(sql)
	gbIdx := findTopLevelKeyword(lower, "group", 0)
	if gbIdx < 0 {
		return sql
	}
	afterGroup := strings.TrimLeft(lower[gbIdx+len("group"):], " \t\n")
	if !strings.HasPrefix(afterGroup, "by") {
		return sql
	}
	selIdx := findTopLevelKeyword(lower, "select", 0)
	fromIdx := findTopLevelKeyword(lower, "from", selIdx+1)
	if selIdx < 0 || fromIdx < 0 || fromIdx > gbIdx {
		return sql
	}

	projection := sql[selIdx+len("select") : fromIdx]
	if strings.HasPrefix(strings.TrimSpace(strings.ToLower(projection)), "distinct") {
		d := strings.Index(strings.ToLower(projection), "distinct")
		projection = projection[d+len("distinct"):]
	}

	byIdx := findTopLevelKeyword(lower, "by", gbIdx) + len("by")
	if byIdx < len("by") {
		return sql
	}
	gbEnd := len(sql)
	for _, kw := range []string{"having", "order", "limit", "offset", "union", "intersect", "except"} {
		if idx := findTopLevelKeyword(lower, kw, byIdx); idx >= 0 && idx < gbEnd {
			gbEnd = idx
		}
	}
	grouped := splitTopLevel(sql[byIdx:gbEnd], ',')
	have := make(map[string]bool, len(grouped))
	for _, g := range grouped {
		have[normalizeRef(g)] = true
	}

	var missing []string
	for _, item := range splitTopLevel(projection, ',') {
		expr := strings.TrimSpace(item)
		if expr == "" {
			continue
		}
		if as := lastTopLevelAs(expr); as >= 0 {
			expr = strings.TrimSpace(expr[:as])
		}
		if !isColumnRef(expr) {
			continue
		}
		if key := normalizeRef(expr); !have[key] {
			have[key] = true
			missing = append(missing, expr)
		}
	}
	if len(missing) == 0 {
		return sql
	}

	head := strings.TrimRight(sql[:gbEnd], " \t\n")
	tail := sql[gbEnd:]
	out := head + ", " + strings.Join(missing, ", ")
	if tail != "" {
		out += " " + strings.TrimLeft(tail, " \t\n")
	}
	return out
}

// isColumnRef reports whether expr is a plain, optionally qualified column
// reference. Function calls, literals and subqueries never qualify, and
// anything naming an aggregate is left for the database to handle.
func isColumnRef(expr string) bool {
	if expr == "" || expr == "*" || strings.ContainsAny(expr, "()'+-/|") {
		return false
	}
	lower := strings.ToLower(expr)
	for _, agg := range aggregateFuncs {
		if lower == agg {
			return false
		}
	}
	parts := strings.Split(expr, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		p = stripQuotes(strings.TrimSpace(p))
		if p == "" || p == "*" {
			return false
		}
		if p[0] >= '0' && p[0] <= '9' {
			return false
		}
		for i := 0; i < len(p); i++ {
			if !isWordByte(p[i]) {
				return false
			}
		}
	}
	return true
}

func normalizeRef(s string) string {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for i, p := range parts {
		parts[i] = strings.ToLower(stripQuotes(strings.TrimSpace(p)))
	}
	return strings.Join(parts, ".")
}
