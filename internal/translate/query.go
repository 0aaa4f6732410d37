package translate

import (
	"regexp"
	"strconv"
	"strings"
)

// rewriteQueryShapes applies rewrites that depend on the overall statement
// shape rather than on a single function call.
func rewriteQueryShapes(sql string) string {
	sql = rewriteFTS(sql)
	sql = rewriteDistinctOrderBy(sql)
	sql = rewriteHavingAlias(sql)
	sql = rewriteSubqueryAlias(sql)
	sql = rewriteForwardJoins(sql)
	sql = rewriteSQLiteMaster(sql)
	sql = removeGroupByNull(sql)
	return sql
}

var (
	ftsTitleMatchRe = regexp.MustCompile(`(?i)\bfts4_metadata_titles(?:_icu)?\.(\w+)\s+match\s+'((?:[^']|'')*)'`)
	ftsTagMatchRe   = regexp.MustCompile(`(?i)\bfts4_tag_titles(?:_icu)?\.(\w+)\s+match\s+'((?:[^']|'')*)'`)
	anyMatchRe      = regexp.MustCompile(`(?i)\b[\w.]+\s+match\s+'(?:[^']|'')*'`)
)

// rewriteFTS downgrades full-text MATCH predicates: titles searches become
// ILIKE scans on the base tables, the FTS virtual-table joins are dropped,
// and anything else that still says MATCH becomes a constant-false predicate
// so the statement stays preparable.
func rewriteFTS(sql string) string {
	if indexOutsideStrings(sql, "match", 0, true) < 0 {
		return sql
	}

	sql = ftsTitleMatchRe.ReplaceAllStringFunc(sql, func(m string) string {
		g := ftsTitleMatchRe.FindStringSubmatch(m)
		return "metadata_items." + g[1] + " ILIKE '%" + ftsTerm(g[2]) + "%'"
	})
	sql = ftsTagMatchRe.ReplaceAllStringFunc(sql, func(m string) string {
		g := ftsTagMatchRe.FindStringSubmatch(m)
		return "tags." + g[1] + " ILIKE '%" + ftsTerm(g[2]) + "%'"
	})
	sql = dropFTSJoins(sql)
	sql = anyMatchRe.ReplaceAllString(sql, "1=0")
	return sql
}

// ftsTerm adapts an FTS query term for ILIKE: the trailing prefix-search star
// is covered by the surrounding %, interior stars become %.
func ftsTerm(term string) string {
	return strings.ReplaceAll(strings.TrimRight(term, "*"), "*", "%")
}

// dropFTSJoins removes JOIN clauses whose right side is an fts4_ virtual
// table; after the MATCH rewrite nothing references them.
func dropFTSJoins(sql string) string {
	for {
		joinIdx := -1
		from := 0
		for {
			idx := indexOutsideStrings(sql, "join", from, true)
			if idx < 0 {
				break
			}
			rest := strings.TrimLeft(sql[idx+4:], " \t\n\r")
			if strings.HasPrefix(strings.ToLower(rest), "fts4_") {
				joinIdx = idx
				break
			}
			from = idx + 4
		}
		if joinIdx < 0 {
			return sql
		}

		// Include a preceding INNER/LEFT [OUTER] qualifier in the cut.
		cutStart := joinIdx
		prefix := strings.ToLower(sql[:joinIdx])
		for _, q := range []string{"inner ", "left outer ", "left ", "cross "} {
			if strings.HasSuffix(strings.TrimRight(prefix, " \t\n\r"), strings.TrimSpace(q)) {
				cutStart = strings.LastIndex(prefix, strings.TrimSpace(q))
				break
			}
		}

		// The clause ends at the next top-level structural keyword.
		end := len(sql)
		lower := strings.ToLower(sql)
		for _, kw := range []string{"join", "inner join", "left join", "where", "group by", "order by", "limit", "having", "union"} {
			if e := findTopLevelKeyword(lower, kw, joinIdx+4); e >= 0 && e < end {
				end = e
			}
		}
		sql = strings.TrimRight(sql[:cutStart], " \t") + " " + strings.TrimLeft(sql[end:], " \t")
	}
}

// rewriteDistinctOrderBy removes DISTINCT when the ORDER BY references an
// expression missing from the projection, which PostgreSQL rejects outright.
// The host tolerates duplicate rows better than a failed query.
func rewriteDistinctOrderBy(sql string) string {
	body := stripLeading(sql)
	lowerBody := strings.ToLower(body)
	if !strings.HasPrefix(lowerBody, "select") {
		return sql
	}
	afterSelect := strings.TrimLeft(body[len("select"):], " \t\n\r")
	if !strings.HasPrefix(strings.ToLower(afterSelect), "distinct") {
		return sql
	}

	lower := strings.ToLower(sql)
	orderIdx := findTopLevelKeyword(lower, "order by", 0)
	if orderIdx < 0 {
		return sql
	}
	fromIdx := findTopLevelKeyword(lower, "from", 0)
	if fromIdx < 0 {
		return sql
	}
	distinctIdx := indexOutsideStrings(sql, "distinct", 0, true)
	if distinctIdx < 0 || distinctIdx > fromIdx {
		return sql
	}

	selectList := strings.ToLower(sql[distinctIdx+len("distinct") : fromIdx])
	end := len(sql)
	for _, kw := range []string{"limit", "offset"} {
		if e := findTopLevelKeyword(lower, kw, orderIdx); e >= 0 && e < end {
			end = e
		}
	}
	for _, item := range splitTopLevel(sql[orderIdx+len("order by"):end], ',') {
		expr := strings.TrimSpace(strings.ToLower(item))
		for _, suffix := range []string{" nulls first", " nulls last"} {
			expr = strings.TrimSuffix(expr, suffix)
		}
		for _, suffix := range []string{" asc", " desc"} {
			expr = strings.TrimSuffix(strings.TrimSpace(expr), suffix)
		}
		expr = strings.TrimSpace(expr)
		if expr == "" || isDigits(expr) {
			continue
		}
		if !strings.Contains(selectList, expr) {
			// ORDER BY uses a non-projected expression: drop DISTINCT.
			return sql[:distinctIdx] + strings.TrimLeft(sql[distinctIdx+len("distinct"):], " ")
		}
	}
	return sql
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// rewriteHavingAlias substitutes projection aliases referenced from HAVING,
// which SQLite allows and PostgreSQL does not.
func rewriteHavingAlias(sql string) string {
	lower := strings.ToLower(sql)
	havingIdx := findTopLevelKeyword(lower, "having", 0)
	if havingIdx < 0 {
		return sql
	}
	selIdx := indexOutsideStrings(sql, "select", 0, true)
	fromIdx := findTopLevelKeyword(lower, "from", 0)
	if selIdx < 0 || fromIdx < 0 || fromIdx < selIdx {
		return sql
	}

	aliases := map[string]string{}
	for _, item := range splitTopLevel(sql[selIdx+len("select"):fromIdx], ',') {
		asIdx := lastTopLevelAs(item)
		if asIdx < 0 {
			continue
		}
		expr := strings.TrimSpace(item[:asIdx])
		alias := strings.TrimSpace(item[asIdx+2:])
		if expr == "" || alias == "" || !isPlainIdent(alias) {
			continue
		}
		aliases[strings.ToLower(alias)] = expr
	}
	if len(aliases) == 0 {
		return sql
	}

	havingEnd := len(sql)
	for _, kw := range []string{"order by", "limit", "offset"} {
		if e := findTopLevelKeyword(lower, kw, havingIdx); e >= 0 && e < havingEnd {
			havingEnd = e
		}
	}
	clause := sql[havingIdx:havingEnd]
	for alias, expr := range aliases {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(alias) + `\b`)
		clause = re.ReplaceAllString(clause, "("+expr+")")
	}
	return sql[:havingIdx] + clause + sql[havingEnd:]
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) {
			return false
		}
	}
	return s[0] < '0' || s[0] > '9'
}

// lastTopLevelAs finds the final AS keyword at paren depth zero, so
// "cast(a AS int) AS cnt" splits at the outer one.
func lastTopLevelAs(item string) int {
	lower := strings.ToLower(item)
	last := -1
	for probe := findTopLevelKeyword(lower, "as", 0); probe >= 0; probe = findTopLevelKeyword(lower, "as", probe+1) {
		last = probe
	}
	return last
}

// rewriteSubqueryAlias appends AS subqN to derived tables missing an alias.
func rewriteSubqueryAlias(sql string) string {
	counter := 1
	from := 0
	for {
		idx := -1
		var kwLen int
		for _, kw := range []string{"from", "join"} {
			if e := indexOutsideStrings(sql, kw, from, true); e >= 0 && (idx < 0 || e < idx) {
				idx = e
				kwLen = len(kw)
			}
		}
		if idx < 0 {
			return sql
		}
		p := idx + kwLen
		for p < len(sql) && (sql[p] == ' ' || sql[p] == '\t' || sql[p] == '\n' || sql[p] == '\r') {
			p++
		}
		if p >= len(sql) || sql[p] != '(' {
			from = idx + kwLen
			continue
		}
		closeIdx := matchingParen(sql, p)
		if closeIdx < 0 {
			return sql
		}
		inner := strings.TrimSpace(sql[p+1 : closeIdx])
		if !strings.HasPrefix(strings.ToLower(inner), "select") && !strings.HasPrefix(strings.ToLower(inner), "with") {
			from = closeIdx
			continue
		}
		rest := strings.TrimLeft(sql[closeIdx+1:], " \t\n\r")
		word := strings.ToLower(firstWord(strings.ToLower(rest)))
		hasAlias := false
		switch word {
		case "as":
			hasAlias = true
		case "", "on", "where", "group", "order", "limit", "offset", "having",
			"join", "inner", "left", "right", "cross", "union", "intersect", "except":
			hasAlias = false
		default:
			hasAlias = isPlainIdent(word)
		}
		if len(rest) > 0 && rest[0] == ',' {
			hasAlias = false
		}
		if hasAlias {
			from = closeIdx
			continue
		}
		alias := " AS subq" + strconv.Itoa(counter)
		counter++
		sql = sql[:closeIdx+1] + alias + sql[closeIdx+1:]
		from = closeIdx + 1 + len(alias)
	}
}

type joinSegment struct {
	text  string // full text including the JOIN keywords
	names []string
	onRef []string
}

// rewriteForwardJoins reorders JOIN clauses whose ON condition references a
// table introduced later in the FROM list. SQLite resolves those; PostgreSQL
// reports a missing FROM-clause entry. On any parse doubt the SQL is returned
// untouched.
func rewriteForwardJoins(sql string) string {
	lower := strings.ToLower(sql)
	if !strings.HasPrefix(strings.ToLower(stripLeading(sql)), "select") {
		return sql
	}
	fromIdx := findTopLevelKeyword(lower, "from", 0)
	if fromIdx < 0 {
		return sql
	}
	end := len(sql)
	for _, kw := range []string{"where", "group by", "order by", "limit", "having", "union"} {
		if e := findTopLevelKeyword(lower, kw, fromIdx); e >= 0 && e < end {
			end = e
		}
	}
	clause := sql[fromIdx+len("from") : end]
	if strings.ContainsAny(clause, "(") || len(splitTopLevel(clause, ',')) > 1 {
		return sql // derived tables or comma joins: leave alone
	}

	// Split into base table + join segments.
	lowerClause := strings.ToLower(clause)
	var joinStarts []int
	probe := 0
	for {
		j := findTopLevelKeyword(lowerClause, "join", probe)
		if j < 0 {
			break
		}
		start := j
		head := strings.TrimRight(lowerClause[:j], " \t\n\r")
		for _, q := range []string{"left outer", "right outer", "full outer", "inner", "left", "right", "cross"} {
			if strings.HasSuffix(head, q) {
				start = strings.LastIndex(lowerClause[:j], q)
				break
			}
		}
		joinStarts = append(joinStarts, start)
		probe = j + 4
	}
	if len(joinStarts) < 2 {
		return sql
	}

	base := clause[:joinStarts[0]]
	known := map[string]bool{}
	for _, n := range tableNames(base) {
		known[n] = true
	}

	var segs []joinSegment
	for i, s := range joinStarts {
		e := end - fromIdx - len("from")
		if i+1 < len(joinStarts) {
			e = joinStarts[i+1]
		}
		text := clause[s:e]
		seg := joinSegment{text: text}
		onIdx := findTopLevelKeyword(strings.ToLower(text), "on", 0)
		var intro string
		if onIdx >= 0 {
			jIdx := findTopLevelKeyword(strings.ToLower(text), "join", 0)
			if jIdx < 0 {
				return sql
			}
			intro = text[jIdx+4 : onIdx]
			seg.onRef = qualifierNames(text[onIdx:])
		} else {
			return sql
		}
		seg.names = tableNames(intro)
		if len(seg.names) == 0 {
			return sql
		}
		segs = append(segs, seg)
	}

	// Greedy topological pass: emit any segment whose references are known.
	var ordered []joinSegment
	pending := segs
	for len(pending) > 0 {
		emitted := false
		for i, seg := range pending {
			ok := true
			for _, ref := range seg.onRef {
				if !known[ref] && !contains(seg.names, ref) {
					ok = false
					break
				}
			}
			if ok {
				ordered = append(ordered, seg)
				for _, n := range seg.names {
					known[n] = true
				}
				pending = append(pending[:i:i], pending[i+1:]...)
				emitted = true
				break
			}
		}
		if !emitted {
			return sql // circular or unresolvable; leave as written
		}
	}

	same := true
	for i := range ordered {
		if ordered[i].text != segs[i].text {
			same = false
			break
		}
	}
	if same {
		return sql
	}

	var b strings.Builder
	b.WriteString(sql[:fromIdx+len("from")])
	b.WriteString(strings.TrimRight(base, " \t\n\r"))
	for _, seg := range ordered {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(seg.text))
	}
	if end < len(sql) {
		b.WriteString(" ")
		b.WriteString(strings.TrimLeft(sql[end:], " \t\n\r"))
	}
	return b.String()
}

// tableNames extracts the table name and optional alias from a FROM/JOIN
// introduction like " metadata_items mi " (lowercased).
func tableNames(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	var out []string
	for _, f := range fields {
		switch f {
		case "as", "inner", "left", "right", "full", "outer", "cross", "natural":
			continue
		}
		out = append(out, stripQuotes(f))
	}
	return out
}

var qualifierRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*\.`)

// qualifierNames lists the `x` of every `x.` qualifier in an ON condition.
func qualifierNames(s string) []string {
	var out []string
	for _, m := range qualifierRe.FindAllStringSubmatch(strings.ToLower(s), -1) {
		out = append(out, m[1])
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

const sqliteMasterCompat = `(SELECT table_name AS name, 'table' AS type, table_name AS tbl_name, 0 AS rootpage, '' AS sql` +
	` FROM information_schema.tables WHERE table_schema = current_schema()` +
	` UNION ALL SELECT indexname AS name, 'index' AS type, tablename AS tbl_name, 0 AS rootpage, indexdef AS sql` +
	` FROM pg_indexes WHERE schemaname = current_schema())`

// rewriteSQLiteMaster maps the sqlite_master catalog onto an
// information_schema/pg_indexes union so schema introspection keeps working.
func rewriteSQLiteMaster(sql string) string {
	from := 0
	for {
		idx := indexOutsideStrings(sql, "sqlite_master", from, true)
		if idx < 0 {
			return sql
		}
		if idx > 0 && sql[idx-1] == '.' { // already an alias qualifier we emitted
			from = idx + len("sqlite_master")
			continue
		}
		before := strings.ToLower(strings.TrimRight(sql[:idx], " \t\n\r"))
		if strings.HasSuffix(before, " as") || before == "as" {
			// the alias a previous rewrite appended
			from = idx + len("sqlite_master")
			continue
		}
		end := idx + len("sqlite_master")
		if end < len(sql) && sql[end] == '.' {
			// qualified column reference: keep, the alias below covers it
			from = end
			continue
		}
		rest := strings.TrimLeft(sql[end:], " \t\n\r")
		word := strings.ToLower(firstWord(strings.ToLower(rest)))
		repl := sqliteMasterCompat
		// Keep qualified references valid by aliasing back to sqlite_master
		// unless the statement provides its own alias.
		if word != "as" && !isPlainIdentKeywordFree(word) {
			repl += " AS sqlite_master"
		}
		sql = sql[:idx] + repl + sql[end:]
		from = idx + len(repl)
	}
}

func isPlainIdentKeywordFree(word string) bool {
	switch word {
	case "", "on", "where", "group", "order", "limit", "offset", "having",
		"join", "inner", "left", "right", "cross", "union", "intersect", "except", "set":
		return false
	}
	return isPlainIdent(word)
}

// removeGroupByNull drops the no-op GROUP BY NULL that SQLite accepts.
var groupByNullRe = regexp.MustCompile(`(?i)\s*group\s+by\s+null\b`)

func removeGroupByNull(sql string) string {
	for {
		loc := groupByNullRe.FindStringIndex(sql)
		if loc == nil {
			return sql
		}
		rest := strings.TrimLeft(sql[loc[1]:], " \t\n\r")
		if strings.HasPrefix(rest, ",") {
			// GROUP BY NULL, x — keep the clause, strip only the NULL element
			sql = sql[:loc[0]] + " GROUP BY " + strings.TrimLeft(rest[1:], " \t")
			continue
		}
		sql = sql[:loc[0]] + sql[loc[1]:]
	}
}
