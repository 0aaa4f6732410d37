package translate

import (
	"regexp"
	"strings"
)

// rewriteFunctions applies the function-level dialect fixes. Order matters:
// later rules assume earlier ones already ran (e.g. typeof fixups run on the
// pg_typeof form).
func rewriteFunctions(sql string) string {
	sql = rewriteIIF(sql)
	sql = rewriteTypeof(sql)
	sql = rewriteStrftime(sql)
	sql = rewriteUnixepoch(sql)
	sql = rewriteDatetimeNow(sql)
	sql = rewriteLastInsertRowid(sql)
	sql = rewriteJSONEach(sql)
	sql = rewriteJSONExtract(sql)
	sql = rewriteIfnullSubstr(sql)
	sql = rewriteScalarMaxMin(sql)
	sql = rewriteCaseBooleans(sql)
	sql = rewriteNullOrdering(sql)
	return sql
}

// rewriteIIF converts iif(a, b, c) into CASE WHEN a THEN b ELSE c END.
// Nested calls resolve over repeated passes.
func rewriteIIF(sql string) string {
	for pass := 0; pass < 10; pass++ {
		nameIdx, open, closeIdx, ok := findCall(sql, "iif", 0)
		if !ok {
			return sql
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		if len(args) != 3 {
			return sql
		}
		repl := "CASE WHEN " + strings.TrimSpace(args[0]) +
			" THEN " + strings.TrimSpace(args[1]) +
			" ELSE " + strings.TrimSpace(args[2]) + " END"
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
	}
	return sql
}

var typeofIntegerRe = regexp.MustCompile(`(?i)(pg_typeof\([^()]*\)::text)\s*=\s*'integer'`)

// rewriteTypeof maps typeof(x) to pg_typeof(x)::text and widens equality
// against 'integer', which PostgreSQL reports as bigint/smallint for most of
// the library schema.
func rewriteTypeof(sql string) string {
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "typeof", from)
		if !ok {
			break
		}
		inner := sql[open : closeIdx+1]
		repl := "pg_typeof" + inner + "::text"
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}
	return typeofIntegerRe.ReplaceAllString(sql, "$1 IN ('integer', 'bigint', 'smallint')")
}

var intervalModRe = regexp.MustCompile(`^([+-]?)(\d+)\s+(second|minute|hour|day|month|year)s?$`)

// timeModifiers folds SQLite datetime modifier arguments ('-7 days', 'utc',
// 'localtime') into a PostgreSQL expression around base. Returns false when a
// modifier is not translatable.
func timeModifiers(base string, mods []string) (string, bool) {
	out := base
	for _, m := range mods {
		raw := strings.TrimSpace(m)
		if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
			raw = raw[1 : len(raw)-1]
		}
		lower := strings.ToLower(strings.TrimSpace(raw))
		if lower == "localtime" || lower == "utc" {
			continue
		}
		g := intervalModRe.FindStringSubmatch(lower)
		if g == nil {
			return "", false
		}
		op := "+"
		if g[1] == "-" {
			op = "-"
		}
		out = out + " " + op + " INTERVAL '" + g[2] + " " + g[3] + "s'"
	}
	return out, true
}

// sqliteTimeArg renders a strftime/datetime time argument: 'now' becomes
// NOW(), everything else is used verbatim.
func sqliteTimeArg(arg string) string {
	t := strings.TrimSpace(arg)
	if strings.EqualFold(t, "'now'") {
		return "NOW()"
	}
	return t
}

// pgCharFormat converts a strftime format string (quotes stripped) to a
// TO_CHAR pattern. Only the subset the host uses is supported.
func pgCharFormat(fmt string) (string, bool) {
	var b strings.Builder
	i := 0
	for i < len(fmt) {
		if fmt[i] == '%' && i+1 < len(fmt) {
			switch fmt[i+1] {
			case 'Y':
				b.WriteString("YYYY")
			case 'm':
				b.WriteString("MM")
			case 'd':
				b.WriteString("DD")
			case 'H':
				b.WriteString("HH24")
			case 'M':
				b.WriteString("MI")
			case 'S':
				b.WriteString("SS")
			case 'j':
				b.WriteString("DDD")
			case 'f':
				b.WriteString("SS.MS")
			case '%':
				b.WriteString("%")
			default:
				return "", false
			}
			i += 2
			continue
		}
		switch fmt[i] {
		case '-', ':', ' ', '/', '.', ',', 'T':
			if fmt[i] == 'T' {
				b.WriteString(`"T"`)
			} else {
				b.WriteByte(fmt[i])
			}
			i++
		default:
			return "", false
		}
	}
	return b.String(), true
}

// rewriteStrftime handles the two shapes the host emits: epoch extraction
// (strftime('%s', ...)) and formatted output, which maps onto TO_CHAR.
func rewriteStrftime(sql string) string {
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "strftime", from)
		if !ok {
			return sql
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		if len(args) < 2 {
			from = closeIdx
			continue
		}
		format := strings.TrimSpace(args[0])
		if len(format) < 2 || format[0] != '\'' || format[len(format)-1] != '\'' {
			from = closeIdx
			continue
		}
		format = format[1 : len(format)-1]
		base := sqliteTimeArg(args[1])
		withMods, modsOK := timeModifiers(base, args[2:])
		if !modsOK {
			from = closeIdx
			continue
		}

		var repl string
		if format == "%s" {
			repl = "EXTRACT(EPOCH FROM " + withMods + ")::bigint"
		} else if pgFmt, fmtOK := pgCharFormat(format); fmtOK {
			repl = "TO_CHAR(" + withMods + ", '" + pgFmt + "')"
		} else {
			from = closeIdx
			continue
		}
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}
}

func rewriteUnixepoch(sql string) string {
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "unixepoch", from)
		if !ok {
			return sql
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		base := "NOW()"
		if len(args) >= 1 && strings.TrimSpace(args[0]) != "" {
			base = sqliteTimeArg(args[0])
		}
		withMods, modsOK := timeModifiers(base, args[1:])
		if !modsOK {
			from = closeIdx
			continue
		}
		repl := "EXTRACT(EPOCH FROM " + withMods + ")::bigint"
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}
}

// rewriteDatetimeNow maps datetime('now')/date('now') and the unixepoch
// conversion form onto NOW()/CURRENT_DATE/TO_TIMESTAMP.
func rewriteDatetimeNow(sql string) string {
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "datetime", from)
		if !ok {
			break
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		var repl string
		switch {
		case len(args) >= 1 && strings.EqualFold(strings.TrimSpace(args[0]), "'now'"):
			withMods, modsOK := timeModifiers("NOW()", args[1:])
			if !modsOK {
				from = closeIdx
				continue
			}
			repl = withMods
		case len(args) == 2 && strings.EqualFold(strings.TrimSpace(args[1]), "'unixepoch'"):
			repl = "TO_TIMESTAMP(" + strings.TrimSpace(args[0]) + ")"
		default:
			from = closeIdx
			continue
		}
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}

	from = 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "date", from)
		if !ok {
			return sql
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		if len(args) == 1 && strings.EqualFold(strings.TrimSpace(args[0]), "'now'") {
			sql = sql[:nameIdx] + "CURRENT_DATE" + sql[closeIdx+1:]
			from = nameIdx + len("CURRENT_DATE")
			continue
		}
		from = closeIdx
	}
}

var lastInsertRowidRe = regexp.MustCompile(`(?i)\blast_insert_rowid\s*\(\s*\)`)

func rewriteLastInsertRowid(sql string) string {
	return lastInsertRowidRe.ReplaceAllString(sql, "lastval()")
}

// rewriteJSONEach maps json_each onto json_array_elements. The host only uses
// the table-valued form over JSON arrays, reading json_each.value.
func rewriteJSONEach(sql string) string {
	if indexOutsideStrings(sql, "json_each", 0, true) < 0 {
		return sql
	}
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "json_each", from)
		if !ok {
			break
		}
		arg := strings.TrimSpace(sql[open+1 : closeIdx])
		if !strings.Contains(strings.ToLower(arg), "::json") {
			arg += "::json"
		}
		repl := "json_array_elements(" + arg + ")"
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}
	sql = regexp.MustCompile(`(?i)\bjson_each\.value\b`).ReplaceAllString(sql, "value::text")
	return sql
}

// rewriteJSONExtract converts json_extract(col, '$.a.b') into the native
// ->>/#>> operators, and strips '$.'-style paths used with ->>.
func rewriteJSONExtract(sql string) string {
	from := 0
	for {
		nameIdx, open, closeIdx, ok := findCall(sql, "json_extract", from)
		if !ok {
			break
		}
		args := splitTopLevel(sql[open+1:closeIdx], ',')
		if len(args) != 2 {
			from = closeIdx
			continue
		}
		col := strings.TrimSpace(args[0])
		path := strings.TrimSpace(args[1])
		if len(path) < 4 || path[0] != '\'' || path[len(path)-1] != '\'' || !strings.HasPrefix(path[1:], "$.") {
			from = closeIdx
			continue
		}
		segs := strings.Split(path[3:len(path)-1], ".")
		var repl string
		if len(segs) == 1 {
			repl = col + "->>'" + segs[0] + "'"
		} else {
			repl = col + "#>>'{" + strings.Join(segs, ",") + "}'"
		}
		sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
		from = nameIdx + len(repl)
	}
	// ->> '$.key' written directly
	sql = regexp.MustCompile(`->>\s*'\$\.([A-Za-z0-9_]+)'`).ReplaceAllString(sql, "->>'$1'")
	return sql
}

var (
	ifnullRe = regexp.MustCompile(`(?i)\bifnull\s*\(`)
	substrRe = regexp.MustCompile(`(?i)\bsubstr\s*\(`)
)

func rewriteIfnullSubstr(sql string) string {
	sql = ifnullRe.ReplaceAllString(sql, "COALESCE(")
	sql = substrRe.ReplaceAllString(sql, "SUBSTRING(")
	return sql
}

// rewriteScalarMaxMin converts SQLite's scalar multi-argument max/min into
// GREATEST/LEAST. Single-argument calls are aggregates and stay put.
func rewriteScalarMaxMin(sql string) string {
	for _, fn := range [2][2]string{{"max", "GREATEST"}, {"min", "LEAST"}} {
		from := 0
		for {
			nameIdx, open, closeIdx, ok := findCall(sql, fn[0], from)
			if !ok {
				break
			}
			args := splitTopLevel(sql[open+1:closeIdx], ',')
			if len(args) < 2 {
				from = closeIdx
				continue
			}
			repl := fn[1] + "(" + sql[open+1:closeIdx] + ")"
			sql = sql[:nameIdx] + repl + sql[closeIdx+1:]
			from = nameIdx + len(repl)
		}
	}
	return sql
}

var caseBoolRe = regexp.MustCompile(`(?i)\b(THEN|ELSE)\s+'([tf])'`)

// rewriteCaseBooleans maps CASE branch literals 't'/'f' onto real booleans so
// the branches agree with boolean columns in the other arm.
func rewriteCaseBooleans(sql string) string {
	if indexOutsideStrings(sql, "case", 0, true) < 0 {
		return sql
	}
	return caseBoolRe.ReplaceAllStringFunc(sql, func(m string) string {
		g := caseBoolRe.FindStringSubmatch(m)
		val := "TRUE"
		if strings.EqualFold(g[2], "f") {
			val = "FALSE"
		}
		return g[1] + " " + val
	})
}

// rewriteNullOrdering pins SQLite's NULL placement (smallest value: first in
// ASC, last in DESC) onto the final ORDER BY, which PostgreSQL defaults the
// other way around.
func rewriteNullOrdering(sql string) string {
	lower := strings.ToLower(sql)
	head := strings.ToLower(stripLeading(sql))
	if !strings.HasPrefix(head, "select") && !strings.HasPrefix(head, "with") {
		return sql
	}
	idx := -1
	for probe := findTopLevelKeyword(lower, "order by", 0); probe >= 0; probe = findTopLevelKeyword(lower, "order by", probe+1) {
		idx = probe
	}
	if idx < 0 {
		return sql
	}
	start := idx + len("order by")
	end := len(sql)
	for _, kw := range []string{"limit", "offset"} {
		if e := findTopLevelKeyword(lower, kw, start); e >= 0 && e < end {
			end = e
		}
	}

	items := splitTopLevel(sql[start:end], ',')
	changed := false
	for i, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" || strings.Contains(strings.ToLower(trimmed), " nulls ") ||
			strings.HasSuffix(strings.ToLower(trimmed), " nulls first") ||
			strings.HasSuffix(strings.ToLower(trimmed), " nulls last") {
			continue
		}
		lowerItem := strings.ToLower(trimmed)
		switch {
		case strings.HasSuffix(lowerItem, " desc"):
			items[i] = " " + trimmed + " NULLS LAST"
		case strings.HasSuffix(lowerItem, " asc"):
			items[i] = " " + trimmed + " NULLS FIRST"
		default:
			items[i] = " " + trimmed + " NULLS FIRST"
		}
		changed = true
	}
	if !changed {
		return sql
	}
	out := sql[:start] + strings.Join(items, ",")
	if end < len(sql) {
		out += " " + strings.TrimLeft(sql[end:], " \t\n\r")
	}
	return out
}
