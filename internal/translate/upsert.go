package translate

import (
	"regexp"
	"strings"
)

var (
	insertIgnoreRe  = regexp.MustCompile(`(?i)^(\s*)insert\s+or\s+ignore\s+into\b`)
	insertReplaceRe = regexp.MustCompile(`(?i)^(\s*)insert\s+or\s+replace\s+into\b`)
	replaceIntoRe   = regexp.MustCompile(`(?i)^(\s*)replace\s+into\b`)
)

// conflictKeys maps tables whose REPLACE INTO traffic can be expressed as a
// proper upsert onto the unique key the server relies on.
var conflictKeys = map[string][]string{
	"metadata_item_settings": {"account_id", "guid"},
	"media_part_settings":    {"account_id", "media_part_id"},
	"preferences":            {"name"},
	"statistics_bandwidth":   {"account_id", "device_id", "timespan", "at"},
	"statistics_media":       {"account_id", "device_id", "timespan", "at", "metadata_type"},
	"statistics_resources":   {"timespan", "at"},
}

// noIDTables lists tables without a surrogate id column, so INSERTs against
// them must not gain a RETURNING clause.
var noIDTables = map[string]bool{
	"schema_migrations": true,
	"sqlite_sequence":   true,
}

// rewriteUpserts converts the SQLite conflict-resolution INSERT forms into
// ON CONFLICT clauses and makes every plain INSERT report its new row id.
func rewriteUpserts(sql string, class Class) string {
	wasIgnore := false
	wasReplace := false
	switch {
	case insertIgnoreRe.MatchString(sql):
		sql = insertIgnoreRe.ReplaceAllString(sql, "${1}INSERT INTO")
		wasIgnore = true
	case insertReplaceRe.MatchString(sql):
		sql = insertReplaceRe.ReplaceAllString(sql, "${1}INSERT INTO")
		wasReplace = true
	case replaceIntoRe.MatchString(sql):
		sql = replaceIntoRe.ReplaceAllString(sql, "${1}INSERT INTO")
		wasReplace = true
	case class.Kind != KindInsert:
		return sql
	}

	table, cols, ok := parseInsertHead(sql)
	if !ok {
		return sql
	}

	hasConflict := hasTopLevelKeyword(strings.ToLower(sql), "conflict")
	hasReturning := class.HasReturning || hasTopLevelKeyword(strings.ToLower(sql), "returning")

	if !hasConflict {
		switch {
		case table == "metadata_item_settings" && containsAll(cols, "account_id", "guid"):
			sql = appendBeforeReturning(sql, settingsConflictClause(cols))
		case wasReplace:
			if clause := replaceConflictClause(table, cols); clause != "" {
				sql = appendBeforeReturning(sql, clause)
			}
		case wasIgnore:
			sql = appendBeforeReturning(sql, " ON CONFLICT DO NOTHING")
		}
	}

	if !hasReturning && !noIDTables[table] {
		sql = strings.TrimRight(sql, " \t\n;") + " RETURNING id"
	}
	return sql
}

// parseInsertHead pulls the target table and explicit column list out of an
// INSERT statement. A missing column list yields ok with empty cols.
func parseInsertHead(sql string) (table string, cols []string, ok bool) {
	lower := strings.ToLower(sql)
	idx := findTopLevelKeyword(lower, "into", 0)
	if idx < 0 {
		return "", nil, false
	}
	i := idx + len("into")
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n') {
		i++
	}
	start := i
	for i < len(sql) && (isWordByte(sql[i]) || sql[i] == '"' || sql[i] == '.') {
		i++
	}
	table = strings.ToLower(stripQuotes(sql[start:i]))
	if dot := strings.LastIndexByte(table, '.'); dot >= 0 {
		table = table[dot+1:]
	}
	if table == "" {
		return "", nil, false
	}
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n') {
		i++
	}
	if i >= len(sql) || sql[i] != '(' {
		return table, nil, true
	}
	end := matchingParen(sql, i)
	if end < 0 {
		return "", nil, false
	}
	for _, c := range splitTopLevel(sql[i+1:end], ',') {
		cols = append(cols, strings.ToLower(stripQuotes(strings.TrimSpace(c))))
	}
	return table, cols, true
}

// settingsConflictClause builds the merge clause the server expects for
// metadata_item_settings: progress and ratings survive, view counts only
// ever grow.
func settingsConflictClause(cols []string) string {
	var sets []string
	for _, c := range cols {
		switch c {
		case "account_id", "guid", "id":
			continue
		case "view_count":
			sets = append(sets, "view_count = GREATEST(COALESCE(metadata_item_settings.view_count, 0), COALESCE(EXCLUDED.view_count, 0))")
		case "rating", "view_offset", "last_viewed_at", "last_rated_at", "skip_count", "last_skipped_at":
			sets = append(sets, c+" = COALESCE(EXCLUDED."+c+", metadata_item_settings."+c+")")
		default:
			sets = append(sets, c+" = EXCLUDED."+c)
		}
	}
	if len(sets) == 0 {
		return " ON CONFLICT (account_id, guid) DO NOTHING"
	}
	return " ON CONFLICT (account_id, guid) DO UPDATE SET " + strings.Join(sets, ", ")
}

// replaceConflictClause expresses REPLACE INTO as an upsert when the table's
// unique key is known and fully present in the column list.
func replaceConflictClause(table string, cols []string) string {
	keys, known := conflictKeys[table]
	if !known || len(cols) == 0 || !containsAll(cols, keys...) {
		return ""
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	var sets []string
	for _, c := range cols {
		if keySet[c] || c == "id" {
			continue
		}
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	if len(sets) == 0 {
		return " ON CONFLICT (" + strings.Join(keys, ", ") + ") DO NOTHING"
	}
	return " ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// appendBeforeReturning inserts a clause at the end of the statement but
// ahead of any existing RETURNING.
func appendBeforeReturning(sql, clause string) string {
	lower := strings.ToLower(sql)
	if idx := findTopLevelKeyword(lower, "returning", 0); idx >= 0 {
		return strings.TrimRight(sql[:idx], " \t\n") + clause + " " + sql[idx:]
	}
	return strings.TrimRight(sql, " \t\n;") + clause
}

func containsAll(cols []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, c := range cols {
			if c == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
