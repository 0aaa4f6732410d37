package translate

import (
	"strconv"
	"strings"
)

// StatisticsMediaCounterParams locates the count and duration parameters of
// an INSERT into statistics_media. The server emits one such row per playback
// tick, most of them all-zero; callers use the indexes to drop the no-op rows
// before they reach the database. The gate is deliberately strict: the VALUES
// list must be plain parameters matching the column list one to one.
func StatisticsMediaCounterParams(sql string) (countIdx, durationIdx int, ok bool) {
	table, cols, parsed := parseInsertHead(sql)
	if !parsed || table != "statistics_media" || len(cols) == 0 {
		return 0, 0, false
	}
	lower := strings.ToLower(sql)
	vIdx := findTopLevelKeyword(lower, "values", 0)
	if vIdx < 0 {
		return 0, 0, false
	}
	open := strings.IndexByte(sql[vIdx:], '(')
	if open < 0 {
		return 0, 0, false
	}
	open += vIdx
	end := matchingParen(sql, open)
	if end < 0 {
		return 0, 0, false
	}
	values := splitTopLevel(sql[open+1:end], ',')
	if len(values) != len(cols) {
		return 0, 0, false
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < 2 || v[0] != '$' {
			return 0, 0, false
		}
	}
	countIdx, durationIdx = -1, -1
	for i, c := range cols {
		switch c {
		case "count":
			countIdx = i
		case "duration":
			durationIdx = i
		}
	}
	if countIdx < 0 || durationIdx < 0 {
		return 0, 0, false
	}
	return countIdx, durationIdx, true
}

// MetadataIDFromGeneratorURI extracts the numeric item id from a library
// generator URI, e.g. "library://x/item/%2Flibrary%2Fmetadata%2F12345".
// The id feeds the redirected lookup that replaces the server's FTS probe.
func MetadataIDFromGeneratorURI(uri string) (int64, bool) {
	for _, marker := range []string{"%2Fmetadata%2F", "%2fmetadata%2f", "/metadata/"} {
		idx := strings.Index(uri, marker)
		if idx < 0 {
			continue
		}
		rest := uri[idx+len(marker):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		id, err := strconv.ParseInt(rest[:end], 10, 64)
		if err != nil {
			continue
		}
		return id, true
	}
	return 0, false
}
