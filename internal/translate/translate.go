// Package translate rewrites the host's SQLite SQL into PostgreSQL-valid SQL.
// Every rewrite is a pure string transformation; when equivalence cannot be
// assured the input is returned unchanged and the caller falls back to the
// real engine at execution time.
package translate

import (
	"hash/fnv"
	"strings"
)

// MaxParams is the per-statement parameter table capacity.
const MaxParams = 64

// Result is the outcome of translating one statement.
type Result struct {
	// SQL is the rewritten statement sent to PostgreSQL.
	SQL string
	// ParamNames holds the cleaned parameter name for each backend position
	// (index N-1 for $N); empty string for purely positional parameters.
	ParamNames []string
	// ParamTokens holds the original spelling (":id", "@name", "$x") so
	// bind_parameter_name can answer exactly what the host wrote.
	ParamTokens []string
	ParamCount  int
	Class       Class
	// OnDeck marks query shapes the host runs with shallow stack left.
	OnDeck bool
}

// Translate runs the full rewrite pipeline. It is deterministic and
// idempotent: feeding the output back in yields the same statement.
func Translate(sql string) *Result {
	res := &Result{}
	res.Class = Classify(sql)

	out, names, tokens := convertPlaceholders(sql)
	res.ParamNames = names
	res.ParamTokens = tokens
	res.ParamCount = len(names)

	out = rewriteFunctions(out)
	out = rewriteQueryShapes(out)
	out = rewriteTypes(out, res.Class)
	out = rewriteKeywords(out)
	out = rewriteBlobLiterals(out)
	out = rewriteUpserts(out, res.Class)
	out = completeGroupBy(out)

	res.SQL = out
	res.Class = Classify(out) // rewrites can change clause presence (RETURNING, ON CONFLICT)
	res.OnDeck = isOnDeck(sql)
	return res
}

// Fingerprint is the 64-bit FNV-1a hash of a translated statement, used as
// the prepared-statement and result-cache key.
func Fingerprint(sql string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(sql))
	return h.Sum64()
}

// OnDeck reports whether the statement matches one of the table combinations
// the host renders with little stack to spare; the prepare path delegates
// them to the worker earlier than other statements.
func OnDeck(sql string) bool { return isOnDeck(sql) }

// isOnDeck reports whether the statement matches one of the table
// combinations the host renders with little stack to spare.
func isOnDeck(sql string) bool {
	lower := strings.ToLower(sql)
	switch {
	case strings.Contains(lower, "metadata_item_settings") && strings.Contains(lower, "metadata_items"):
		return true
	case strings.Contains(lower, "metadata_item_views") && strings.Contains(lower, "grandparents"):
		return true
	case strings.Contains(lower, "grandparentssettings"):
		return true
	}
	return false
}
