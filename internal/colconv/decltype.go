package colconv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// Querier runs one-off SQL and materializes the rows. *pgclient.Client
// satisfies it.
type Querier interface {
	ExecParams(ctx context.Context, sql string, params [][]byte) (*pgclient.Result, error)
}

// DeclCache answers declared-type questions with the host's original column
// declarations. The schema carries a side table mapping every (table, column)
// to the declaration the host's ORM saw before the migration; returning those
// exact strings keeps its type dispatch working. The cache loads once and
// also memoizes pg_class relname lookups for columns that arrive without a
// table-qualified alias.
type DeclCache struct {
	schema string

	sf singleflight.Group

	mu     sync.RWMutex
	types  map[string]string // "table_column" -> declared type
	tables map[uint32]string // pg_class oid -> relname
	loaded bool
}

func NewDeclCache(schema string) *DeclCache {
	return &DeclCache{
		schema: schema,
		types:  make(map[string]string),
		tables: make(map[uint32]string),
	}
}

// Loaded reports whether the preload has run, successfully or not.
func (d *DeclCache) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Preload pulls the whole side table in one query. Concurrent callers share
// a single load. A failed load still marks the cache loaded; per-request
// retries against a broken table would stall every column access.
func (d *DeclCache) Preload(ctx context.Context, q Querier) {
	if d.Loaded() {
		return
	}
	d.sf.Do("preload", func() (interface{}, error) {
		if d.Loaded() {
			return nil, nil
		}
		sql := fmt.Sprintf(
			"SELECT table_name, column_name, declared_type FROM %s.sqlite_column_types",
			d.schema)
		res, err := q.ExecParams(ctx, sql, nil)

		types := make(map[string]string)
		if err != nil {
			logger.Warn("declared-type preload failed: %v", err)
		} else {
			for _, row := range res.Rows {
				if len(row) < 3 || row[0] == nil || row[1] == nil || row[2] == nil {
					continue
				}
				types[string(row[0])+"_"+string(row[1])] = string(row[2])
			}
			logger.Info("declared-type cache loaded: %d columns", len(types))
		}

		d.mu.Lock()
		d.types = types
		d.loaded = true
		d.mu.Unlock()
		return nil, nil
	})
}

// Lookup resolves an aliased result column like "devices_id". The alias must
// carry both halves of a table_column key to be worth a map probe.
func (d *DeclCache) Lookup(alias string) (string, bool) {
	i := strings.IndexByte(alias, '_')
	if i <= 0 || i == len(alias)-1 {
		return "", false
	}
	d.mu.RLock()
	t, ok := d.types[alias]
	d.mu.RUnlock()
	return t, ok
}

// LookupColumn resolves a bare column once its source table is known.
func (d *DeclCache) LookupColumn(table, column string) (string, bool) {
	if table == "" || column == "" {
		return "", false
	}
	d.mu.RLock()
	t, ok := d.types[table+"_"+column]
	d.mu.RUnlock()
	return t, ok
}

// TableNames maps pg_class OIDs to relnames, resolving unknown ones in a
// single round trip. Zero OIDs (computed columns) are skipped. Resolution
// failures degrade to whatever the cache already had.
func (d *DeclCache) TableNames(ctx context.Context, q Querier, oids []uint32) map[uint32]string {
	out := make(map[uint32]string, len(oids))
	missing := make(map[uint32]bool)

	d.mu.RLock()
	for _, oid := range oids {
		if oid == 0 {
			continue
		}
		if name, ok := d.tables[oid]; ok {
			out[oid] = name
		} else {
			missing[oid] = true
		}
	}
	d.mu.RUnlock()

	if len(missing) == 0 {
		return out
	}

	ids := make([]uint32, 0, len(missing))
	for oid := range missing {
		ids = append(ids, oid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString("SELECT oid, relname FROM pg_class WHERE oid IN (")
	for i, oid := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(oid), 10))
	}
	b.WriteByte(')')

	res, err := q.ExecParams(ctx, b.String(), nil)
	if err != nil {
		logger.Debug("table name resolution failed: %v", err)
		return out
	}

	d.mu.Lock()
	for _, row := range res.Rows {
		if len(row) < 2 || row[0] == nil || row[1] == nil {
			continue
		}
		oid, perr := strconv.ParseUint(string(row[0]), 10, 32)
		if perr != nil {
			continue
		}
		name := string(row[1])
		d.tables[uint32(oid)] = name
		out[uint32(oid)] = name
	}
	d.mu.Unlock()
	return out
}
