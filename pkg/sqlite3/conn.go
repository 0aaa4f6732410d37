package sqlite3

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/jabrown93/plex-postgresql-sub002/internal/colconv"
	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/internal/realdb"
	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// Open flags, matching the SQLITE_OPEN_* values the host passes.
const (
	OpenReadOnly  = 0x1
	OpenReadWrite = 0x2
	OpenCreate    = 0x4
)

// Version strings reported through Libversion. The host only checks the
// major version, but the full triple keeps version-gated code paths honest.
const (
	libVersion       = "3.42.0"
	libVersionNumber = 3042000
)

// recentStmts is the per-connection MRU depth; displaced statements lose the
// connection's reference.
const recentStmts = 8

// Conn is one host-visible database handle. For intercepted paths it fronts
// a pool of PostgreSQL connections and keeps a shadow SQLite handle on the
// real file for fallback; for everything else it is a thin wrapper over the
// real engine.
type Conn struct {
	handle     uint64
	path       string
	redirected bool
	token      uint64 // pool affinity token

	real *realdb.DB
	s    *shimState

	mu     sync.Mutex
	closed bool

	errMu   sync.Mutex
	lastErr *Error

	changes      atomic.Int64
	totalChanges atomic.Int64
	lastRowID    atomic.Int64

	interrupted  atomic.Bool
	prepareDepth atomic.Int32

	recentMu sync.Mutex
	recent   []*Stmt
}

// Open opens path read-write, creating it when missing.
func Open(path string) (*Conn, error) {
	return OpenFlags(path, OpenReadWrite|OpenCreate)
}

// OpenFlags opens path with SQLITE_OPEN_* flags. When the path names the
// intercepted database and the shim is ready, the connection is redirected;
// the real file stays open underneath either way.
func OpenFlags(path string, flags int) (*Conn, error) {
	s := currentState()

	opts := realdb.OpenOptions{
		ReadOnly: flags&OpenReadOnly != 0 && flags&OpenReadWrite == 0,
		Create:   flags&OpenCreate != 0,
	}
	real, err := realdb.Open(path, opts)
	if err != nil {
		return nil, errCode(CANTOPEN, "unable to open database file %s: %v", path, err)
	}

	c := &Conn{path: path, real: real, s: s}
	if s != nil {
		c.handle = s.handleSeq.Add(1)
		if s.ready.Load() && s.cfg.Intercepts(path) {
			c.redirected = true
			c.token = s.pool.NextToken()
			bootstrapShadowSchema(real)
			logger.Info("open intercepted database %s (token %d)", path, c.token)
		}
	}
	return c, nil
}

// Redirected reports whether this connection forwards to PostgreSQL.
func (c *Conn) Redirected() bool { return c.redirected }

// Path returns the file path the connection was opened with.
func (c *Conn) Path() string { return c.path }

// Close releases the connection. Statements the host never finalized keep
// their own references and die with them.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.recentMu.Lock()
	recent := c.recent
	c.recent = nil
	c.recentMu.Unlock()
	for _, st := range recent {
		st.unref()
	}

	if err := c.real.Close(); err != nil {
		return errCode(ERROR, "close %s: %v", c.path, err)
	}
	return nil
}

// setError records the connection's last error for errmsg/errcode.
func (c *Conn) setError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if err == nil {
		c.lastErr = nil
		return
	}
	if e, ok := err.(*Error); ok {
		c.lastErr = e
		return
	}
	c.lastErr = &Error{Code: ERROR, Message: err.Error()}
}

// ErrMsg returns the text of the most recent error, or "not an error".
func (c *Conn) ErrMsg() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastErr == nil {
		return codeText(OK)
	}
	return c.lastErr.Error()
}

// ErrCode returns the code of the most recent error.
func (c *Conn) ErrCode() int {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastErr == nil {
		return OK
	}
	return c.lastErr.Code
}

// ExtendedErrCode matches ErrCode; the shim does not produce extended codes.
func (c *Conn) ExtendedErrCode() int { return c.ErrCode() }

// addRecent keeps st on the connection's recently-used list with one
// reference, displacing the oldest entry.
func (c *Conn) addRecent(st *Stmt) {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	for _, have := range c.recent {
		if have == st {
			return
		}
	}
	st.ref()
	c.recent = append(c.recent, st)
	if len(c.recent) > recentStmts {
		old := c.recent[0]
		c.recent = append(c.recent[:0], c.recent[1:]...)
		old.unref()
	}
}

// dropRecent removes st from the recently-used list, releasing its
// reference.
func (c *Conn) dropRecent(st *Stmt) {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	for i, have := range c.recent {
		if have != st {
			continue
		}
		c.recent = append(c.recent[:i], c.recent[i+1:]...)
		st.unref()
		return
	}
}

// withClient runs fn on a pooled backend connection.
func (c *Conn) withClient(fn func(cl *pgclient.Client) error) error {
	s := c.s
	if s == nil {
		return errNotReady
	}
	lease, err := s.pool.Acquire(context.Background(), c.token)
	if err != nil {
		return err
	}
	err = fn(lease.Client)
	if err != nil {
		lease.ReleaseAfterError(err)
	} else {
		lease.Release()
	}
	return err
}

// Prepare compiles sql into a statement handle.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	return c.prepare(sql, false)
}

// Prepare16 accepts UTF-16LE encoded SQL, the 16-bit prepare variant.
func (c *Conn) Prepare16(sql16 []byte) (*Stmt, error) {
	u := make([]uint16, 0, len(sql16)/2)
	for i := 0; i+1 < len(sql16); i += 2 {
		cu := uint16(sql16[i]) | uint16(sql16[i+1])<<8
		if cu == 0 {
			break
		}
		u = append(u, cu)
	}
	return c.prepare(string(utf16.Decode(u)), false)
}

func (c *Conn) prepare(sql string, fromWorker bool) (*Stmt, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errCode(MISUSE, "prepare on closed connection")
	}

	s := c.s
	if !c.redirected || s == nil || !s.ready.Load() {
		return c.preparePassthrough(sql)
	}
	s.noteQuery(sql)

	if s.loops.Observe(sql) {
		logger.Warn("prepare loop detected, downgrading to pass-through: %.120s", sql)
		s.recordFallback("loop", sql, "", nil)
		return c.preparePassthrough(sql)
	}

	depth := int(c.prepareDepth.Add(1))
	defer c.prepareDepth.Add(-1)
	if !fromWorker {
		shim := s.cfg.Shim
		if shim.RefuseDepth > 0 && depth >= shim.RefuseDepth {
			err := errCode(ERROR, "prepare recursion depth %d exceeded", depth)
			c.setError(err)
			return nil, err
		}
		delegateAt := shim.DelegateDepth
		if translate.OnDeck(sql) && shim.OnDeckDelegateDepth > 0 {
			delegateAt = shim.OnDeckDelegateDepth
		}
		if delegateAt > 0 && depth >= delegateAt {
			return s.worker.delegate(c, sql)
		}
	}
	return c.prepareRedirected(sql)
}

// preparePassthrough compiles sql on the real engine only.
func (c *Conn) preparePassthrough(sql string) (*Stmt, error) {
	rs, err := c.real.Prepare(sql)
	if err != nil {
		code := ERROR
		if realdb.IsBusy(err) {
			code = BUSY
		}
		e := errCode(code, "%v", err)
		c.setError(e)
		return nil, e
	}
	st := newStmt(c, sql, nil, rs)
	st.passthrough = true
	return st, nil
}

// prepareRedirected builds the shadow statement: translated SQL, real-engine
// companion, server-side prepared statement (which also yields column
// metadata before the first step), registry entry.
func (c *Conn) prepareRedirected(sql string) (*Stmt, error) {
	s := c.s
	tr := translate.Translate(sql)
	s.translations.Add(1)
	metrics.TranslationsTotal.Inc()
	if logger.IsDebug() && tr.SQL != sql {
		logger.Debug("translated: %.200s -> %.200s", sql, tr.SQL)
	}

	if tr.ParamCount > translate.MaxParams {
		err := errCode(RANGE, "statement has %d parameters, limit is %d", tr.ParamCount, translate.MaxParams)
		c.setError(err)
		return nil, err
	}

	// A re-run of an ALTER TABLE ADD the real file already has would fail on
	// both engines; neuter the backend side and let the real prepare decide.
	if table, column, ok := parseAlterAddColumn(sql); ok && c.realHasColumn(table, column) {
		logger.Info("ALTER TABLE %s ADD %s deduplicated, column exists", table, column)
		tr = translate.Translate("SELECT 1 WHERE 0")
	}

	rs, rerr := c.real.Prepare(sql)
	if rerr != nil {
		logger.Debug("shadow prepare failed (continuing backend-only): %v", rerr)
		rs = nil
	}

	st := newStmt(c, sql, tr, rs)

	// Server-side prepare up front: validates the translation and hands the
	// host column metadata before the first step.
	name := fmt.Sprintf("ps_%x", translate.Fingerprint(tr.SQL))
	derr := c.withClient(func(cl *pgclient.Client) error {
		sd, err := cl.PrepareCached(context.Background(), name, tr.SQL)
		if err != nil {
			return err
		}
		st.metaFields = sd.Fields
		return nil
	})
	if derr != nil {
		// Backend refused the statement (or no slot was available): this
		// statement runs on the real engine alone.
		s.recordFallback("prepare", sql, tr.SQL, derr)
		if rs == nil {
			err := errCode(ERROR, "prepare failed on both engines: %v", derr)
			c.setError(err)
			return nil, err
		}
		st.passthrough = true
		return st, nil
	}

	if !s.registry.register(st.handle, st) {
		if rs != nil {
			st.passthrough = true
			return st, nil
		}
		err := errCode(NOMEM, "statement registry full")
		c.setError(err)
		return nil, err
	}
	st.registered = true
	c.addRecent(st)
	metrics.RedirectedTotal.WithLabelValues(kindLabel(tr.Class.Kind)).Inc()
	return st, nil
}

func kindLabel(k translate.Kind) string {
	switch k {
	case translate.KindSelect:
		return "select"
	case translate.KindInsert:
		return "insert"
	case translate.KindUpdate:
		return "update"
	case translate.KindDelete:
		return "delete"
	case translate.KindDDL:
		return "ddl"
	case translate.KindTCL:
		return "tcl"
	case translate.KindPragma:
		return "pragma"
	}
	return "other"
}

// realHasColumn checks the shadow file's schema via PRAGMA table_info.
func (c *Conn) realHasColumn(table, column string) bool {
	rows, err := c.real.Query(fmt.Sprintf("PRAGMA table_info(%q)", table), nil)
	if err != nil {
		return false
	}
	defer rows.Close()
	for {
		// table_info: cid, name, type, notnull, dflt_value, pk
		vals := make([]driver.Value, len(rows.Columns()))
		if err := rows.Next(vals); err != nil {
			return false
		}
		if len(vals) > 1 {
			if name, ok := vals[1].(string); ok && strings.EqualFold(name, column) {
				return true
			}
		}
	}
}

// parseAlterAddColumn recognizes "ALTER TABLE t ADD [COLUMN] c ...".
func parseAlterAddColumn(sql string) (table, column string, ok bool) {
	fields := strings.Fields(sql)
	if len(fields) < 5 ||
		!strings.EqualFold(fields[0], "alter") ||
		!strings.EqualFold(fields[1], "table") ||
		!strings.EqualFold(fields[3], "add") {
		return "", "", false
	}
	table = strings.Trim(fields[2], `"'`+"`")
	col := fields[4]
	if strings.EqualFold(col, "column") {
		if len(fields) < 6 {
			return "", "", false
		}
		col = fields[5]
	}
	return table, strings.Trim(col, `"'`+"`"), true
}

// Interrupt makes the next step on any of this connection's statements
// return INTERRUPT.
func (c *Conn) Interrupt() {
	c.interrupted.Store(true)
}

// Changes reports the row count of the most recent write on this connection.
func (c *Conn) Changes() int { return int(c.changes.Load()) }

// Changes64 is Changes with the full 64-bit range.
func (c *Conn) Changes64() int64 { return c.changes.Load() }

// TotalChanges accumulates write counts over the connection's lifetime.
func (c *Conn) TotalChanges() int64 { return c.totalChanges.Load() }

// LastInsertRowID reports the rowid of the most recent INSERT. Redirected
// connections prefer the id captured from RETURNING and otherwise ask the
// backend for lastval(); a session with no sequence use yields 0.
func (c *Conn) LastInsertRowID() int64 {
	if !c.redirected {
		return c.real.LastInsertRowID()
	}
	if id := c.lastRowID.Load(); id != 0 {
		return id
	}
	var id int64
	err := c.withClient(func(cl *pgclient.Client) error {
		res, err := cl.ExecParams(context.Background(), "SELECT lastval()", nil)
		if err != nil {
			return err
		}
		if v, ok := res.FirstValue(); ok {
			id = colconv.ParseInt(v)
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return id
}

// SetLastInsertRowID overrides the rowid bookkeeping; the generator INSERT
// path uses it with ids extracted from library URIs.
func (c *Conn) SetLastInsertRowID(id int64) {
	c.lastRowID.Store(id)
}

// BusyTimeout applies a busy timeout to the real engine; the backend side is
// bounded by statement_timeout instead.
func (c *Conn) BusyTimeout(ms int) error {
	if ms < 0 {
		ms = 0
	}
	return c.real.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
}

// GetAutocommit reports whether the connection is outside an explicit
// transaction, read from the real engine which sees every BEGIN/COMMIT.
func (c *Conn) GetAutocommit() bool {
	return c.real.AutoCommit()
}

// CreateCollation registers a collation on the real engine. Names containing
// "icu" are acknowledged without registration: the backend collates those
// columns itself and the shadow file's ICU indexes were dropped at open.
func (c *Conn) CreateCollation(name string, cmp func(string, string) int) error {
	if strings.Contains(strings.ToLower(name), "icu") {
		logger.Debug("ignoring ICU collation %q", name)
		return nil
	}
	if err := c.real.RegisterCollation(name, cmp); err != nil {
		e := errCode(ERROR, "create collation %s: %v", name, err)
		c.setError(e)
		return e
	}
	return nil
}

// CreateCollationV2 matches the v2 entry point; the destructor the C API
// takes has no meaning under a garbage collector.
func (c *Conn) CreateCollationV2(name string, cmp func(string, string) int, _ func()) error {
	return c.CreateCollation(name, cmp)
}

// WALCheckpoint is a no-op on redirected connections; the backend has no WAL
// to checkpoint. Pass-through connections run the real pragma.
func (c *Conn) WALCheckpoint() error {
	if c.redirected {
		return nil
	}
	return c.real.Exec("PRAGMA wal_checkpoint(PASSIVE)")
}

// WALAutocheckpoint configures the real engine's autocheckpoint; no-op when
// redirected.
func (c *Conn) WALAutocheckpoint(pages int) error {
	if c.redirected {
		return nil
	}
	return c.real.Exec(fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", pages))
}

// ColumnMetadata is the table_column_metadata result shape.
type ColumnMetadata struct {
	DeclType   string
	CollSeq    string
	NotNull    bool
	PrimaryKey bool
	AutoInc    bool
}

// TableColumnMetadata describes one column. Redirected connections ask the
// backend's information_schema; others read PRAGMA table_info.
func (c *Conn) TableColumnMetadata(table, column string) (*ColumnMetadata, error) {
	if !c.redirected {
		return c.realColumnMetadata(table, column)
	}
	var meta *ColumnMetadata
	err := c.withClient(func(cl *pgclient.Client) error {
		res, err := cl.ExecParams(context.Background(),
			"SELECT data_type, is_nullable, column_default FROM information_schema.columns "+
				"WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2",
			[][]byte{[]byte(table), []byte(column)})
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			return errCode(ERROR, "no such table column: %s.%s", table, column)
		}
		row := res.Rows[0]
		meta = &ColumnMetadata{CollSeq: "BINARY"}
		if row[0] != nil {
			meta.DeclType = string(row[0])
		}
		if row[1] != nil {
			meta.NotNull = string(row[1]) == "NO"
		}
		if row[2] != nil && strings.HasPrefix(string(row[2]), "nextval(") {
			meta.PrimaryKey = true
			meta.AutoInc = true
		}
		return nil
	})
	if err != nil {
		c.setError(err)
		return nil, err
	}
	return meta, nil
}

func (c *Conn) realColumnMetadata(table, column string) (*ColumnMetadata, error) {
	rows, err := c.real.Query(fmt.Sprintf("PRAGMA table_info(%q)", table), nil)
	if err != nil {
		e := errCode(ERROR, "%v", err)
		c.setError(e)
		return nil, e
	}
	defer rows.Close()
	for {
		vals := make([]driver.Value, len(rows.Columns()))
		if nerr := rows.Next(vals); nerr != nil {
			break
		}
		if len(vals) < 6 {
			continue
		}
		name, _ := vals[1].(string)
		if !strings.EqualFold(name, column) {
			continue
		}
		meta := &ColumnMetadata{CollSeq: "BINARY"}
		if decl, ok := vals[2].(string); ok {
			meta.DeclType = decl
		}
		if nn, ok := vals[3].(int64); ok {
			meta.NotNull = nn != 0
		}
		if pk, ok := vals[5].(int64); ok {
			meta.PrimaryKey = pk != 0
		}
		return meta, nil
	}
	e := errCode(ERROR, "no such table column: %s.%s", table, column)
	c.setError(e)
	return nil, e
}

// Libversion reports the SQLite version string the shim emulates.
func Libversion() string { return libVersion }

// LibversionNumber reports the numeric form of Libversion.
func LibversionNumber() int { return libVersionNumber }

// bootstrapShadowSchema prepares the real companion file of a redirected
// database for divergence-free fallback: ICU artifacts that the backend
// replaces are dropped and the migration stub is ensured. Failures only log;
// a read-only file still works for fallback reads.
func bootstrapShadowSchema(db *realdb.DB) {
	fixups := []string{
		"DROP INDEX IF EXISTS index_title_sort_icu",
		"DROP INDEX IF EXISTS index_original_title_icu",
		"DROP TRIGGER IF EXISTS fts4_metadata_titles_before_update_icu",
		"DROP TRIGGER IF EXISTS fts4_metadata_titles_after_update_icu",
		"DROP TRIGGER IF EXISTS fts4_metadata_titles_before_delete_icu",
		"DROP TRIGGER IF EXISTS fts4_metadata_titles_after_insert_icu",
		"DROP TRIGGER IF EXISTS fts4_tag_titles_before_update_icu",
		"DROP TRIGGER IF EXISTS fts4_tag_titles_after_update_icu",
		"DROP TRIGGER IF EXISTS fts4_tag_titles_before_delete_icu",
		"DROP TRIGGER IF EXISTS fts4_tag_titles_after_insert_icu",
		"CREATE TABLE IF NOT EXISTS schema_migrations (version varchar(255) NOT NULL PRIMARY KEY)",
	}
	for _, sql := range fixups {
		if err := db.Exec(sql); err != nil {
			logger.Debug("shadow schema fixup %q: %v", sql, err)
		}
	}
}
