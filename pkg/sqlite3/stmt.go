package sqlite3

import (
	"context"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/davecgh/go-spew/spew"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/internal/realdb"
	"github.com/jabrown93/plex-postgresql-sub002/internal/resultcache"
	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

const (
	bindBusyRetries = 3
	bindBusySleep   = 5 * time.Millisecond
)

// param is one slot of the statement's parameter table. text carries the
// backend wire value (nil = NULL); real carries the same value in the form
// the real engine's driver takes.
type param struct {
	bound bool
	text  []byte
	real  driver.Value
}

// Stmt is the shadow statement paired with one host-visible handle. All
// public methods lock the statement's mutex once and work on *Locked
// internals, which gives the recursive-mutex behavior bind and step rely on
// when they re-enter column helpers.
type Stmt struct {
	conn    *Conn
	handle  uint64
	origSQL string
	tr      *translate.Result // nil on pure pass-through statements
	real    *realdb.Stmt

	passthrough bool
	registered  bool

	mu        sync.Mutex
	refs      atomic.Int32
	finalized atomic.Bool

	params  [translate.MaxParams]param
	nparams int

	// statistics_media zero-row skip, decided at prepare.
	skipCountIdx    int
	skipDurationIdx int
	skipEligible    bool

	// Column metadata from the server-side prepare, available before the
	// first step and cleared on the first bind.
	metaFields []pgconn.FieldDescription

	res     *pgclient.Result
	cached  bool
	gen     uint64
	cursor  int
	stepped bool
	done    bool

	realRows *realdb.Rows
	realRow  []driver.Value
	realEOF  bool

	// Per-row decoded bytea cells, invalidated on step and reset.
	blobCache map[int][]byte
	declTypes map[int]string
}

var handleFallback atomic.Uint64

func newStmt(c *Conn, sql string, tr *translate.Result, rs *realdb.Stmt) *Stmt {
	st := &Stmt{
		conn:    c,
		origSQL: sql,
		tr:      tr,
		real:    rs,
		cursor:  -1,
	}
	if c.s != nil {
		st.handle = c.s.handleSeq.Add(1)
	} else {
		st.handle = handleFallback.Add(1)
	}
	st.refs.Store(1)
	if tr != nil {
		st.skipCountIdx, st.skipDurationIdx, st.skipEligible =
			translate.StatisticsMediaCounterParams(tr.SQL)
	}
	return st
}

// Handle is the opaque token the registry keys on.
func (s *Stmt) Handle() uint64 { return s.handle }

// DBHandle returns the owning connection.
func (s *Stmt) DBHandle() *Conn { return s.conn }

// SQL returns the text the statement was prepared from.
func (s *Stmt) SQL() string { return s.origSQL }

func (s *Stmt) ref() {
	s.refs.Add(1)
}

func (s *Stmt) unref() {
	n := s.refs.Add(-1)
	if n < 0 {
		// Underflow is an invariant violation; leave the object alone so a
		// post-mortem can see it.
		logger.Error("statement refcount underflow (%d): %.120s", n, s.origSQL)
		return
	}
	if n == 0 {
		s.destroy()
	}
}

func (s *Stmt) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearResultLocked()
	if s.real != nil {
		if err := s.real.Close(); err != nil {
			logger.Debug("real statement close: %v", err)
		}
		s.real = nil
	}
}

// Finalize releases the host's handle: the registry entry, the connection's
// recently-used reference and the creation reference all go.
func (s *Stmt) Finalize() error {
	if s.finalized.Swap(true) {
		return errStmtFinalized
	}
	if s.registered && s.conn.s != nil {
		s.conn.s.registry.unregister(s.handle)
	}
	s.conn.dropRecent(s)
	s.unref()
	return nil
}

// --- binding ---

func (s *Stmt) bind(i int, p param) error {
	pc := s.BindParameterCount()
	if i < 1 || i > translate.MaxParams || (pc >= 0 && i > pc) {
		return errCode(RANGE, "bind index %d out of range (1..%d)", i, pc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized.Load() {
		return errStmtFinalized
	}

	// Parameters invalidate the described-only metadata and any cursor left
	// over from a previous execution.
	s.metaFields = nil
	if s.stepped || s.realRows != nil {
		if err := s.resetForBindLocked(); err != nil {
			return err
		}
	}

	p.bound = true
	s.params[i-1] = p
	if i > s.nparams {
		s.nparams = i
	}
	if logger.IsDebug() {
		logger.Debug("bind %d = %s", i, spew.Sprintf("%#v", p.real))
	}
	return nil
}

// resetForBindLocked clears execution state before a rebind, retrying when
// the real engine reports the statement busy from another thread mid-step.
func (s *Stmt) resetForBindLocked() error {
	var err error
	for attempt := 0; attempt < bindBusyRetries; attempt++ {
		err = s.closeRealRowsLocked()
		if err == nil {
			s.clearResultLocked()
			s.stepped = false
			s.done = false
			return nil
		}
		time.Sleep(bindBusySleep)
	}
	e := errCode(BUSY, "statement busy at bind: %v", err)
	s.conn.setError(e)
	return e
}

// BindInt binds a platform int at 1-based position i.
func (s *Stmt) BindInt(i, v int) error { return s.BindInt64(i, int64(v)) }

// BindInt64 binds an integer; the backend receives decimal ASCII.
func (s *Stmt) BindInt64(i int, v int64) error {
	return s.bind(i, param{text: strconv.AppendInt(nil, v, 10), real: v})
}

// BindDouble binds a float formatted with 17 significant digits, enough to
// round-trip any IEEE double.
func (s *Stmt) BindDouble(i int, v float64) error {
	return s.bind(i, param{text: strconv.AppendFloat(nil, v, 'g', 17, 64), real: v})
}

// BindNull binds SQL NULL.
func (s *Stmt) BindNull(i int) error {
	return s.bind(i, param{text: nil, real: nil})
}

// BindText binds a string. Text carrying control bytes or invalid UTF-8 is
// sent as a bytea hex literal instead; the backend rejects such bytes in a
// text datum where the real engine stores them happily.
func (s *Stmt) BindText(i int, v string) error {
	b := []byte(v)
	if isCleanText(b) {
		return s.bind(i, param{text: b, real: v})
	}
	return s.bind(i, param{text: hexByteaLiteral(b), real: v})
}

// BindText16 binds UTF-16LE encoded text, converted to UTF-8 first.
func (s *Stmt) BindText16(i int, v []byte) error {
	u := make([]uint16, 0, len(v)/2)
	for j := 0; j+1 < len(v); j += 2 {
		cu := uint16(v[j]) | uint16(v[j+1])<<8
		if cu == 0 {
			break
		}
		u = append(u, cu)
	}
	return s.BindText(i, string(utf16.Decode(u)))
}

// BindBlob binds binary data, sent to the backend as a \x hex literal in
// text wire format.
func (s *Stmt) BindBlob(i int, v []byte) error {
	cp := make([]byte, len(v))
	copy(cp, v)
	return s.bind(i, param{text: hexByteaLiteral(cp), real: cp})
}

// BindZeroBlob binds n zero bytes.
func (s *Stmt) BindZeroBlob(i, n int) error {
	if n < 0 {
		n = 0
	}
	return s.BindBlob(i, make([]byte, n))
}

// BindValue binds an opaque value by typed extraction.
func (s *Stmt) BindValue(i int, v *Value) error {
	if v == nil {
		return s.BindNull(i)
	}
	switch v.typ {
	case int(TypeInteger):
		return s.BindInt64(i, v.num)
	case int(TypeFloat):
		return s.BindDouble(i, v.fl)
	case int(TypeBlob):
		return s.BindBlob(i, v.blob)
	case int(TypeNull):
		return s.BindNull(i)
	default:
		return s.BindText(i, string(v.text))
	}
}

// ClearBindings sets every parameter back to NULL.
func (s *Stmt) ClearBindings() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized.Load() {
		return errStmtFinalized
	}
	for i := range s.params[:s.nparams] {
		s.params[i] = param{}
	}
	return nil
}

// BindParameterCount reports how many parameters the statement takes.
func (s *Stmt) BindParameterCount() int {
	if s.tr != nil {
		return s.tr.ParamCount
	}
	if s.real != nil {
		return s.real.NumInput()
	}
	return 0
}

// BindParameterIndex resolves a named parameter (":id", "@id", "$id", with
// or without the prefix) to its 1-based position, 0 when unknown.
func (s *Stmt) BindParameterIndex(name string) int {
	if s.tr == nil {
		return 0
	}
	clean := strings.TrimLeft(name, ":@$")
	for i, n := range s.tr.ParamNames {
		if n != "" && n == clean {
			return i + 1
		}
	}
	return 0
}

// BindParameterName returns the original spelling of parameter i, empty for
// positional parameters.
func (s *Stmt) BindParameterName(i int) string {
	if s.tr == nil || i < 1 || i > len(s.tr.ParamTokens) {
		return ""
	}
	return s.tr.ParamTokens[i-1]
}

// --- stepping ---

// Step advances the statement. It returns (true, nil) when a row is
// available, (false, nil) when the statement is done, and (false, err) on
// failure.
func (s *Stmt) Step() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized.Load() {
		return false, errStmtFinalized
	}
	if s.conn.interrupted.CompareAndSwap(true, false) {
		e := errCode(INTERRUPT, "interrupted")
		s.conn.setError(e)
		return false, e
	}

	if !s.passthrough && s.tr != nil && !s.stepped {
		if err := s.executeLocked(); err != nil {
			s.conn.setError(err)
			return false, err
		}
	}
	if s.passthrough || s.tr == nil {
		return s.stepRealLocked()
	}

	if s.res != nil && s.cursor+1 < len(s.res.Rows) {
		s.cursor++
		s.blobCache = nil
		return true, nil
	}
	s.done = true
	return false, nil
}

// executeLocked runs the translated statement on the backend and
// materializes the result. Backend failure flips the statement to
// pass-through so the step loop finishes on the real engine.
func (s *Stmt) executeLocked() error {
	st := s.conn.s
	tr := s.tr
	s.stepped = true
	st.noteQuery(s.origSQL)

	if s.skipEligible && s.paramZeroOrNullLocked(s.skipCountIdx) && s.paramZeroOrNullLocked(s.skipDurationIdx) {
		// Playback tick with nothing to add; report done without touching
		// either engine.
		s.res = &pgclient.Result{}
		s.conn.changes.Store(0)
		return nil
	}

	params := s.paramValuesLocked()
	fp := translate.Fingerprint(tr.SQL)
	isRead := tr.Class.Read && !tr.Class.HasReturning

	lease, err := st.pool.Acquire(context.Background(), s.conn.token)
	if err != nil {
		st.recordFallback("pool", s.origSQL, tr.SQL, err)
		return s.fallbackLocked()
	}
	gen := lease.Generation()

	var key uint64
	if isRead {
		key = resultcache.Key(fp, params)
		if res, ok := st.results.Get(key, gen); ok {
			lease.Release()
			s.res = res
			s.cached = true
			s.gen = gen
			return nil
		}
	}

	ctx := context.Background()
	name := fmt.Sprintf("ps_%x", fp)
	if _, perr := lease.Client.PrepareCached(ctx, name, tr.SQL); perr != nil {
		lease.ReleaseAfterError(perr)
		st.recordFallback("prepare", s.origSQL, tr.SQL, perr)
		return s.fallbackLocked()
	}
	res, xerr := lease.Client.ExecPrepared(ctx, name, params)
	if xerr != nil {
		lease.ReleaseAfterError(xerr)
		st.recordFallback("step", s.origSQL, tr.SQL, xerr)
		return s.fallbackLocked()
	}
	lease.Release()

	s.res = res
	s.gen = gen
	if isRead {
		st.results.Put(key, gen, res)
		return nil
	}

	n := res.RowsAffected()
	s.conn.changes.Store(n)
	s.conn.totalChanges.Add(n)
	st.results.Flush()
	if tr.Class.HasReturning {
		if v, ok := res.FirstValue(); ok {
			s.conn.lastRowID.Store(parseRowID(v))
		}
	}
	if tr.Class.Kind == translate.KindInsert &&
		strings.Contains(strings.ToLower(s.origSQL), "play_queue_generators") {
		s.captureGeneratorIDLocked()
	}
	return nil
}

// fallbackLocked switches the statement to its real-engine companion.
func (s *Stmt) fallbackLocked() error {
	if s.real == nil {
		return errCode(ERROR, "backend rejected statement and no fallback is available")
	}
	s.passthrough = true
	return nil
}

// captureGeneratorIDLocked pulls the metadata id out of a generator URI bind
// so the host's follow-up rowid lookup lands on the right item.
func (s *Stmt) captureGeneratorIDLocked() {
	for i := range s.params[:s.nparams] {
		p := &s.params[i]
		if !p.bound || p.text == nil {
			continue
		}
		if id, ok := translate.MetadataIDFromGeneratorURI(string(p.text)); ok {
			s.conn.lastRowID.Store(id)
			return
		}
	}
}

func (s *Stmt) paramZeroOrNullLocked(idx int) bool {
	if idx < 0 || idx >= s.nparams {
		return true
	}
	p := &s.params[idx]
	if !p.bound || p.text == nil {
		return true
	}
	v := string(p.text)
	return v == "0" || v == "0.0" || v == ""
}

// paramValuesLocked snapshots the backend wire values for positions 1..N.
func (s *Stmt) paramValuesLocked() [][]byte {
	n := s.nparams
	if s.tr != nil && s.tr.ParamCount > n {
		n = s.tr.ParamCount
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		if s.params[i].bound {
			out[i] = s.params[i].text
		}
	}
	return out
}

// realArgsLocked shapes the bound values for the real engine's driver.
func (s *Stmt) realArgsLocked() []driver.Value {
	n := 0
	if s.real != nil {
		n = s.real.NumInput()
	}
	if n < 0 {
		n = s.nparams
	}
	args := make([]driver.Value, n)
	for i := 0; i < n && i < translate.MaxParams; i++ {
		args[i] = s.params[i].real
	}
	return args
}

// stepRealLocked drives the real engine's cursor. Reads run Query and
// advance row by row; writes run Exec once and report done.
func (s *Stmt) stepRealLocked() (bool, error) {
	if s.real == nil {
		e := errCode(MISUSE, "statement has no executable form")
		s.conn.setError(e)
		return false, e
	}
	if s.realEOF || s.done {
		s.done = true
		return false, nil
	}

	if s.realRows == nil {
		s.stepped = true
		if !translate.IsRead(s.origSQL) {
			res, err := s.real.Exec(s.realArgsLocked())
			if err != nil {
				return false, s.realError(err)
			}
			if n, aerr := res.RowsAffected(); aerr == nil {
				s.conn.changes.Store(n)
				s.conn.totalChanges.Add(n)
			}
			if id, ierr := res.LastInsertId(); ierr == nil && id != 0 {
				s.conn.lastRowID.Store(id)
			}
			s.realEOF = true
			s.done = true
			return false, nil
		}
		rows, err := s.real.Query(s.realArgsLocked())
		if err != nil {
			return false, s.realError(err)
		}
		s.realRows = rows
	}

	dest := make([]driver.Value, len(s.realRows.Columns()))
	err := s.realRows.Next(dest)
	if err == io.EOF || (err != nil && strings.Contains(err.Error(), io.EOF.Error())) {
		s.realEOF = true
		s.done = true
		s.realRow = nil
		return false, nil
	}
	if err != nil {
		return false, s.realError(err)
	}
	s.realRow = dest
	s.blobCache = nil
	return true, nil
}

func (s *Stmt) realError(err error) error {
	code := ERROR
	if realdb.IsBusy(err) {
		code = BUSY
	}
	e := errCode(code, "%v", err)
	s.conn.setError(e)
	return e
}

// Reset rewinds the statement for re-execution. Bindings are kept.
func (s *Stmt) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized.Load() {
		return errStmtFinalized
	}
	if err := s.closeRealRowsLocked(); err != nil {
		return s.realError(err)
	}
	s.clearResultLocked()
	s.stepped = false
	s.done = false
	return nil
}

func (s *Stmt) closeRealRowsLocked() error {
	if s.realRows == nil {
		return nil
	}
	err := s.realRows.Close()
	s.realRows = nil
	s.realRow = nil
	s.realEOF = false
	return err
}

// clearResultLocked drops the materialized result and every per-row cache.
// A cached result is shared with the result cache; dropping the pointer is
// the statement's release.
func (s *Stmt) clearResultLocked() {
	s.res = nil
	s.cached = false
	s.cursor = -1
	s.blobCache = nil
	if s.realRows != nil {
		_ = s.realRows.Close()
		s.realRows = nil
	}
	s.realRow = nil
	s.realEOF = false
}

// --- introspection ---

// ReadOnly reports whether the statement only reads data. A nil statement
// reads as true, matching the C API.
func (s *Stmt) ReadOnly() bool {
	if s == nil {
		return true
	}
	if s.tr != nil {
		return s.tr.Class.Read
	}
	return translate.IsRead(s.origSQL)
}

// Busy reports whether the statement has been stepped and not yet run to
// completion or reset.
func (s *Stmt) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepped && !s.done
}

// Status matches sqlite3_stmt_status; the shim keeps no per-statement
// counters, so every counter reads 0.
func (s *Stmt) Status(op int, resetFlag bool) int { return 0 }

// ExpandedSQL substitutes the current bindings into the translated SQL, with
// single quotes doubled, the way the host uses it for logging.
func (s *Stmt) ExpandedSQL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sql := s.origSQL
	if s.tr != nil {
		sql = s.tr.SQL
	}
	return expandSQL(sql, s.paramValuesLocked())
}

// isCleanText reports whether b is valid UTF-8 free of control bytes other
// than tab/newline/return.
func isCleanText(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

// hexByteaLiteral renders v in the backend's \x hex input form.
func hexByteaLiteral(v []byte) []byte {
	out := make([]byte, 2+hex.EncodedLen(len(v)))
	out[0] = '\\'
	out[1] = 'x'
	hex.Encode(out[2:], v)
	return out
}

// parseRowID reads a RETURNING id cell.
func parseRowID(v []byte) int64 {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
