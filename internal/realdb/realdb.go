// Package realdb drives the real SQLite engine through the mattn/go-sqlite3
// driver objects. Databases that are not redirected to PostgreSQL run their
// whole life in here; redirected databases still keep a shadow handle for
// schema statements and fallback execution.
//
// The wrapper works on driver.Conn/driver.Stmt/driver.Rows directly instead
// of database/sql because callers need statement-level control: explicit bind
// slots, a step cursor, declared column types, and per-connection pragmas.
// Nothing in this package is safe for concurrent use; the owning connection
// serializes access.
package realdb

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

const (
	busyRetries = 3
	busyBackoff = 10 * time.Millisecond
)

var sqliteDriver = &sqlite3.SQLiteDriver{}

// OpenOptions mirror the open flags the host passes through.
type OpenOptions struct {
	ReadOnly bool
	// Create permits creating a missing database file (rwc mode).
	Create bool
	// BusyTimeout, when nonzero, is applied as PRAGMA busy_timeout.
	BusyTimeout time.Duration
}

// DB is one real SQLite connection.
type DB struct {
	conn *sqlite3.SQLiteConn
	path string
}

// Open opens path with the given options. Plain paths are converted to URI
// form when options require query parameters; paths already in file: form
// keep their parameters.
func Open(path string, opts OpenOptions) (*DB, error) {
	dsn := buildDSN(path, opts)
	dc, err := sqliteDriver.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn, ok := dc.(*sqlite3.SQLiteConn)
	if !ok {
		dc.Close()
		return nil, fmt.Errorf("open sqlite %s: unexpected conn type %T", path, dc)
	}
	db := &DB{conn: conn, path: path}
	if opts.BusyTimeout > 0 {
		if err := db.SetBusyTimeout(opts.BusyTimeout); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger.Debug("sqlite open %s", path)
	return db, nil
}

func buildDSN(path string, opts OpenOptions) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	mode := "rw"
	if opts.ReadOnly {
		mode = "ro"
	} else if opts.Create {
		mode = "rwc"
	}
	sep := "?"
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	} else if strings.Contains(path, "?") {
		sep = "&"
	}
	return dsn + sep + "mode=" + mode
}

// Path returns the path the database was opened with.
func (d *DB) Path() string { return d.path }

// Close releases the underlying connection.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Exec runs one or more statements without results, retrying on busy.
func (d *DB) Exec(sql string) error {
	_, err := d.ExecResult(sql, nil)
	return err
}

// ExecResult runs sql with args and reports the driver result, retrying a
// handful of times when another connection holds the file lock.
func (d *DB) ExecResult(sql string, args []driver.Value) (driver.Result, error) {
	var res driver.Result
	err := withBusyRetry(func() error {
		var err error
		res, err = d.conn.Exec(sql, args)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite exec: %w", err)
	}
	return res, nil
}

// Query runs sql directly and wraps the cursor.
func (d *DB) Query(sql string, args []driver.Value) (*Rows, error) {
	var dr driver.Rows
	err := withBusyRetry(func() error {
		var err error
		dr, err = d.conn.Query(sql, args)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	return newRows(dr), nil
}

// Prepare compiles sql into a reusable statement.
func (d *DB) Prepare(sql string) (*Stmt, error) {
	var ds driver.Stmt
	err := withBusyRetry(func() error {
		var err error
		ds, err = d.conn.Prepare(sql)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite prepare: %w", err)
	}
	return &Stmt{db: d, ds: ds, sql: sql}, nil
}

// SetBusyTimeout applies PRAGMA busy_timeout.
func (d *DB) SetBusyTimeout(timeout time.Duration) error {
	return d.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds()))
}

// RegisterCollation installs a collation function on this connection.
func (d *DB) RegisterCollation(name string, cmp func(string, string) int) error {
	return d.conn.RegisterCollation(name, cmp)
}

// LastInsertRowID reports sqlite's last_insert_rowid for this connection.
func (d *DB) LastInsertRowID() int64 {
	n, err := d.queryInt64("SELECT last_insert_rowid()")
	if err != nil {
		return 0
	}
	return n
}

// Changes reports the row count of the most recent write.
func (d *DB) Changes() int64 {
	n, err := d.queryInt64("SELECT changes()")
	if err != nil {
		return 0
	}
	return n
}

// AutoCommit reports whether the connection is outside any transaction.
func (d *DB) AutoCommit() bool {
	return d.conn.AutoCommit()
}

func (d *DB) queryInt64(sql string) (int64, error) {
	rows, err := d.Query(sql, nil)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return 0, err
	}
	n, ok := dest[0].(int64)
	if !ok {
		return 0, fmt.Errorf("sqlite: unexpected %T from %s", dest[0], sql)
	}
	return n, nil
}

// withBusyRetry retries op while SQLite reports the database file locked.
func withBusyRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = op()
		if err == nil || !IsBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * busyBackoff)
	}
	return err
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// ErrNoRows is returned by cursor helpers when a query yields nothing.
var ErrNoRows = io.EOF
