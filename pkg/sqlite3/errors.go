// Package sqlite3 is the shim's public surface. It exposes the SQLite-shaped
// API the host builds against: connections, prepared statements, bind and
// column accessors, and the usual result codes. Databases whose path matches
// the configured intercept suffix are transparently redirected to PostgreSQL;
// every other database runs on the real SQLite engine underneath.
package sqlite3

import (
	"errors"
	"fmt"
)

// Result codes, matching the numeric values the host expects from the
// SQLite C API.
const (
	OK         = 0
	ERROR      = 1
	BUSY       = 5
	NOMEM      = 7
	INTERRUPT  = 9
	CORRUPT    = 11
	FULL       = 13
	CANTOPEN   = 14
	SCHEMA     = 17
	CONSTRAINT = 19
	MISMATCH   = 20
	MISUSE     = 21
	RANGE      = 25
	ROW        = 100
	DONE       = 101
)

// Error carries a SQLite result code plus a human-readable message, the pair
// the host reads back through errcode/errmsg.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return codeText(e.Code)
	}
	return e.Message
}

func errCode(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the result code from err. Plain errors read as ERROR;
// nil reads as OK.
func ErrCode(err error) int {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ERROR
}

func codeText(code int) string {
	switch code {
	case OK:
		return "not an error"
	case ERROR:
		return "SQL logic error"
	case BUSY:
		return "database is locked"
	case NOMEM:
		return "out of memory"
	case INTERRUPT:
		return "interrupted"
	case CORRUPT:
		return "database disk image is malformed"
	case FULL:
		return "database or disk is full"
	case CANTOPEN:
		return "unable to open database file"
	case SCHEMA:
		return "database schema has changed"
	case CONSTRAINT:
		return "constraint failed"
	case MISMATCH:
		return "datatype mismatch"
	case MISUSE:
		return "bad parameter or other API misuse"
	case RANGE:
		return "column index out of range"
	case ROW:
		return "another row available"
	case DONE:
		return "no more rows available"
	}
	return fmt.Sprintf("unknown error %d", code)
}

var (
	// errNotReady is returned when an entry point runs before the shim
	// finished constructing; callers see MISUSE rather than a crash.
	errNotReady = &Error{Code: MISUSE, Message: "shim not initialized"}
	// errStmtFinalized guards use-after-finalize.
	errStmtFinalized = &Error{Code: MISUSE, Message: "statement already finalized"}
)
