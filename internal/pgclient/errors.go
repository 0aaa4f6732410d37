package pgclient

import (
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsFatal reports whether err means the connection is unusable and the pool
// slot must reconnect rather than retry on the same session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Severity == "FATAL" || pgErr.Severity == "PANIC" {
			return true
		}
		// 08xxx connection exceptions, 57P01..57P03 shutdown/crash states.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset")
}

// IsUniqueViolation reports a 23505 duplicate-key error, which the write path
// treats as a repeat of an already-applied statement.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsUndefined reports errors for missing tables/columns/functions (42P01,
// 42703, 42883); statements hitting those fall back to the real engine.
func IsUndefined(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P01", "42703", "42883":
		return true
	}
	return false
}

// PgMessage extracts a stable human-readable message for the host's
// errmsg surface.
func PgMessage(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}
