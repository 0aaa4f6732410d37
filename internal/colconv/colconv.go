// Package colconv presents backend row cells to the host as SQLite values.
// The host picks its extraction method from the declared type and dispatches
// on the run-time type, so the two mappings here must always agree.
package colconv

import (
	"encoding/hex"
	"math"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
)

// Type is a SQLite fundamental datatype code.
type Type int

const (
	Integer Type = 1
	Float   Type = 2
	Text    Type = 3
	Blob    Type = 4
	Null    Type = 5
)

func (t Type) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Float:
		return "FLOAT"
	case Text:
		return "TEXT"
	case Blob:
		return "BLOB"
	case Null:
		return "NULL"
	}
	return "UNKNOWN"
}

// TypeForOID maps a backend column OID to the SQLite type the host will see.
// Booleans count as integers because the read path coerces 't'/'f' to 1/0.
func TypeForOID(oid uint32) Type {
	switch oid {
	case pgtype.BoolOID, pgtype.Int8OID, pgtype.Int2OID, pgtype.Int4OID, pgtype.OIDOID:
		return Integer
	case pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return Float
	case pgtype.ByteaOID:
		return Blob
	default:
		// text, char, varchar, date, time, timestamps and anything exotic
		// all read as text.
		return Text
	}
}

// ValueType is TypeForOID with NULL taking precedence.
func ValueType(oid uint32, isNull bool) Type {
	if isNull {
		return Null
	}
	return TypeForOID(oid)
}

// DeclaredForOID returns the canonical declared-type string for a column when
// the side-table lookup has nothing better.
func DeclaredForOID(oid uint32) string {
	switch TypeForOID(oid) {
	case Integer:
		return "INTEGER"
	case Float:
		return "REAL"
	case Blob:
		return "BLOB"
	}
	return "TEXT"
}

// ParseInt reads a text-format cell as a SQLite integer. Backend booleans
// arrive as the exact strings "t"/"f"; everything else converts by numeric
// prefix the way the host's own engine would.
func ParseInt(cell []byte) int64 {
	if len(cell) == 1 {
		switch cell[0] {
		case 't', 'T':
			return 1
		case 'f', 'F':
			return 0
		}
	}
	s := string(cell)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		switch {
		case v >= math.MaxInt64:
			return math.MaxInt64
		case v <= math.MinInt64:
			return math.MinInt64
		}
		return int64(v)
	}
	return leadingInt(s)
}

// ParseFloat reads a text-format cell as a SQLite float, with the same
// boolean short-circuits as ParseInt.
func ParseFloat(cell []byte) float64 {
	if len(cell) == 1 {
		switch cell[0] {
		case 't', 'T':
			return 1
		case 'f', 'F':
			return 0
		}
	}
	s := string(cell)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return leadingFloat(s)
}

// leadingInt parses the longest integer prefix, so a timestamp string read
// through an integer accessor yields its year rather than zero.
func leadingInt(s string) int64 {
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// leadingFloat parses the longest float prefix of s.
func leadingFloat(s string) float64 {
	end := 0
scan:
	for end < len(s) {
		switch c := s[end]; {
		case c >= '0' && c <= '9', c == '.', c == '+', c == '-', c == 'e', c == 'E':
			end++
		default:
			break scan
		}
	}
	for ; end > 0; end-- {
		if v, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return v
		}
	}
	return 0
}

// DecodeBytea turns a backend bytea cell into raw bytes. Hex form (leading
// \x) is decoded; anything else passes through untouched. Invalid hex yields
// nil. An odd trailing nibble is dropped.
func DecodeBytea(cell []byte) []byte {
	if len(cell) < 2 || cell[0] != '\\' || cell[1] != 'x' {
		return cell
	}
	hexPart := cell[2:]
	if len(hexPart)%2 == 1 {
		hexPart = hexPart[:len(hexPart)-1]
	}
	out := make([]byte, len(hexPart)/2)
	if _, err := hex.Decode(out, hexPart); err != nil {
		return nil
	}
	return out
}
