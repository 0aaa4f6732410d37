package pgclient

import (
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is a fully materialized query result. Rows hold text-format values;
// nil means SQL NULL. Materializing keeps the connection free for the next
// command, which the pool depends on.
type Result struct {
	Fields []pgconn.FieldDescription
	Rows   [][][]byte
	Tag    pgconn.CommandTag
}

func readResult(rr *pgconn.ResultReader) (*Result, error) {
	res := rr.Read()
	if res.Err != nil {
		return nil, res.Err
	}
	return &Result{
		Fields: res.FieldDescriptions,
		Rows:   res.Rows,
		Tag:    res.CommandTag,
	}, nil
}

// RowsAffected reports the command tag's row count.
func (r *Result) RowsAffected() int64 {
	return r.Tag.RowsAffected()
}

// FirstValue returns row 0 column 0, if the result has one.
func (r *Result) FirstValue() ([]byte, bool) {
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 || r.Rows[0][0] == nil {
		return nil, false
	}
	return r.Rows[0][0], true
}

// Size approximates the result's memory footprint, used by the result cache
// byte cap.
func (r *Result) Size() int {
	n := 0
	for _, row := range r.Rows {
		for _, v := range row {
			n += len(v)
		}
	}
	return n
}
