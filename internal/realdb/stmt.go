package realdb

import (
	"database/sql/driver"
	"fmt"
	"io"
)

// Stmt is a prepared statement on the real engine.
type Stmt struct {
	db  *DB
	ds  driver.Stmt
	sql string
}

// SQL returns the text the statement was prepared from.
func (s *Stmt) SQL() string { return s.sql }

// NumInput reports the parameter count.
func (s *Stmt) NumInput() int { return s.ds.NumInput() }

// Query starts the cursor with the given bind values.
func (s *Stmt) Query(args []driver.Value) (*Rows, error) {
	var dr driver.Rows
	err := withBusyRetry(func() error {
		var err error
		dr, err = s.ds.Query(args)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	return newRows(dr), nil
}

// Exec runs the statement for its side effects.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	var res driver.Result
	err := withBusyRetry(func() error {
		var err error
		res, err = s.ds.Exec(args)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite exec: %w", err)
	}
	return res, nil
}

// Close finalizes the statement.
func (s *Stmt) Close() error {
	if s.ds == nil {
		return nil
	}
	err := s.ds.Close()
	s.ds = nil
	return err
}

// Rows is a step cursor over a driver result.
type Rows struct {
	dr    driver.Rows
	cols  []string
	decls []string
}

func newRows(dr driver.Rows) *Rows {
	r := &Rows{dr: dr, cols: dr.Columns()}
	if dt, ok := dr.(interface{ DeclTypes() []string }); ok {
		r.decls = dt.DeclTypes()
	}
	return r
}

// Columns returns the result column names.
func (r *Rows) Columns() []string { return r.cols }

// DeclTypes returns the declared column types, when the driver knows them.
func (r *Rows) DeclTypes() []string { return r.decls }

// Next fills dest with the next row. io.EOF signals the end of the result.
func (r *Rows) Next(dest []driver.Value) error {
	err := r.dr.Next(dest)
	if err != nil && err != io.EOF {
		return fmt.Errorf("sqlite step: %w", err)
	}
	return err
}

// Close releases the cursor.
func (r *Rows) Close() error {
	if r.dr == nil {
		return nil
	}
	err := r.dr.Close()
	r.dr = nil
	return err
}
