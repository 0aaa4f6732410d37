package sqlite3

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/internal/realdb"
	"github.com/jabrown93/plex-postgresql-sub002/internal/translate"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// Exec runs sql without a statement handle, splitting on top-level
// semicolons the way the C exec does. Redirected connections run each piece
// on the backend; PRAGMAs stay on the real engine, and DDL/transaction
// control is mirrored to the shadow file so its schema tracks the backend's.
func (c *Conn) Exec(sql string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errCode(MISUSE, "exec on closed connection")
	}

	s := c.s
	if !c.redirected || s == nil || !s.ready.Load() {
		if err := c.real.Exec(sql); err != nil {
			return c.execRealError(err)
		}
		return nil
	}

	for _, piece := range splitStatements(sql) {
		if err := c.execOne(piece); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) execOne(sql string) error {
	s := c.s
	s.noteQuery(sql)
	tr := translate.Translate(sql)
	s.translations.Add(1)
	metrics.TranslationsTotal.Inc()

	if tr.Class.Kind == translate.KindPragma {
		if err := c.real.Exec(sql); err != nil {
			logger.Debug("pragma on shadow file: %v", err)
		}
		return nil
	}

	res, err := c.execBackend(tr)
	if err != nil {
		s.recordFallback("exec", sql, tr.SQL, err)
		if rerr := c.real.Exec(sql); rerr != nil {
			e := c.execRealError(rerr)
			return e
		}
		return nil
	}

	if !tr.Class.Read {
		n := res.RowsAffected()
		c.changes.Store(n)
		c.totalChanges.Add(n)
		s.results.Flush()
	}
	switch tr.Class.Kind {
	case translate.KindDDL, translate.KindTCL:
		// The shadow file replays schema and transaction statements so a
		// later fallback sees the same shape. Failures only log; the backend
		// already accepted the statement.
		if rerr := c.real.Exec(sql); rerr != nil {
			logger.Debug("shadow mirror of %.120s: %v", sql, rerr)
		}
	}
	metrics.RedirectedTotal.WithLabelValues(kindLabel(tr.Class.Kind)).Inc()
	return nil
}

// execBackend runs one translated statement on a pooled connection. Repeated
// one-shot statements share a server-side plan through literal
// normalization, named nx_<fingerprint> to keep them apart from the ps_
// space of host-prepared statements.
func (c *Conn) execBackend(tr *translate.Result) (*pgclient.Result, error) {
	var res *pgclient.Result
	err := c.withClient(func(cl *pgclient.Client) error {
		ctx := context.Background()
		if nsql, lits, ok := translate.NormalizeLiterals(tr.SQL); ok {
			name := fmt.Sprintf("nx_%x", translate.Fingerprint(nsql))
			if _, perr := cl.PrepareCached(ctx, name, nsql); perr == nil {
				params := make([][]byte, len(lits))
				for i, lit := range lits {
					params[i] = []byte(lit)
				}
				r, xerr := cl.ExecPrepared(ctx, name, params)
				if xerr != nil {
					return xerr
				}
				res = r
				return nil
			}
			// Normalized form refused; fall through to the literal SQL.
		}
		r, xerr := cl.ExecParams(ctx, tr.SQL, nil)
		if xerr != nil {
			return xerr
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Conn) execRealError(err error) error {
	code := ERROR
	if realdb.IsBusy(err) {
		code = BUSY
	}
	e := errCode(code, "%v", err)
	c.setError(e)
	return e
}

// GetTable runs a query and returns the full result as strings: one header
// row of column names followed by the data rows, NULL cells as empty
// strings.
func (c *Conn) GetTable(sql string) ([][]string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errCode(MISUSE, "get_table on closed connection")
	}

	s := c.s
	if !c.redirected || s == nil || !s.ready.Load() {
		return c.getTableReal(sql)
	}

	tr := translate.Translate(sql)
	var res *pgclient.Result
	err := c.withClient(func(cl *pgclient.Client) error {
		r, xerr := cl.ExecParams(context.Background(), tr.SQL, nil)
		if xerr != nil {
			return xerr
		}
		res = r
		return nil
	})
	if err != nil {
		s.recordFallback("get_table", sql, tr.SQL, err)
		return c.getTableReal(sql)
	}

	out := make([][]string, 0, len(res.Rows)+1)
	header := make([]string, len(res.Fields))
	for i, f := range res.Fields {
		header[i] = f.Name
	}
	out = append(out, header)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell != nil {
				cells[i] = string(cell)
			}
		}
		out = append(out, cells)
	}
	return out, nil
}

func (c *Conn) getTableReal(sql string) ([][]string, error) {
	rows, err := c.real.Query(sql, nil)
	if err != nil {
		return nil, c.execRealError(err)
	}
	defer rows.Close()

	cols := rows.Columns()
	out := [][]string{append([]string(nil), cols...)}
	for {
		vals := make([]driver.Value, len(cols))
		if nerr := rows.Next(vals); nerr != nil {
			break
		}
		cells := make([]string, len(vals))
		for i, v := range vals {
			if v != nil {
				cells[i] = fmt.Sprint(v)
			}
		}
		out = append(out, cells)
	}
	return out, nil
}

// splitStatements cuts a multi-statement exec string at top-level
// semicolons, honoring quotes and keeping CREATE TRIGGER bodies whole up to
// their END.
func splitStatements(sql string) []string {
	var out []string
	start := 0
	inQuote := byte(0)
	inTrigger := false
	lower := strings.ToLower(sql)
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if inQuote != 0 {
			if ch == inQuote {
				inQuote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			inQuote = ch
		case ch == ';':
			if inTrigger {
				continue
			}
			if piece := strings.TrimSpace(sql[start:i]); piece != "" {
				out = append(out, piece)
			}
			start = i + 1
		default:
			if !inTrigger && wordAt(lower, i, "create") {
				rest := strings.TrimLeft(lower[i+len("create"):], " \t\n\r")
				if strings.HasPrefix(rest, "trigger") || strings.HasPrefix(rest, "temp trigger") ||
					strings.HasPrefix(rest, "temporary trigger") {
					inTrigger = true
				}
			} else if inTrigger && wordAt(lower, i, "end") {
				inTrigger = false
			}
		}
	}
	if piece := strings.TrimSpace(sql[start:]); piece != "" {
		out = append(out, piece)
	}
	return out
}

// wordAt reports whether lower[i:] starts the given word on a word boundary.
func wordAt(lower string, i int, word string) bool {
	if !strings.HasPrefix(lower[i:], word) {
		return false
	}
	if i > 0 && isIdentByte(lower[i-1]) {
		return false
	}
	end := i + len(word)
	return end >= len(lower) || !isIdentByte(lower[end])
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
