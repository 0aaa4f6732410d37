package sqlite3

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jabrown93/plex-postgresql-sub002/internal/colconv"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
)

// ColumnType is a SQLite fundamental datatype code, as returned by
// column_type and value.Type.
type ColumnType int

const (
	TypeInteger ColumnType = ColumnType(colconv.Integer)
	TypeFloat   ColumnType = ColumnType(colconv.Float)
	TypeText    ColumnType = ColumnType(colconv.Text)
	TypeBlob    ColumnType = ColumnType(colconv.Blob)
	TypeNull    ColumnType = ColumnType(colconv.Null)
)

// fieldsLocked returns the column metadata: the materialized result's when
// one exists, otherwise the metadata captured at prepare.
func (s *Stmt) fieldsLocked() []pgconn.FieldDescription {
	if s.res != nil {
		return s.res.Fields
	}
	return s.metaFields
}

// cellLocked returns the current row's cell i and its field description.
// ok is false when no row is current or i is out of range.
func (s *Stmt) cellLocked(i int) (cell []byte, oid uint32, ok bool) {
	if s.res == nil || s.cursor < 0 || s.cursor >= len(s.res.Rows) {
		return nil, 0, false
	}
	row := s.res.Rows[s.cursor]
	if i < 0 || i >= len(row) {
		return nil, 0, false
	}
	if i < len(s.res.Fields) {
		oid = s.res.Fields[i].DataTypeOID
	}
	return row[i], oid, true
}

// realValueLocked returns the pass-through cursor's cell i.
func (s *Stmt) realValueLocked(i int) (v any, ok bool) {
	if s.realRow == nil || i < 0 || i >= len(s.realRow) {
		return nil, false
	}
	return s.realRow[i], true
}

// ColumnCount reports the number of result columns. Before the first step a
// redirected statement answers from the server-side prepare's metadata.
func (s *Stmt) ColumnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		if s.realRows != nil {
			return len(s.realRows.Columns())
		}
		return 0
	}
	return len(s.fieldsLocked())
}

// DataCount reports the column count of the current row, 0 when no row is
// current.
func (s *Stmt) DataCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		if s.realRow != nil {
			return len(s.realRow)
		}
		return 0
	}
	if s.res == nil || s.cursor < 0 || s.cursor >= len(s.res.Rows) {
		return 0
	}
	return len(s.res.Rows[s.cursor])
}

// ColumnName returns result column i's name.
func (s *Stmt) ColumnName(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		if s.realRows != nil {
			cols := s.realRows.Columns()
			if i >= 0 && i < len(cols) {
				return cols[i]
			}
		}
		return ""
	}
	fields := s.fieldsLocked()
	if i < 0 || i >= len(fields) {
		return ""
	}
	name := fields[i].Name
	if s.conn.s != nil {
		s.conn.s.noteColumn(name)
	}
	return name
}

// ColumnType returns the run-time type of the current row's cell i. It must
// stay in the same extraction family as ColumnDeclType for the same column;
// ORMs pick their accessor from one and dispatch on the other.
func (s *Stmt) ColumnType(i int) ColumnType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		v, ok := s.realValueLocked(i)
		if !ok || v == nil {
			return TypeNull
		}
		switch v.(type) {
		case int64:
			return TypeInteger
		case float64:
			return TypeFloat
		case []byte:
			return TypeBlob
		default:
			return TypeText
		}
	}
	cell, oid, ok := s.cellLocked(i)
	if !ok {
		return TypeNull
	}
	return ColumnType(colconv.ValueType(oid, cell == nil))
}

// ColumnDeclType returns the declared type of column i as one of the
// canonical strings, preferring the host's original declarations from the
// schema side table.
func (s *Stmt) ColumnDeclType(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		if s.realRows != nil {
			decls := s.realRows.DeclTypes()
			if i >= 0 && i < len(decls) {
				return decls[i]
			}
		}
		return ""
	}
	return s.declTypeLocked(i)
}

func (s *Stmt) declTypeLocked(i int) string {
	fields := s.fieldsLocked()
	if i < 0 || i >= len(fields) {
		return ""
	}
	if s.declTypes == nil {
		s.declTypes = make(map[int]string)
	}
	if t, ok := s.declTypes[i]; ok {
		return t
	}

	st := s.conn.s
	field := fields[i]
	decl := ""
	if st != nil {
		decls := st.decls
		if !decls.Loaded() {
			_ = s.conn.withClient(func(cl *pgclient.Client) error {
				decls.Preload(context.Background(), cl)
				return nil
			})
		}
		// Aliased columns carry "table_column" directly; bare columns need
		// the source table resolved through pg_class.
		if t, ok := decls.Lookup(field.Name); ok {
			decl = t
		} else if field.TableOID != 0 {
			var names map[uint32]string
			_ = s.conn.withClient(func(cl *pgclient.Client) error {
				names = decls.TableNames(context.Background(), cl, []uint32{field.TableOID})
				return nil
			})
			if table, ok := names[field.TableOID]; ok {
				if t, ok := decls.LookupColumn(table, field.Name); ok {
					decl = t
				}
			}
		}
	}
	if decl == "" {
		decl = colconv.DeclaredForOID(field.DataTypeOID)
	}
	s.declTypes[i] = decl
	return decl
}

// ColumnInt reads cell i as a platform int.
func (s *Stmt) ColumnInt(i int) int { return int(s.ColumnInt64(i)) }

// ColumnInt64 reads cell i as an integer, with 't'/'f' boolean coercion.
func (s *Stmt) ColumnInt64(i int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		v, ok := s.realValueLocked(i)
		if !ok {
			return 0
		}
		switch x := v.(type) {
		case int64:
			return x
		case float64:
			return int64(x)
		case []byte:
			return colconv.ParseInt(x)
		case string:
			return colconv.ParseInt([]byte(x))
		case bool:
			if x {
				return 1
			}
			return 0
		case time.Time:
			return x.Unix()
		}
		return 0
	}
	cell, _, ok := s.cellLocked(i)
	if !ok || cell == nil {
		return 0
	}
	return colconv.ParseInt(cell)
}

// ColumnDouble reads cell i as a float, with the same boolean coercions.
func (s *Stmt) ColumnDouble(i int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passthrough || s.tr == nil {
		v, ok := s.realValueLocked(i)
		if !ok {
			return 0
		}
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case []byte:
			return colconv.ParseFloat(x)
		case string:
			return colconv.ParseFloat([]byte(x))
		case bool:
			if x {
				return 1
			}
			return 0
		}
		return 0
	}
	cell, _, ok := s.cellLocked(i)
	if !ok || cell == nil {
		return 0
	}
	return colconv.ParseFloat(cell)
}

// ColumnText reads cell i as text. The returned bytes live in the shared
// text ring and are valid until the ring laps; consume them before the next
// few thousand column reads, as the C API's pointer contract demands.
func (s *Stmt) ColumnText(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.textBytesLocked(i)
	if raw == nil {
		return nil
	}
	if st := s.conn.s; st != nil {
		return st.ring.put(raw)
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp
}

// ColumnString is ColumnText as an owned Go string.
func (s *Stmt) ColumnString(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.textBytesLocked(i))
}

func (s *Stmt) textBytesLocked(i int) []byte {
	if s.passthrough || s.tr == nil {
		v, ok := s.realValueLocked(i)
		if !ok || v == nil {
			return nil
		}
		switch x := v.(type) {
		case string:
			return []byte(x)
		case []byte:
			return x
		case int64:
			return strconv.AppendInt(nil, x, 10)
		case float64:
			return strconv.AppendFloat(nil, x, 'g', -1, 64)
		case time.Time:
			return []byte(x.Format("2006-01-02 15:04:05"))
		}
		return nil
	}
	cell, _, ok := s.cellLocked(i)
	if !ok {
		return nil
	}
	return cell
}

// ColumnBlob reads cell i as binary. Backend bytea hex is decoded once per
// row into a statement-owned cache, invalidated on step and reset.
func (s *Stmt) ColumnBlob(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobLocked(i)
}

func (s *Stmt) blobLocked(i int) []byte {
	if s.passthrough || s.tr == nil {
		v, ok := s.realValueLocked(i)
		if !ok || v == nil {
			return nil
		}
		switch x := v.(type) {
		case []byte:
			return x
		case string:
			return []byte(x)
		}
		return nil
	}
	if b, ok := s.blobCache[i]; ok {
		return b
	}
	cell, oid, ok := s.cellLocked(i)
	if !ok || cell == nil {
		return nil
	}
	b := cell
	if colconv.TypeForOID(oid) == colconv.Blob {
		b = colconv.DecodeBytea(cell)
	}
	if s.blobCache == nil {
		s.blobCache = make(map[int][]byte)
	}
	s.blobCache[i] = b
	return b
}

// ColumnBytes reports the byte length of cell i in its blob form.
func (s *Stmt) ColumnBytes(i int) int {
	return len(s.ColumnBlob(i))
}

// ColumnValue returns cell i as an opaque value from the bounded arena.
// Consume it before the next column-value call on this statement; arena
// slots recycle.
func (s *Stmt) ColumnValue(i int) *Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.conn.s
	var v *Value
	if st != nil {
		v = st.arena.take()
	} else {
		v = &Value{magic: valueMagic}
	}

	typ := TypeNull
	if s.passthrough || s.tr == nil {
		if rv, ok := s.realValueLocked(i); ok && rv != nil {
			switch x := rv.(type) {
			case int64:
				typ = TypeInteger
				v.num = x
				v.fl = float64(x)
				v.text = strconv.AppendInt(nil, x, 10)
			case float64:
				typ = TypeFloat
				v.fl = x
				v.num = int64(x)
				v.text = strconv.AppendFloat(nil, x, 'g', -1, 64)
			case []byte:
				typ = TypeBlob
				v.blob = x
			default:
				typ = TypeText
				v.text = s.textBytesLocked(i)
				v.num = colconv.ParseInt(v.text)
				v.fl = colconv.ParseFloat(v.text)
			}
		}
	} else if cell, oid, ok := s.cellLocked(i); ok && cell != nil {
		typ = ColumnType(colconv.ValueType(oid, false))
		switch typ {
		case TypeInteger:
			v.num = colconv.ParseInt(cell)
			v.fl = float64(v.num)
			v.text = cell
		case TypeFloat:
			v.fl = colconv.ParseFloat(cell)
			v.num = int64(v.fl)
			v.text = cell
		case TypeBlob:
			v.blob = s.blobLocked(i)
		default:
			v.text = cell
			v.num = colconv.ParseInt(cell)
			v.fl = colconv.ParseFloat(cell)
		}
	}
	v.typ = int(typ)
	return v
}
