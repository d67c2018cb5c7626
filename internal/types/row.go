package types

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
)

// Row is an ordered mapping from column name to Value.
type Row struct {
	cols *orderedmap.OrderedMap[string, Value]
}

// NewRow creates an empty row.
func NewRow() *Row {
	return &Row{cols: orderedmap.NewOrderedMap[string, Value]()}
}

// RowFromStrings builds a row of Text values from parallel header/record slices.
// Extra header names without a record value become Null.
func RowFromStrings(header, record []string) *Row {
	r := NewRow()
	for i, name := range header {
		if i < len(record) {
			r.Set(name, Text(record[i]))
		} else {
			r.Set(name, Null())
		}
	}
	return r
}

// Set assigns a column value, keeping the original position for existing columns.
func (r *Row) Set(column string, v Value) {
	r.cols.Set(column, v)
}

// Get returns the value for column. Missing columns report ok=false.
func (r *Row) Get(column string) (Value, bool) {
	if r == nil || r.cols == nil {
		return Null(), false
	}
	return r.cols.Get(column)
}

// Lookup is Get with a case-insensitive fallback, for matching file headers
// against destination column names.
func (r *Row) Lookup(column string) (Value, bool) {
	if v, ok := r.Get(column); ok {
		return v, true
	}
	for _, col := range r.Columns() {
		if strings.EqualFold(col, column) {
			return r.cols.Get(col)
		}
	}
	return Null(), false
}

// Columns returns column names in insertion order.
func (r *Row) Columns() []string {
	if r == nil || r.cols == nil {
		return nil
	}
	return r.cols.Keys()
}

// Len returns the number of columns.
func (r *Row) Len() int {
	if r == nil || r.cols == nil {
		return 0
	}
	return r.cols.Len()
}

// Values returns the values in column order.
func (r *Row) Values() []Value {
	values := make([]Value, 0, r.Len())
	for _, col := range r.Columns() {
		v, _ := r.cols.Get(col)
		values = append(values, v)
	}
	return values
}

// MarshalJSON encodes the row as a JSON object preserving column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.Columns() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		v, _ := r.cols.Get(col)
		val, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SentRow is a row as read from the source file, with its 1-based position.
type SentRow struct {
	Row      *Row
	Position int
}

// ReceivedRow is a row read back from the destination with its remote row id.
type ReceivedRow struct {
	Row   *Row
	RowID int64
}

// Rows extracts the plain rows from a slice of SentRows.
func Rows(sent []SentRow) []*Row {
	rows := make([]*Row, len(sent))
	for i, s := range sent {
		rows[i] = s.Row
	}
	return rows
}
