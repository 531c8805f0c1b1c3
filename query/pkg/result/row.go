package result

import (
	"bytes"
	"encoding/json"
	"slices"
)

// Row is one result row: column names in result order and their values.
type Row struct {
	columns []string
	values  []any
}

// NewRow pairs columns with values. Missing trailing values are nil.
func NewRow(columns []string, values []any) Row {
	vals := make([]any, len(columns))
	copy(vals, values)
	return Row{columns: columns, values: vals}
}

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	i := slices.Index(r.columns, name)
	if i < 0 {
		return nil, false
	}
	return r.values[i], true
}

func (r Row) Columns() []string { return slices.Clone(r.columns) }

func (r Row) Values() []any { return slices.Clone(r.values) }

// Map returns the row keyed by column name.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

// MarshalJSON encodes the row as an object preserving column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
