// Package catalog holds the in-memory table used between pipeline stages and
// the readers and writers for the catalog file formats.
package catalog

import (
	"fmt"
	"maps"
)

// Table is an ordered set of equal-length columns. Tables returned by the
// methods below never share column storage with their receiver, except Column
// which returns the stored column for reading.
type Table struct {
	columns []*Column
	index   map[string]int

	// Meta is table-level metadata (the astropy "meta" mapping).
	Meta map[string]any
	// KeyValue holds format-level key/value metadata carried through unchanged
	// (for example parquet footer entries this package does not manage).
	KeyValue map[string]string
}

// NewTable creates a table from columns, which must have equal length.
func NewTable(cols ...*Column) (*Table, error) {
	t := &Table{index: map[string]int{}, Meta: map[string]any{}, KeyValue: map[string]string{}}
	for _, c := range cols {
		if err := t.Set(c); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil || len(t.columns) == 0 {
		return 0
	}

	return t.columns[0].Len()
}

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int {
	if t == nil {
		return 0
	}

	return len(t.columns)
}

// Names returns the column names in order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.Name
	}

	return out
}

// Columns returns the columns in order.
func (t *Table) Columns() []*Column {
	if t == nil {
		return nil
	}

	return append([]*Column(nil), t.columns...)
}

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.index[name]

	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, error) {
	if t != nil {
		if i, ok := t.index[name]; ok {
			return t.columns[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
}

// Floats returns a copy of the named column as float64.
func (t *Table) Floats(name string) ([]float64, error) {
	c, err := t.Column(name)
	if err != nil {
		return nil, err
	}

	return c.AsFloats(), nil
}

// Set adds a column, replacing any column of the same name in place.
func (t *Table) Set(c *Column) error {
	if t.index == nil {
		t.index = map[string]int{}
	}
	if len(t.columns) > 0 && c.Len() != t.Len() {
		if _, ok := t.index[c.Name]; !ok || len(t.columns) > 1 {
			return fmt.Errorf("%w: %s has %d rows, table has %d", ErrLengthMismatch, c.Name, c.Len(), t.Len())
		}
	}
	if i, ok := t.index[c.Name]; ok {
		t.columns[i] = c
		return nil
	}
	t.index[c.Name] = len(t.columns)
	t.columns = append(t.columns, c)

	return nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := t.shell()
	for _, c := range t.columns {
		out.index[c.Name] = len(out.columns)
		out.columns = append(out.columns, c.Clone())
	}

	return out
}

// With returns a copy of the table with the given columns set.
func (t *Table) With(cols ...*Column) (*Table, error) {
	out := t.Clone()
	for _, c := range cols {
		if err := out.Set(c.Clone()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Take returns a new table holding the given rows, in the given order.
func (t *Table) Take(idx []int) (*Table, error) {
	n := t.Len()
	for _, j := range idx {
		if j < 0 || j >= n {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", j, n)
		}
	}

	out := t.shell()
	for _, c := range t.columns {
		out.index[c.Name] = len(out.columns)
		out.columns = append(out.columns, c.Take(idx))
	}

	return out, nil
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(row int) bool) *Table {
	idx := make([]int, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		if keep(i) {
			idx = append(idx, i)
		}
	}
	out, _ := t.Take(idx)

	return out
}

// Select returns a new table with the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	out := t.shell()
	for _, name := range names {
		c, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		if err := out.Set(c.Clone()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// shell returns an empty table carrying a copy of t's metadata.
func (t *Table) shell() *Table {
	out := &Table{index: map[string]int{}, Meta: maps.Clone(t.Meta), KeyValue: maps.Clone(t.KeyValue)}
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	if out.KeyValue == nil {
		out.KeyValue = map[string]string{}
	}

	return out
}
