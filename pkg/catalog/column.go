package catalog

import (
	"fmt"
	"maps"
	"math"
	"strconv"
)

// Kind is the element type of a column.
type Kind int

// Column kinds
const (
	Float Kind = iota
	Int
	String
)

// String returns the ECSV datatype name of the kind.
func (k Kind) String() string {
	switch k {
	case Int:
		return "int64"
	case String:
		return "string"
	default:
		return "float64"
	}
}

// Column is a named, typed vector of values. Exactly one of the value slices is
// used, selected by Kind.
type Column struct {
	Name        string
	Unit        string
	Description string
	Kind        Kind
	// FieldMeta holds per-column format metadata other than unit and
	// description, such as parquet field metadata, carried through unchanged.
	FieldMeta map[string]string

	Floats  []float64
	Ints    []int64
	Strings []string
}

// NewFloat creates a float64 column.
func NewFloat(name string, values []float64) *Column {
	return &Column{Name: name, Kind: Float, Floats: values}
}

// NewInt creates an int64 column.
func NewInt(name string, values []int64) *Column {
	return &Column{Name: name, Kind: Int, Ints: values}
}

// NewString creates a string column.
func NewString(name string, values []string) *Column {
	return &Column{Name: name, Kind: String, Strings: values}
}

// FullFloat creates a float64 column of n copies of v.
func FullFloat(name string, n int, v float64) *Column {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = v
	}

	return NewFloat(name, vals)
}

// WithUnit sets the column unit and returns the column.
func (c *Column) WithUnit(unit string) *Column {
	c.Unit = unit
	return c
}

// WithDescription sets the column description and returns the column.
func (c *Column) WithDescription(desc string) *Column {
	c.Description = desc
	return c
}

// Len returns the number of values.
func (c *Column) Len() int {
	switch c.Kind {
	case Int:
		return len(c.Ints)
	case String:
		return len(c.Strings)
	default:
		return len(c.Floats)
	}
}

// Clone returns a deep copy of the column.
func (c *Column) Clone() *Column {
	out := c.header()
	switch c.Kind {
	case Int:
		out.Ints = append([]int64(nil), c.Ints...)
	case String:
		out.Strings = append([]string(nil), c.Strings...)
	default:
		out.Floats = append([]float64(nil), c.Floats...)
	}

	return out
}

// header copies everything but the values.
func (c *Column) header() *Column {
	return &Column{
		Name:        c.Name,
		Unit:        c.Unit,
		Description: c.Description,
		Kind:        c.Kind,
		FieldMeta:   maps.Clone(c.FieldMeta),
	}
}

// Renamed returns a copy of the column under a new name.
func (c *Column) Renamed(name string) *Column {
	out := c.Clone()
	out.Name = name

	return out
}

// Take returns a new column holding the values at the given row indices.
func (c *Column) Take(idx []int) *Column {
	out := c.header()
	switch c.Kind {
	case Int:
		out.Ints = make([]int64, len(idx))
		for i, j := range idx {
			out.Ints[i] = c.Ints[j]
		}
	case String:
		out.Strings = make([]string, len(idx))
		for i, j := range idx {
			out.Strings[i] = c.Strings[j]
		}
	default:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			out.Floats[i] = c.Floats[j]
		}
	}

	return out
}

// AsFloats returns the values as float64. Integer columns are converted and
// string columns are parsed, unparsable entries becoming NaN.
func (c *Column) AsFloats() []float64 {
	switch c.Kind {
	case Int:
		out := make([]float64, len(c.Ints))
		for i, v := range c.Ints {
			out[i] = float64(v)
		}
		return out
	case String:
		out := make([]float64, len(c.Strings))
		for i, s := range c.Strings {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				v = math.NaN()
			}
			out[i] = v
		}
		return out
	default:
		return append([]float64(nil), c.Floats...)
	}
}

// AsInts returns the values as int64. Float values are truncated.
func (c *Column) AsInts() ([]int64, error) {
	switch c.Kind {
	case Int:
		return append([]int64(nil), c.Ints...), nil
	case String:
		out := make([]int64, len(c.Strings))
		for i, s := range c.Strings {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", c.Name, i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		out := make([]int64, len(c.Floats))
		for i, v := range c.Floats {
			out[i] = int64(v)
		}
		return out, nil
	}
}

// Format renders row i as text.
func (c *Column) Format(i int) string {
	switch c.Kind {
	case Int:
		return strconv.FormatInt(c.Ints[i], 10)
	case String:
		return c.Strings[i]
	default:
		return strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
	}
}
