package catalog

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Parquet metadata keys
const (
	// TableMetaKey holds the astropy ECSV-style header: column order, units,
	// descriptions and table meta.
	TableMetaKey = "table_meta_yaml"
	// ArrowSchemaKey holds the serialized arrow schema, including per-field
	// unit and description metadata. It is regenerated on every write.
	ArrowSchemaKey = "ARROW:schema"
	// Field metadata keys read by arrow-based readers.
	FieldUnitKey        = "unit"
	FieldDescriptionKey = "description"

	parquetFieldPrefix = "PARQUET:"
)

type parquetFormat struct{}

func (parquetFormat) Name() string         { return "parquet" }
func (parquetFormat) Extensions() []string { return []string{".parquet", ".pq"} }

func (parquetFormat) Read(path string, _ Options) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Catalog path supplied by caller
	if err != nil {
		return nil, err
	}

	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer tbl.Release()

	cols := make([]*Column, 0, tbl.NumCols())
	for i, field := range tbl.Schema().Fields() {
		c, ok := columnFromField(field)
		if !ok {
			continue
		}
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			appendArrow(c, chunk)
		}
		cols = append(cols, c)
	}

	t, err := NewTable(cols...)
	if err != nil {
		return nil, err
	}

	kv := rdr.MetaData().KeyValueMetadata()
	keys, values := kv.Keys(), kv.Values()
	for i, k := range keys {
		if k == TableMetaKey || k == ArrowSchemaKey {
			continue
		}
		t.KeyValue[k] = values[i]
	}

	if raw := kv.FindValue(TableMetaKey); raw != nil {
		h, err := decodeHeader(*raw)
		if err != nil {
			return nil, err
		}
		applyHeader(t, h)
	}

	return t, nil
}

// columnFromField maps an arrow field to an empty column. Nested and
// otherwise unsupported types are skipped.
func columnFromField(f arrow.Field) (*Column, bool) {
	c := &Column{Name: f.Name}
	switch f.Type.ID() {
	case arrow.FLOAT32, arrow.FLOAT64:
		c.Kind = Float
	case arrow.BOOL, arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		c.Kind = Int
	case arrow.STRING, arrow.LARGE_STRING, arrow.BINARY:
		c.Kind = String
	default:
		return nil, false
	}

	keys, values := f.Metadata.Keys(), f.Metadata.Values()
	for i, k := range keys {
		switch {
		case k == FieldUnitKey:
			c.Unit = values[i]
		case k == FieldDescriptionKey:
			c.Description = values[i]
		case strings.HasPrefix(k, parquetFieldPrefix):
			// field ids are assigned by the writer
		default:
			if c.FieldMeta == nil {
				c.FieldMeta = map[string]string{}
			}
			c.FieldMeta[k] = values[i]
		}
	}

	return c, true
}

type valuer[T any] interface {
	Len() int
	IsNull(i int) bool
	Value(i int) T
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func appendInts[T integer](c *Column, a valuer[T]) {
	for i := 0; i < a.Len(); i++ {
		var x int64
		if !a.IsNull(i) {
			x = int64(a.Value(i))
		}
		c.Ints = append(c.Ints, x)
	}
}

func appendFloats[T float32 | float64](c *Column, a valuer[T]) {
	for i := 0; i < a.Len(); i++ {
		x := math.NaN()
		if !a.IsNull(i) {
			x = float64(a.Value(i))
		}
		c.Floats = append(c.Floats, x)
	}
}

func appendStrings(c *Column, a valuer[string]) {
	for i := 0; i < a.Len(); i++ {
		s := ""
		if !a.IsNull(i) {
			s = a.Value(i)
		}
		c.Strings = append(c.Strings, s)
	}
}

func appendArrow(c *Column, arr arrow.Array) {
	switch a := arr.(type) {
	case *array.Float64:
		appendFloats[float64](c, a)
	case *array.Float32:
		appendFloats[float32](c, a)
	case *array.Int64:
		appendInts[int64](c, a)
	case *array.Int32:
		appendInts[int32](c, a)
	case *array.Int16:
		appendInts[int16](c, a)
	case *array.Int8:
		appendInts[int8](c, a)
	case *array.Uint64:
		appendInts[uint64](c, a)
	case *array.Uint32:
		appendInts[uint32](c, a)
	case *array.Uint16:
		appendInts[uint16](c, a)
	case *array.Uint8:
		appendInts[uint8](c, a)
	case *array.Boolean:
		for i := 0; i < a.Len(); i++ {
			var x int64
			if !a.IsNull(i) && a.Value(i) {
				x = 1
			}
			c.Ints = append(c.Ints, x)
		}
	case *array.String:
		appendStrings(c, a)
	case *array.LargeString:
		appendStrings(c, a)
	case *array.Binary:
		for i := 0; i < a.Len(); i++ {
			c.Strings = append(c.Strings, string(a.Value(i)))
		}
	}
}

func (parquetFormat) Write(path string, t *Table, _ Options) error {
	schema, err := arrowSchema(t)
	if err != nil {
		return err
	}

	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	for i, c := range t.columns {
		switch b := rb.Field(i).(type) {
		case *array.Int64Builder:
			b.AppendValues(c.Ints, nil)
		case *array.StringBuilder:
			b.AppendValues(c.Strings, nil)
		case *array.Float64Builder:
			b.AppendValues(c.Floats, nil)
		}
	}

	rec := rb.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(schema, &buf, parquet.NewWriterProperties(),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return err
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o644) //nolint:gosec // Catalogs are shared data files
}

// Update rewrites the file at path with t. Columns of t that carry no unit,
// description or field metadata inherit them from the column of the same
// name in the existing file, and footer entries t does not set are kept.
func (p parquetFormat) Update(path string, t *Table, opts Options) error {
	prev, err := p.Read(path, opts)
	if err != nil {
		return err
	}

	out := t.Clone()
	for _, c := range out.columns {
		old, err := prev.Column(c.Name)
		if err != nil {
			continue
		}
		if c.Unit == "" {
			c.Unit = old.Unit
		}
		if c.Description == "" {
			c.Description = old.Description
		}
		for k, v := range old.FieldMeta {
			if _, ok := c.FieldMeta[k]; ok {
				continue
			}
			if c.FieldMeta == nil {
				c.FieldMeta = map[string]string{}
			}
			c.FieldMeta[k] = v
		}
	}
	for k, v := range prev.KeyValue {
		if _, ok := out.KeyValue[k]; !ok {
			out.KeyValue[k] = v
		}
	}

	return p.Write(path, out, opts)
}

// arrowSchema builds the arrow schema for t in column order. Units and
// descriptions go to both the field metadata and the table_meta_yaml header
// so arrow and astropy readers agree.
func arrowSchema(t *Table) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(t.columns))
	for _, c := range t.columns {
		f := arrow.Field{Name: c.Name, Metadata: fieldMetadata(c)}
		switch c.Kind {
		case Int:
			f.Type = arrow.PrimitiveTypes.Int64
		case String:
			f.Type = arrow.BinaryTypes.String
		default:
			f.Type = arrow.PrimitiveTypes.Float64
		}
		fields = append(fields, f)
	}

	header, err := encodeHeader(t)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(t.KeyValue)+1)
	for k := range t.KeyValue {
		if k == TableMetaKey || k == ArrowSchemaKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		values = append(values, t.KeyValue[k])
	}
	keys = append(keys, TableMetaKey)
	values = append(values, header)

	md := arrow.NewMetadata(keys, values)

	return arrow.NewSchema(fields, &md), nil
}

func fieldMetadata(c *Column) arrow.Metadata {
	var keys, values []string
	if c.Unit != "" {
		keys, values = append(keys, FieldUnitKey), append(values, c.Unit)
	}
	if c.Description != "" {
		keys, values = append(keys, FieldDescriptionKey), append(values, c.Description)
	}

	extra := make([]string, 0, len(c.FieldMeta))
	for k := range c.FieldMeta {
		if k == FieldUnitKey || k == FieldDescriptionKey {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		keys, values = append(keys, k), append(values, c.FieldMeta[k])
	}

	return arrow.NewMetadata(keys, values)
}
