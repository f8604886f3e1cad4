package catalog

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSameTable(t *testing.T, expected, actual *Table) {
	t.Helper()

	require.Equal(t, expected.Names(), actual.Names())
	require.Equal(t, expected.Len(), actual.Len())
	for _, want := range expected.Columns() {
		got, err := actual.Column(want.Name)
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind, want.Name)
		assert.Equal(t, want.Unit, got.Unit, want.Name)
		switch want.Kind {
		case Int:
			assert.Equal(t, want.Ints, got.Ints, want.Name)
		case String:
			assert.Equal(t, want.Strings, got.Strings, want.Name)
		default:
			assert.InDeltaSlice(t, want.Floats, got.Floats, 1e-12, want.Name)
		}
	}
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path     string
		expected string
		wantErr  bool
	}{
		{path: "cat.parquet", expected: "parquet"},
		{path: "CAT.ASDF", expected: "asdf"},
		{path: "cat.ecsv", expected: "ecsv"},
		{path: "roman_simulated_catalog.in", expected: "text"},
		{path: "cat.fits", wantErr: true},
		{path: "noext", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f, err := FormatFor(tt.path)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedFormat)
				assert.Contains(t, err.Error(), tt.path)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, f.Name())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, ext := range []string{".parquet", ".asdf", ".ecsv"} {
		t.Run(ext, func(t *testing.T) {
			tbl := sampleTable(t)
			tbl.Meta["origin"] = "test"
			path := filepath.Join(t.TempDir(), "cat"+ext)

			require.NoError(t, Write(path, tbl))

			got, err := Read(path)
			require.NoError(t, err)
			assertSameTable(t, tbl, got)
			assert.Equal(t, "test", got.Meta["origin"])
		})
	}
}

// parquetFooter returns the footer key/value metadata and the arrow schema
// an arrow-based reader sees for the file at path.
func parquetFooter(t *testing.T, path string) (map[string]string, *arrow.Schema) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer rdr.Close()

	kv := map[string]string{}
	md := rdr.MetaData().KeyValueMetadata()
	for i, k := range md.Keys() {
		kv[k] = md.Values()[i]
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	schema, err := fr.Schema()
	require.NoError(t, err)

	return kv, schema
}

func fieldMeta(t *testing.T, schema *arrow.Schema, name, key string) string {
	t.Helper()

	fields, ok := schema.FieldsByName(name)
	require.True(t, ok, name)
	i := fields[0].Metadata.FindKey(key)
	if i < 0 {
		return ""
	}

	return fields[0].Metadata.Values()[i]
}

func TestParquetKeepsColumnOrderAndMetadata(t *testing.T) {
	tbl, err := NewTable(
		NewFloat("zeta", []float64{1, 2}).WithDescription("last letter"),
		NewFloat("alpha", []float64{3, 4}).WithUnit("mag"),
	)
	require.NoError(t, err)
	tbl.KeyValue["pipeline"] = "roman"
	tbl.KeyValue[ArrowSchemaKey] = "stale"

	path := filepath.Join(t.TempDir(), "ordered.parquet")
	require.NoError(t, Write(path, tbl))

	kv, schema := parquetFooter(t, path)
	assert.NotEqual(t, "stale", kv[ArrowSchemaKey])
	assert.NotEmpty(t, kv[ArrowSchemaKey])
	assert.Contains(t, kv[TableMetaKey], "last letter")
	assert.Equal(t, []string{"zeta", "alpha"}, []string{schema.Field(0).Name, schema.Field(1).Name})
	assert.Equal(t, "last letter", fieldMeta(t, schema, "zeta", FieldDescriptionKey))
	assert.Equal(t, "mag", fieldMeta(t, schema, "alpha", FieldUnitKey))
	for k := range kv {
		assert.NotContains(t, k, "unit:")
	}

	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha"}, got.Names())
	assert.Equal(t, "roman", got.KeyValue["pipeline"])
	assert.NotContains(t, got.KeyValue, ArrowSchemaKey)
	assert.NotContains(t, got.KeyValue, TableMetaKey)

	zeta, _ := got.Column("zeta")
	assert.Equal(t, "last letter", zeta.Description)
	alpha, _ := got.Column("alpha")
	assert.Equal(t, "mag", alpha.Unit)
}

func TestParquetUpdateKeepsFieldMetadata(t *testing.T) {
	flux := NewFloat("segment_f158_flux", []float64{10, 20}).WithUnit("nJy").WithDescription("Segment flux")
	flux.FieldMeta = map[string]string{"ucd": "phot.flux"}
	tbl, err := NewTable(NewInt("label", []int64{1, 2}), flux)
	require.NoError(t, err)
	tbl.KeyValue["origin"] = "romanisim"

	path := filepath.Join(t.TempDir(), "cat.parquet")
	require.NoError(t, Write(path, tbl))

	src, err := Read(path)
	require.NoError(t, err)

	// a bare column replacing an existing one inherits its metadata
	bare := NewFloat("segment_f158_flux", []float64{11, 21})
	merged, err := src.With(bare, NewFloat("photoz", []float64{0.5, 1.5}).WithDescription("Best-fit photometric redshift"))
	require.NoError(t, err)
	delete(merged.KeyValue, "origin")

	require.NoError(t, Update(path, merged, Options{}))

	kv, schema := parquetFooter(t, path)
	assert.NotEmpty(t, kv[ArrowSchemaKey])
	assert.Equal(t, "romanisim", kv["origin"])
	assert.Equal(t, "nJy", fieldMeta(t, schema, "segment_f158_flux", FieldUnitKey))
	assert.Equal(t, "Segment flux", fieldMeta(t, schema, "segment_f158_flux", FieldDescriptionKey))
	assert.Equal(t, "phot.flux", fieldMeta(t, schema, "segment_f158_flux", "ucd"))
	assert.Equal(t, "Best-fit photometric redshift", fieldMeta(t, schema, "photoz", FieldDescriptionKey))

	h, err := decodeHeader(kv[TableMetaKey])
	require.NoError(t, err)
	names := make([]string, 0, len(h.Datatype))
	for _, c := range h.Datatype {
		names = append(names, c.Name)
		if c.Name == "segment_f158_flux" {
			assert.Equal(t, "nJy", c.Unit)
		}
		if c.Name == "photoz" {
			assert.Equal(t, "Best-fit photometric redshift", c.Description)
		}
	}
	assert.Equal(t, []string{"label", "segment_f158_flux", "photoz"}, names)

	got, err := Read(path)
	require.NoError(t, err)
	f, err := got.Floats("segment_f158_flux")
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 21}, f)

	c, _ := got.Column("segment_f158_flux")
	assert.Equal(t, map[string]string{"ucd": "phot.flux"}, c.FieldMeta)
}

func TestParquetUpdateMissingFile(t *testing.T) {
	tbl, err := NewTable(NewFloat("z", []float64{1}))
	require.NoError(t, err)

	err = Update(filepath.Join(t.TempDir(), "none.parquet"), tbl, Options{})
	require.Error(t, err)
}

func TestECSVHandlesQuotingAndMissing(t *testing.T) {
	tbl, err := NewTable(
		NewString("note", []string{"two words", ""}),
		NewFloat("z", []float64{0.5, math.NaN()}),
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeECSV(&buf, tbl))
	assert.Contains(t, buf.String(), `"two words" 0.5`)

	got, err := readECSV(&buf)
	require.NoError(t, err)

	note, _ := got.Column("note")
	assert.Equal(t, []string{"two words", ""}, note.Strings)
	z, _ := got.Floats("z")
	assert.Equal(t, 0.5, z[0])
	assert.True(t, math.IsNaN(z[1]))
}

func TestReadECSVRejectsMissingHeader(t *testing.T) {
	_, err := readECSV(strings.NewReader("a b\n1 2\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadText(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		names    []string
		expected []string
		kinds    []Kind
		wantErr  bool
	}{
		{
			name:     "headerless",
			content:  "1 0.5 abc\n2 1.5 def\n",
			expected: []string{"col1", "col2", "col3"},
			kinds:    []Kind{Int, Float, String},
		},
		{
			name:     "comment names",
			content:  "# id flux\n1 2e3\n\n2 -99\n",
			expected: []string{"id", "flux"},
			kinds:    []Kind{Int, Float},
		},
		{
			name:     "explicit names win",
			content:  "# id flux\n1 2\n",
			names:    []string{"a", "b"},
			expected: []string{"a", "b"},
			kinds:    []Kind{Int, Int},
		},
		{
			name:    "ragged rows",
			content: "1 2\n3\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadText(strings.NewReader(tt.content), tt.names)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Names())
			for i, c := range got.Columns() {
				assert.Equal(t, tt.kinds[i], c.Kind, c.Name)
			}
		})
	}
}

func TestWriteTextKeepsFieldCount(t *testing.T) {
	tbl, err := NewTable(
		NewInt("id", []int64{1, 2}),
		NewString("s", []string{"a b", ""}),
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, tbl, false))
	assert.Equal(t, "1 a_b\n2 -\n", buf.String())
}

const inlineASDF = `#ASDF 1.0.0
#ASDF_STANDARD 1.5.0
%YAML 1.1
%TAG ! tag:stsci.edu:asdf/
--- !core/asdf-1.1.0
meta_info: {telescope: roman, visit: 7}
roman:
  source_catalog: !core/table-1.0.0
    columns:
    - !core/column-1.0.0
      data: !core/ndarray-1.0.0
        data: [1, 2]
        datatype: int64
        shape: [2]
      name: label
    - !core/column-1.0.0
      data: !core/ndarray-1.0.0
        data: [1.5, 2.5]
        datatype: float64
        shape: [2]
      name: segment_f158_flux
      unit: !unit/unit-1.0.0 nJy
...
`

func TestASDFReadInlineTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.asdf")
	require.NoError(t, os.WriteFile(path, []byte(inlineASDF), 0o600))

	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"label", "segment_f158_flux"}, got.Names())
	flux, err := got.Column("segment_f158_flux")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5}, flux.Floats)
	assert.Equal(t, "nJy", flux.Unit)

	_, err = ReadWith(path, Options{Key: "nope"})
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestASDFUpdatePreservesTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.asdf")
	require.NoError(t, os.WriteFile(path, []byte(inlineASDF), 0o600))

	tbl, err := Read(path)
	require.NoError(t, err)
	require.NoError(t, tbl.Set(NewFloat("photoz", []float64{0.1, 0.2})))

	require.NoError(t, Update(path, tbl, Options{}))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"label", "segment_f158_flux", "photoz"}, got.Names())
	z, _ := got.Floats("photoz")
	assert.Equal(t, []float64{0.1, 0.2}, z)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	af, err := parseASDF(raw)
	require.NoError(t, err)

	var info map[string]any
	require.NoError(t, mapValue(af.root, "meta_info").Decode(&info))
	assert.Equal(t, "roman", info["telescope"])
	assert.Equal(t, 7, info["visit"])
}

func TestASDFUpdateKeepsExistingBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.asdf")
	first, err := NewTable(NewFloat("a", []float64{1, 2, 3}))
	require.NoError(t, err)
	require.NoError(t, WriteWith(path, first, Options{Key: "first"}))

	second, err := NewTable(NewInt("b", []int64{4, 5}))
	require.NoError(t, err)
	require.NoError(t, Update(path, second, Options{Key: "second"}))

	a, err := ReadWith(path, Options{Key: "first"})
	require.NoError(t, err)
	assertSameTable(t, first, a)

	b, err := ReadWith(path, Options{Key: "second"})
	require.NoError(t, err)
	assertSameTable(t, second, b)
}

func TestASDFRejectsNonASDF(t *testing.T) {
	_, err := parseASDF([]byte("not asdf"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = parseASDF([]byte("#ASDF 1.0.0\n--- [1, 2]\n...\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		format  string
		want    string
		wantErr error
	}{
		{name: "keeps parquet", file: "out.parquet", want: "dir/out.parquet"},
		{name: "keeps asdf", file: "out.asdf", want: "dir/out.asdf"},
		{name: "appends parquet", file: "out", want: "dir/out.parquet"},
		{name: "format replaces extension", file: "out.parquet", format: "asdf", want: "dir/out.asdf"},
		{name: "format is case-insensitive", file: "out.asdf", format: "ASDF", want: "dir/out.asdf"},
		{name: "unknown format", file: "out.fits", format: "fits", wantErr: ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OutputPath("dir", tt.file, tt.format)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}
