package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/ethpandaops/rpz/internal/testutil"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return config.Default().Merge(map[string]string{
		"FILTER_LIST": "roman/roman_F062.pb,roman/roman_F087.pb",
	})
}

func newProcess(t *testing.T, fake *testutil.FakeEngine) *Process {
	t.Helper()

	t.Setenv(config.EnvInformerModelPath, t.TempDir())

	p, err := New(testutil.NewLogger(), testConfig(), fake, Options{})
	require.NoError(t, err)

	return p
}

func TestInformerModelPath(t *testing.T) {
	p, err := New(testutil.NewLogger(), testConfig(), &testutil.FakeEngine{}, Options{ModelFilename: "m.pkl"})
	require.NoError(t, err)

	t.Run("INFORMER_MODEL_PATH wins", func(t *testing.T) {
		t.Setenv(config.EnvInformerModelPath, "/models")
		t.Setenv(config.EnvLephareWork, "/work")
		assert.Equal(t, filepath.Join("/models", "m.pkl"), p.InformerModelPath())
	})

	t.Run("falls back to LEPHAREWORK", func(t *testing.T) {
		t.Setenv(config.EnvInformerModelPath, "")
		t.Setenv(config.EnvLephareWork, "/work")
		assert.Equal(t, filepath.Join("/work", "m.pkl"), p.InformerModelPath())
	})

	t.Run("bare filename", func(t *testing.T) {
		t.Setenv(config.EnvInformerModelPath, "")
		t.Setenv(config.EnvLephareWork, "")
		assert.Equal(t, "m.pkl", p.InformerModelPath())
	})
}

func TestInformerModelExists(t *testing.T) {
	p := newProcess(t, &testutil.FakeEngine{})
	assert.Equal(t, filepath.Join(os.Getenv(config.EnvInformerModelPath), DefaultModelFilename), p.InformerModelPath())
	assert.False(t, p.InformerModelExists())

	require.NoError(t, os.WriteFile(p.InformerModelPath(), []byte("x"), 0o600))
	assert.True(t, p.InformerModelExists())
}

func TestRunSaveResults(t *testing.T) {
	fake := &testutil.FakeEngine{}
	p := newProcess(t, fake)

	inDir := t.TempDir()
	testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 3, "F062", "F087"))

	outDir := t.TempDir()
	path, err := p.Run(context.Background(), RunOptions{
		InputPath:     inDir,
		InputFilename: "cat.parquet",
		OutputPath:    outDir,
		SaveResults:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, DefaultOutputFilename), path)

	require.Len(t, fake.InformReqs, 1)
	req := fake.InformReqs[0]
	assert.Equal(t, "segment_f062_flux", req.RefBand)
	assert.Equal(t, []string{"segment_f062_flux", "segment_f087_flux"}, req.Bands.FluxColumns())
	assert.Equal(t, 100, req.Grid.NBins())
	assert.Equal(t, p.InformerModelPath(), req.ModelPath)
	assert.True(t, p.InformerModelExists())

	require.Len(t, fake.EstimateReq, 1)
	assert.Equal(t, engine.DefaultOutputKeys, fake.EstimateReq[0].OutputKeys)
	assert.Equal(t, req.ModelPath, fake.EstimateReq[0].Model.Path)

	got, err := catalog.Read(path)
	require.NoError(t, err)
	names := []string{"label"}
	for _, pc := range PhotozColumns {
		names = append(names, pc.Name)
	}
	assert.Equal(t, names, got.Names())

	z, err := got.Floats("photoz")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3}, z, 1e-9)

	low, err := got.Floats("photoz_low68")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, low[0], 1e-9)

	c, err := got.Column("photoz_gof")
	require.NoError(t, err)
	assert.NotEmpty(t, c.Description)
}

func TestRunReusesModel(t *testing.T) {
	fake := &testutil.FakeEngine{}
	p := newProcess(t, fake)

	inDir := t.TempDir()
	testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 2, "F062", "F087"))
	opts := RunOptions{InputPath: inDir, InputFilename: "cat.parquet", OutputPath: t.TempDir(), SaveResults: true}

	_, err := p.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, fake.InformReqs, 1)

	_, err = p.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, fake.InformReqs, 1, "existing model reused")
	assert.Len(t, fake.EstimateReq, 2)

	opts.Refresh = true
	_, err = p.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, fake.InformReqs, 2, "refresh retrains")
}

func TestRunRetrainsOnBandChange(t *testing.T) {
	tests := []struct {
		name    string
		bands   []string
		retrain bool
	}{
		{name: "same bands", bands: []string{"F062", "F087"}},
		{name: "no bands recorded", bands: nil},
		{name: "other band", bands: []string{"F062", "F213"}, retrain: true},
		{name: "fewer bands", bands: []string{"F062"}, retrain: true},
		{name: "reordered", bands: []string{"F087", "F062"}, retrain: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &testutil.FakeEngine{}
			p := newProcess(t, fake)
			require.NoError(t, engine.SaveModel(&engine.Model{Path: p.InformerModelPath(), Bands: tt.bands}))

			inDir := t.TempDir()
			testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 2, "F062", "F087"))

			_, err := p.Run(context.Background(), RunOptions{
				InputPath: inDir, InputFilename: "cat.parquet", OutputPath: t.TempDir(), SaveResults: true,
			})
			require.NoError(t, err)

			if !tt.retrain {
				assert.Empty(t, fake.InformReqs)
				return
			}
			require.Len(t, fake.InformReqs, 1)

			m, err := engine.LoadModel(p.InformerModelPath())
			require.NoError(t, err)
			assert.Equal(t, []string{"F062", "F087"}, m.Bands)
		})
	}
}

func TestRunMergesIntoInput(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{name: "parquet", file: "cat.parquet"},
		{name: "asdf", file: "cat.asdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcess(t, &testutil.FakeEngine{})

			dir := t.TempDir()
			input := filepath.Join(dir, tt.file)
			src := testutil.RomanSourceTable(t, 3, "F062", "F087")
			require.NoError(t, catalog.WriteWith(input, src, catalog.Options{Key: catalog.DefaultSourceKey}))

			opts := RunOptions{InputPath: dir, InputFilename: tt.file}
			path, err := p.Run(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, input, path)

			// running twice overwrites instead of duplicating
			_, err = p.Run(context.Background(), opts)
			require.NoError(t, err)

			got, err := catalog.ReadWith(input, catalog.Options{Key: catalog.DefaultSourceKey})
			require.NoError(t, err)
			assert.Equal(t, src.NumColumns()+len(PhotozColumns), got.NumColumns())
			assert.True(t, got.Has("segment_f087_flux_err"))

			sed, err := got.Floats("photoz_sed")
			require.NoError(t, err)
			assert.Equal(t, []float64{3, 3, 3}, sed)

			flux, err := got.Floats("segment_f062_flux")
			require.NoError(t, err)
			assert.InDelta(t, 1000.0, flux[0], 1e-9, "input fluxes are not rescaled")
		})
	}
}

// arrowFields returns the field metadata and the table_meta_yaml header
// stored in a parquet file.
func arrowFields(t *testing.T, path string) (map[string]arrow.Metadata, string) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	schema, err := fr.Schema()
	require.NoError(t, err)

	out := map[string]arrow.Metadata{}
	for _, f := range schema.Fields() {
		out[f.Name] = f.Metadata
	}

	header := rdr.MetaData().KeyValueMetadata().FindValue(catalog.TableMetaKey)
	require.NotNil(t, header)

	return out, *header
}

func metaValue(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}

	return ""
}

func TestUpdateInputKeepsColumnMetadata(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{name: "parquet", file: "cat.parquet"},
		{name: "asdf", file: "cat.asdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcess(t, &testutil.FakeEngine{})

			src := testutil.RomanSourceTable(t, 3, "F062", "F087")
			flux, err := src.Column("segment_f062_flux")
			require.NoError(t, err)
			flux.WithDescription("F062 segment flux")

			input := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, catalog.WriteWith(input, src, catalog.Options{Key: catalog.DefaultSourceKey}))

			_, err = p.Run(context.Background(), RunOptions{InputPath: filepath.Dir(input), InputFilename: tt.file})
			require.NoError(t, err)

			got, err := catalog.ReadWith(input, catalog.Options{Key: catalog.DefaultSourceKey})
			require.NoError(t, err)
			for _, pc := range PhotozColumns {
				c, err := got.Column(pc.Name)
				require.NoError(t, err, pc.Name)
				assert.Equal(t, pc.Description, c.Description, pc.Name)
				assert.Equal(t, pc.Unit, c.Unit, pc.Name)
			}
			in, err := got.Column("segment_f062_flux")
			require.NoError(t, err)
			assert.Equal(t, "nJy", in.Unit)
			assert.Equal(t, "F062 segment flux", in.Description)

			if tt.name != "parquet" {
				return
			}

			fields, header := arrowFields(t, input)
			for _, pc := range PhotozColumns {
				md, ok := fields[pc.Name]
				require.True(t, ok, pc.Name)
				assert.Equal(t, pc.Description, metaValue(md, catalog.FieldDescriptionKey), pc.Name)
				assert.Equal(t, pc.Unit, metaValue(md, catalog.FieldUnitKey), pc.Name)
				assert.Contains(t, header, "name: "+pc.Name)
				assert.Contains(t, header, pc.Description)
			}
			assert.Equal(t, "nJy", metaValue(fields["segment_f062_flux"], catalog.FieldUnitKey))
			assert.Equal(t, "F062 segment flux", metaValue(fields["segment_f062_flux"], catalog.FieldDescriptionKey))
			assert.Equal(t, "nJy", metaValue(fields["segment_f087_flux_err"], catalog.FieldUnitKey))
			assert.Contains(t, header, "unit: nJy")
		})
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("input required", func(t *testing.T) {
		p := newProcess(t, &testutil.FakeEngine{})
		_, err := p.Run(context.Background(), RunOptions{})
		require.ErrorIs(t, err, ErrInputRequired)
	})

	t.Run("missing input", func(t *testing.T) {
		p := newProcess(t, &testutil.FakeEngine{})
		_, err := p.Run(context.Background(), RunOptions{InputPath: t.TempDir(), InputFilename: "none.parquet"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stage catalog")
	})

	t.Run("engine failure writes nothing", func(t *testing.T) {
		boom := errors.New("boom")
		p := newProcess(t, &testutil.FakeEngine{Err: boom})

		inDir := t.TempDir()
		testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 2, "F062", "F087"))
		outDir := t.TempDir()

		_, err := p.Run(context.Background(), RunOptions{
			InputPath: inDir, InputFilename: "cat.parquet", OutputPath: outDir, SaveResults: true,
		})
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "stage inform")

		entries, err := os.ReadDir(outDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("missing output keys file", func(t *testing.T) {
		t.Setenv(config.EnvInformerModelPath, t.TempDir())
		p, err := New(testutil.NewLogger(), testConfig(), &testutil.FakeEngine{}, Options{
			OutputKeysFile: filepath.Join(t.TempDir(), "none.para"),
		})
		require.NoError(t, err)

		inDir := t.TempDir()
		testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 2, "F062", "F087"))

		_, err = p.Run(context.Background(), RunOptions{InputPath: inDir, InputFilename: "cat.parquet", SaveResults: true})
		require.ErrorIs(t, err, engine.ErrOutputKeysMissing)
	})
}

func TestSaveWithoutResults(t *testing.T) {
	p := newProcess(t, &testutil.FakeEngine{})

	_, err := p.SaveResults(t.TempDir(), "", "")
	require.ErrorIs(t, err, ErrNoResults)

	require.ErrorIs(t, p.UpdateInput(filepath.Join(t.TempDir(), "cat.parquet")), ErrNoResults)
	assert.Nil(t, p.Results())
}

func TestSaveResultsAsdf(t *testing.T) {
	fake := &testutil.FakeEngine{}
	p := newProcess(t, fake)

	inDir := t.TempDir()
	testutil.WriteTable(t, inDir, "cat.parquet", testutil.RomanSourceTable(t, 2, "F062", "F087"))

	outDir := t.TempDir()
	path, err := p.Run(context.Background(), RunOptions{
		InputPath: inDir, InputFilename: "cat.parquet",
		OutputPath: outDir, OutputFilename: "fit.parquet", OutputFormat: "asdf",
		SaveResults: true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "fit.asdf"), path)

	got, err := catalog.ReadWith(path, catalog.Options{Key: catalog.DefaultResultsKey})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
	assert.True(t, got.Has("photoz_high99"))
}
