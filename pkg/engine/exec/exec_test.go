package exec

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/rpz/internal/testutil"
	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommands stand in for the engine programs: sedtolib keeps a copy of its
// parameter file, mag_gal writes the library file and zphota echoes labels
// with fixed fit values.
func fakeCommands() Commands {
	return Commands{
		Filter:   `echo {{ .para | quote }} > {{ .work }}/filter.log`,
		SEDToLib: `cp {{ .para | quote }} {{ .work }}/{{ .type }}.para`,
		MagGal:   `mkdir -p {{ .library | dir | quote }} && echo {{ .type }} > {{ .library | quote }}`,
		ZPhotA:   `awk '{print $1, 0.5, 0.4, 0.6, 1.5, 7}' {{ .input | quote }} > {{ .output | quote }}`,
	}
}

func newTestEngine(t *testing.T, cmds Commands) *Engine {
	t.Helper()

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	cfg.WorkDir = t.TempDir()
	cfg.Commands = cmds

	e, err := New(testutil.NewLogger(), cfg)
	require.NoError(t, err)

	return e
}

func testBands(t *testing.T) *band.Set {
	t.Helper()

	bands, err := band.NewSet([]string{"roman/roman_F062.pb", "roman/roman_F087.pb"}, band.SegmentFlux, band.SegmentFluxErr)
	require.NoError(t, err)

	return bands
}

func TestNewValidates(t *testing.T) {
	t.Run("work directory required", func(t *testing.T) {
		t.Setenv(config.EnvLephareWork, "")
		t.Setenv(config.EnvLephareDir, "")

		cfg := &Config{Commands: fakeCommands()}
		_, err := New(testutil.NewLogger(), cfg)
		require.ErrorIs(t, err, ErrWorkDirRequired)
	})

	t.Run("bin directory from LEPHAREDIR", func(t *testing.T) {
		t.Setenv(config.EnvLephareDir, "/opt/lephare")

		cfg := &Config{WorkDir: t.TempDir(), Commands: fakeCommands()}
		_, err := New(testutil.NewLogger(), cfg)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/opt/lephare", "bin"), cfg.BinDir)
	})

	t.Run("empty command", func(t *testing.T) {
		cmds := fakeCommands()
		cmds.ZPhotA = ""
		_, err := New(testutil.NewLogger(), &Config{WorkDir: t.TempDir(), Commands: cmds})
		require.ErrorIs(t, err, ErrCommandRequired)
	})

	t.Run("bad template", func(t *testing.T) {
		cmds := fakeCommands()
		cmds.Filter = "{{ .para"
		_, err := New(testutil.NewLogger(), &Config{WorkDir: t.TempDir(), Commands: cmds})
		require.Error(t, err)
	})
}

func TestDefaultCommandsRender(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	cfg.BinDir = "/opt/lephare/bin"

	te, err := NewTemplateEngine(cfg.Commands.byProgram())
	require.NoError(t, err)

	vars := BuildVariables(cfg, "/tmp/run/star.para")
	vars["type"] = "S"

	got, err := te.Render(ProgramSEDToLib, vars)
	require.NoError(t, err)
	assert.Equal(t, `/opt/lephare/bin/sedtolib -t S -c "/tmp/run/star.para"`, got)
}

func TestBuildFilters(t *testing.T) {
	e := newTestEngine(t, fakeCommands())

	require.NoError(t, e.BuildFilters(context.Background(), "/data/roman_phot.par"))

	data, err := os.ReadFile(filepath.Join(e.cfg.WorkDir, "filter.log"))
	require.NoError(t, err)
	assert.Equal(t, "/data/roman_phot.par\n", string(data))
}

func TestCommandFailure(t *testing.T) {
	cmds := fakeCommands()
	cmds.Filter = "echo boom >&2; exit 3"
	e := newTestEngine(t, cmds)

	err := e.BuildFilters(context.Background(), "x.par")
	require.Error(t, err)

	var exitErr *osexec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestGenerateLibrary(t *testing.T) {
	e := newTestEngine(t, fakeCommands())

	path, err := e.GenerateLibrary(context.Background(), engine.LibraryRequest{
		Config:    config.Default(),
		Overrides: config.DefaultOverrides(),
		Bands:     testBands(t),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.cfg.WorkDir, "lib_mag", "GAL_ROMAN.dat"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "G\n", string(data))

	gal, err := config.Load(filepath.Join(e.cfg.WorkDir, "G.para"))
	require.NoError(t, err)
	assert.Equal(t, "YES", gal.Value("LIB_ASCII"))
	assert.Equal(t, "0.5,1.,1.5", gal.Value("EM_DISPERSION"))

	star, err := config.Load(filepath.Join(e.cfg.WorkDir, "S.para"))
	require.NoError(t, err)
	assert.Equal(t, "0.5,0.75,1.,1.5,2.", star.Value("EM_DISPERSION"))
}

func TestInform(t *testing.T) {
	e := newTestEngine(t, fakeCommands())
	grid, err := config.ParseGrid("0.1,0,2")
	require.NoError(t, err)

	modelPath := filepath.Join(e.cfg.WorkDir, "models", "roman_model.pkl")
	model, err := e.Inform(context.Background(), engine.InformRequest{
		Config:    config.Default(),
		Overrides: config.DefaultOverrides(),
		Bands:     testBands(t),
		RefBand:   "segment_f062_flux",
		Grid:      grid,
		ModelPath: modelPath,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, model.NBins)

	loaded, err := engine.LoadModel(modelPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"F062", "F087"}, loaded.Bands)
	assert.Equal(t, "segment_f062_flux", loaded.RefBand)
	assert.Equal(t, map[string]string{
		"STAR": "STAR_ROMAN",
		"QSO":  "QSO_ROMAN",
		"GAL":  "GAL_ROMAN",
	}, loaded.Libraries)

	gal, err := config.Load(filepath.Join(e.cfg.WorkDir, "G.para"))
	require.NoError(t, err)
	assert.Equal(t, "0.1,0,2", gal.Value("Z_STEP"))
}

func TestEstimate(t *testing.T) {
	e := newTestEngine(t, fakeCommands())

	tbl, err := catalog.NewTable(
		catalog.NewInt("label", []int64{11, 12, 13}),
		catalog.NewFloat("segment_f062_flux", []float64{1, 2, 3}),
		catalog.NewFloat("segment_f062_flux_err", []float64{0.1, 0.1, 0.1}),
		catalog.NewInt("context", []int64{1, 1, 1}),
		catalog.NewFloat("redshift", []float64{0, 0, 0}),
		catalog.NewString("string_data", []string{"", "", ""}),
	)
	require.NoError(t, err)

	model := &engine.Model{Libraries: map[string]string{"GAL": "GAL_ROMAN", "STAR": "STAR_ROMAN"}}
	keys := []string{"IDENT", "Z_BEST", "Z_BEST68_LOW", "Z_BEST68_HIGH", "CHI_BEST", "MOD_BEST"}

	out, err := e.Estimate(context.Background(), engine.EstimateRequest{
		Config:     config.Default(),
		Model:      model,
		Bands:      testBands(t),
		Catalog:    tbl,
		OutputKeys: keys,
	})
	require.NoError(t, err)
	assert.Equal(t, keys, out.Names())
	assert.Equal(t, 3, out.Len())

	ident, err := out.Floats("IDENT")
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 12, 13}, ident)

	z, err := out.Floats("Z_BEST")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, z)

	entries, err := os.ReadDir(filepath.Join(e.cfg.WorkDir, "rpz"))
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories are removed")
}

func TestEstimateErrors(t *testing.T) {
	tbl, err := catalog.NewTable(catalog.NewInt("label", []int64{1, 2, 3}))
	require.NoError(t, err)
	model := &engine.Model{}

	t.Run("missing catalog", func(t *testing.T) {
		e := newTestEngine(t, fakeCommands())
		_, err := e.Estimate(context.Background(), engine.EstimateRequest{Config: config.Default(), Model: model})
		require.ErrorIs(t, err, engine.ErrNoCatalog)
	})

	t.Run("missing model", func(t *testing.T) {
		e := newTestEngine(t, fakeCommands())
		_, err := e.Estimate(context.Background(), engine.EstimateRequest{Config: config.Default(), Catalog: tbl})
		require.ErrorIs(t, err, engine.ErrNoModel)
	})

	t.Run("row count mismatch", func(t *testing.T) {
		cmds := fakeCommands()
		cmds.ZPhotA = `echo 1 0.5 > {{ .output | quote }}`
		e := newTestEngine(t, cmds)

		_, err := e.Estimate(context.Background(), engine.EstimateRequest{
			Config:     config.Default(),
			Model:      model,
			Catalog:    tbl,
			OutputKeys: []string{"IDENT", "Z_BEST"},
		})
		require.ErrorIs(t, err, catalog.ErrMalformed)
	})
}

func TestZPhotLibOrder(t *testing.T) {
	got := zphotLib(map[string]string{"STAR": "S1", "QSO": "Q1", "GAL": "G1"})
	assert.Equal(t, "G1,S1,Q1", got)
}
