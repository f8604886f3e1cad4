package handler

import (
	"math"
	"testing"

	"github.com/ethpandaops/rpz/internal/testutil"
	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func romanBands(t *testing.T) *band.Set {
	t.Helper()

	set, err := band.FromConfig(config.Default(), band.SegmentFlux, band.SegmentFluxErr)
	require.NoError(t, err)

	return set
}

func TestFormatMissingBandUsesSentinel(t *testing.T) {
	bands := romanBands(t)
	codes := make([]string, 0, bands.Len())
	for _, c := range bands.Codes() {
		if c != "F184" {
			codes = append(codes, c)
		}
	}
	src := testutil.RomanSourceTable(t, 3, codes...)

	h := New(testutil.NewLogger(), bands, Options{FluxScale: NJyToCGS, FluxUnit: CGSUnit})
	out, err := h.Format(src, nil)
	require.NoError(t, err)

	flux, err := out.Floats("segment_f184_flux")
	require.NoError(t, err)
	errs, err := out.Floats("segment_f184_flux_err")
	require.NoError(t, err)
	assert.Equal(t, []float64{-99, -99, -99}, flux)
	assert.Equal(t, []float64{-99, -99, -99}, errs)

	f062, err := out.Floats("segment_f062_flux")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1e3 * 1e-32, 2e3 * 1e-32, 3e3 * 1e-32}, f062, 1e-40)

	col, err := out.Column("segment_f062_flux")
	require.NoError(t, err)
	assert.Equal(t, CGSUnit, col.Unit)
}

func TestFormatLayout(t *testing.T) {
	bands := romanBands(t)
	src := testutil.RomanSourceTable(t, 2, bands.Codes()...)

	out, err := New(testutil.NewLogger(), bands, Options{}).Format(src, nil)
	require.NoError(t, err)

	expected := []string{LabelColumn}
	for _, b := range bands.Bands() {
		expected = append(expected, b.FluxColumn, b.ErrColumn)
	}
	expected = append(expected, ContextColumn, RedshiftColumn, StringColumn)
	assert.Equal(t, expected, out.Names())

	z, err := out.Floats(RedshiftColumn)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.2}, z, 1e-12)

	ctx, err := out.Column(ContextColumn)
	require.NoError(t, err)
	assert.Equal(t, []int64{255, 255}, ctx.Ints)

	f062, err := out.Floats("segment_f062_flux")
	require.NoError(t, err)
	assert.Equal(t, []float64{1e3, 2e3}, f062)
}

func TestFormatIsIdempotent(t *testing.T) {
	bands := romanBands(t)
	src := testutil.RomanSourceTable(t, 2, "F062", "F158")
	h := New(testutil.NewLogger(), bands, Options{FluxScale: NJyToCGS})

	first, err := h.Format(src, nil)
	require.NoError(t, err)
	second, err := h.Format(src, first)
	require.NoError(t, err)

	assert.Equal(t, first.Names(), second.Names())
	assert.Equal(t, 1+2*bands.Len()+3, second.NumColumns())

	a, _ := first.Floats("segment_f062_flux")
	b, _ := second.Floats("segment_f062_flux")
	assert.Equal(t, a, b, "second pass must not rescale")
}

func TestFormatContextAndRedshiftFallbacks(t *testing.T) {
	bands, err := band.NewSet([]string{"roman_F062.pb", "roman_F087.pb"}, band.SegmentFlux, band.SegmentFluxErr)
	require.NoError(t, err)

	src, err := catalog.NewTable(
		catalog.NewInt("id", []int64{5, 6}),
		catalog.NewFloat("segment_f087_flux", []float64{1, math.NaN()}),
		catalog.NewFloat("segment_f087_flux_err", []float64{0.1, 0.1}),
	)
	require.NoError(t, err)

	out, err := New(testutil.NewLogger(), bands, Options{}).Format(src, nil)
	require.NoError(t, err)

	label, _ := out.Column(LabelColumn)
	assert.Equal(t, []int64{5, 6}, label.Ints)

	ctx, _ := out.Column(ContextColumn)
	assert.Equal(t, []int64{2, 0}, ctx.Ints)

	z, _ := out.Floats(RedshiftColumn)
	assert.Equal(t, []float64{0, 0}, z)

	f087, _ := out.Floats("segment_f087_flux")
	assert.Equal(t, []float64{1, -99}, f087)
}

func TestFormatRequiresLabel(t *testing.T) {
	src, err := catalog.NewTable(catalog.NewFloat("x", []float64{1}))
	require.NoError(t, err)

	_, err = New(testutil.NewLogger(), romanBands(t), Options{}).Format(src, nil)
	require.ErrorIs(t, err, catalog.ErrColumnNotFound)
}

func TestProcessReadsByExtension(t *testing.T) {
	dir := t.TempDir()
	bands := romanBands(t)
	path := testutil.WriteTable(t, dir, "cat.parquet", testutil.RomanSourceTable(t, 4, bands.Codes()...))

	out, err := New(testutil.NewLogger(), bands, Options{}).Process(path)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Len())

	_, err = New(testutil.NewLogger(), bands, Options{}).Process(dir + "/cat.fits")
	require.ErrorIs(t, err, catalog.ErrUnsupportedFormat)
}
