// Package simulate generates synthetic Roman catalogs from the engine's
// model-magnitude library: sample, perturb, convert to fluxes and lay out in
// the source catalog schema.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"os"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/handler"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// Flux conversion constants
const (
	// ABZeroPoint is the AB magnitude offset in erg/s/cm^2/Hz.
	ABZeroPoint = 48.6
	// FluxUnit is the unit of the generated fluxes.
	FluxUnit = "nJy"
	// DefaultFluxErrFraction is the flux error used when no magnitude error exists.
	DefaultFluxErrFraction = 0.01
	// MissingMagnitude bounds valid magnitudes; the engine writes +-99 for
	// bands a model does not cover.
	MissingMagnitude = 90.0
)

// Output defaults
const (
	DefaultOutputFilename = "roman_simulated_catalog.parquet"
	DefaultNObjects       = 100
	DefaultSeed           = 42
)

// LabelColumn is the dense object identifier added by AddIDs.
const LabelColumn = handler.LabelColumn

var (
	// ErrNotInitialized is returned when sampling before the library is generated
	ErrNotInitialized = errors.New("simulated catalog not initialized: generate the library first")
	// ErrTooManyObjects is returned when more objects are requested than the library holds
	ErrTooManyObjects = catalog.ErrTooManyRows
	// ErrUnsupportedOutput is returned for output formats other than parquet and asdf
	ErrUnsupportedOutput = catalog.ErrUnsupportedFormat
)

// Options controls a Process run.
type Options struct {
	NObjects int
	// MagNoise is the standard deviation of the magnitude noise. Zero or
	// below disables noise.
	MagNoise float64
	Seed     uint64
	// Layout is the library column layout; DefaultLayout when empty.
	Layout []string
	// Template is the output schema; DefaultTemplate when nil.
	Template *catalog.Table
	// Return keeps the catalog in memory instead of writing it.
	Return         bool
	OutputPath     string
	OutputFilename string
	// Format is "parquet" or "asdf"; taken from OutputFilename when empty.
	Format string
}

// Generator produces synthetic catalogs
type Generator struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	overrides config.Overrides
	engine    engine.Engine
	mags      *band.Set
	fluxes    *band.Set

	library *catalog.Table
}

// New creates a Generator for the keymap's filter list
func New(log logrus.FieldLogger, cfg *config.Config, overrides config.Overrides, eng engine.Engine) (*Generator, error) {
	mags, err := band.FromConfig(cfg, band.Magnitude, band.MagnitudeErr)
	if err != nil {
		return nil, err
	}

	fluxes, err := mags.WithTemplates(band.SegmentFlux, band.SegmentFluxErr)
	if err != nil {
		return nil, err
	}

	return &Generator{
		log:       log.WithField("component", "simulate"),
		cfg:       cfg,
		overrides: overrides,
		engine:    eng,
		mags:      mags,
		fluxes:    fluxes,
	}, nil
}

// Generate asks the engine for the magnitude library and loads it
func (g *Generator) Generate(ctx context.Context, layout []string) error {
	if len(layout) == 0 {
		layout = DefaultLayout
	}

	path, err := g.engine.GenerateLibrary(ctx, engine.LibraryRequest{
		Config:    g.cfg,
		Overrides: g.overrides,
		Bands:     g.mags,
	})
	if err != nil {
		return fmt.Errorf("failed to generate library: %w", err)
	}

	lib, err := ReadLibrary(path, layout, g.mags)
	if err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"path":    path,
		"objects": lib.Len(),
	}).Info("Magnitude library loaded")

	g.library = lib

	return nil
}

// Library returns the loaded library, nil before Generate.
func (g *Generator) Library() *catalog.Table {
	return g.library
}

// Sample draws n distinct library rows
func (g *Generator) Sample(n int, seed uint64) (*catalog.Table, error) {
	if g.library == nil {
		return nil, ErrNotInitialized
	}

	return g.library.Sample(n, seed)
}

// AddNoise adds Gaussian noise with standard deviation sigma to every band
// magnitude and sets the magnitude error columns to sigma. sigma <= 0 returns
// t unchanged.
func AddNoise(t *catalog.Table, mags *band.Set, sigma float64, seed uint64) (*catalog.Table, error) {
	if sigma <= 0 {
		return t, nil
	}

	cols := make([]*catalog.Column, 0, 2*mags.Len())
	for i, b := range mags.Bands() {
		m, err := t.Floats(b.FluxColumn)
		if err != nil {
			return nil, err
		}

		noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewPCG(seed, seed+uint64(i)+1)}
		for j := range m {
			if validMagnitude(m[j]) {
				m[j] += noise.Rand()
			}
		}

		cols = append(cols,
			catalog.NewFloat(b.FluxColumn, m),
			catalog.FullFloat(b.ErrColumn, len(m), sigma),
		)
	}

	return t.With(cols...)
}

// AddIDs sets a dense 1-based label column
func AddIDs(t *catalog.Table) (*catalog.Table, error) {
	ids := make([]int64, t.Len())
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	return t.With(catalog.NewInt(LabelColumn, ids))
}

// MagToFlux adds nJy flux and flux error columns (named by fluxes) computed
// from the AB magnitudes and magnitude errors named by mags. Without a
// magnitude error column the flux error is 1% of the flux. Magnitudes the
// engine marks as missing become the sentinel pair.
func MagToFlux(t *catalog.Table, mags, fluxes *band.Set) (*catalog.Table, error) {
	fluxBands := fluxes.Bands()
	cols := make([]*catalog.Column, 0, 2*mags.Len())

	for i, b := range mags.Bands() {
		m, err := t.Floats(b.FluxColumn)
		if err != nil {
			return nil, err
		}

		var merr []float64
		if t.Has(b.ErrColumn) {
			if merr, err = t.Floats(b.ErrColumn); err != nil {
				return nil, err
			}
		}

		flux := make([]float64, len(m))
		ferr := make([]float64, len(m))
		for j := range m {
			if !validMagnitude(m[j]) {
				flux[j], ferr[j] = handler.Sentinel, handler.Sentinel
				continue
			}
			flux[j] = MagToNJy(m[j])
			if merr != nil {
				ferr[j] = FluxErr(flux[j], merr[j])
			} else {
				ferr[j] = DefaultFluxErrFraction * flux[j]
			}
		}

		cols = append(cols,
			catalog.NewFloat(fluxBands[i].FluxColumn, flux).WithUnit(FluxUnit),
			catalog.NewFloat(fluxBands[i].ErrColumn, ferr).WithUnit(FluxUnit),
		)
	}

	return t.With(cols...)
}

// MagToNJy converts an AB magnitude to nJy.
func MagToNJy(m float64) float64 {
	return math.Pow(10, -0.4*(m+ABZeroPoint)) / handler.NJyToCGS
}

// FluxErr propagates a magnitude error to a flux error.
func FluxErr(flux, magErr float64) float64 {
	return math.Ln10 / 2.5 * flux * magErr
}

func validMagnitude(m float64) bool {
	return !math.IsNaN(m) && math.Abs(m) < MissingMagnitude
}

// DefaultTemplate is the Roman source catalog schema the fitting stage reads:
// label, true redshift and one nJy flux/error pair per band.
func DefaultTemplate(fluxes *band.Set) *catalog.Table {
	cols := []*catalog.Column{
		catalog.NewInt(LabelColumn, []int64{}),
		catalog.NewFloat(RedshiftColumn, []float64{}),
	}
	for _, b := range fluxes.Bands() {
		cols = append(cols,
			catalog.NewFloat(b.FluxColumn, []float64{}).WithUnit(FluxUnit),
			catalog.NewFloat(b.ErrColumn, []float64{}).WithUnit(FluxUnit),
		)
	}

	t, _ := catalog.NewTable(cols...)

	return t
}

// ApplyTemplate returns a table with exactly the template's columns, kinds and
// units, in template order. Columns missing from t are zero-filled.
func ApplyTemplate(t, template *catalog.Table) (*catalog.Table, error) {
	n := t.Len()
	cols := make([]*catalog.Column, 0, template.NumColumns())

	for _, tc := range template.Columns() {
		var out *catalog.Column
		src, err := t.Column(tc.Name)
		switch {
		case err != nil:
			out = zeroColumn(tc, n)
		case tc.Kind == catalog.Int:
			ints, err := src.AsInts()
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", tc.Name, err)
			}
			out = catalog.NewInt(tc.Name, ints)
		case tc.Kind == catalog.String:
			s := make([]string, n)
			for i := range s {
				s[i] = src.Format(i)
			}
			out = catalog.NewString(tc.Name, s)
		default:
			out = catalog.NewFloat(tc.Name, src.AsFloats())
		}

		out.Unit, out.Description = tc.Unit, tc.Description
		cols = append(cols, out)
	}

	out, err := catalog.NewTable(cols...)
	if err != nil {
		return nil, err
	}
	out.Meta = maps.Clone(template.Meta)

	return out, nil
}

func zeroColumn(tc *catalog.Column, n int) *catalog.Column {
	switch tc.Kind {
	case catalog.Int:
		return catalog.NewInt(tc.Name, make([]int64, n))
	case catalog.String:
		return catalog.NewString(tc.Name, make([]string, n))
	default:
		return catalog.NewFloat(tc.Name, make([]float64, n))
	}
}

// Process generates, samples, perturbs, converts and lays out a synthetic
// catalog. Unless opts.Return is set the catalog is written, replacing any
// existing file, and the path is returned.
func (g *Generator) Process(ctx context.Context, opts Options) (*catalog.Table, string, error) {
	if err := g.Generate(ctx, opts.Layout); err != nil {
		return nil, "", err
	}

	t, err := g.Sample(opts.NObjects, opts.Seed)
	if err != nil {
		return nil, "", err
	}

	if t, err = AddNoise(t, g.mags, opts.MagNoise, opts.Seed); err != nil {
		return nil, "", err
	}
	if t, err = AddIDs(t); err != nil {
		return nil, "", err
	}
	if t, err = MagToFlux(t, g.mags, g.fluxes); err != nil {
		return nil, "", err
	}

	template := opts.Template
	if template == nil {
		template = DefaultTemplate(g.fluxes)
	}
	if t, err = ApplyTemplate(t, template); err != nil {
		return nil, "", err
	}

	observability.RecordObjects("simulate", t.Len())

	if opts.Return {
		return t, "", nil
	}

	name := opts.OutputFilename
	if name == "" {
		name = DefaultOutputFilename
	}
	path, err := catalog.OutputPath(opts.OutputPath, name, opts.Format)
	if err != nil {
		return nil, "", err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to replace %s: %w", path, err)
	}
	if err := catalog.WriteWith(path, t, catalog.Options{Key: catalog.DefaultSourceKey}); err != nil {
		return nil, "", err
	}

	g.log.WithFields(logrus.Fields{
		"path":    path,
		"objects": t.Len(),
	}).Info("Simulated catalog written")

	return t, path, nil
}
