// Package process runs one photo-z pass over a catalog: format it for the
// engine, reuse or train the model, estimate redshifts and persist the fit.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/handler"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/ethpandaops/rpz/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

// Defaults
const (
	DefaultModelFilename  = "roman_model.pkl"
	DefaultOutputFilename = "roman_photoz_results.parquet"
)

// Stage IDs
const (
	StageCatalog  = "catalog"
	StageInform   = "inform"
	StageEstimate = "estimate"
	StageSave     = "save"
)

var (
	// ErrNoResults is returned when saving before an estimate has produced a fit
	ErrNoResults = errors.New("no photo-z results to save: run the estimate stage first")
	// ErrInputRequired is returned when no input catalog is named
	ErrInputRequired = errors.New("input filename is required")
	// ErrRowMismatch is returned when the fit and the input catalog differ in length
	ErrRowMismatch = errors.New("fit result row count does not match the input catalog")
)

// Options configures a Process.
type Options struct {
	ModelFilename string
	// OutputKeysFile lists the engine output keys; engine.DefaultOutputKeys when empty.
	OutputKeysFile string
	FluxTemplate   band.Template
	ErrTemplate    band.Template
	Overrides      config.Overrides
	// SourceKey is the tree key of the input table in container formats.
	SourceKey string
}

// RunOptions describes one run.
type RunOptions struct {
	InputPath     string
	InputFilename string
	OutputPath    string
	// OutputFilename defaults to DefaultOutputFilename.
	OutputFilename string
	OutputFormat   string
	// SaveResults writes a standalone results file. Otherwise the photo-z
	// columns are merged into the input file.
	SaveResults bool
	// Refresh retrains the model even when one exists.
	Refresh bool
}

// Process orchestrates the photo-z stages
type Process struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	engine  engine.Engine
	opts    Options
	bands   *band.Set
	handler *handler.Handler

	data    *catalog.Table
	model   *engine.Model
	results *catalog.Table
}

// New creates a Process for cfg. The band set is built from the keymap's
// filter list and the option column templates.
func New(log logrus.FieldLogger, cfg *config.Config, eng engine.Engine, opts Options) (*Process, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.ModelFilename == "" {
		opts.ModelFilename = DefaultModelFilename
	}
	if opts.FluxTemplate == "" {
		opts.FluxTemplate = band.SegmentFlux
	}
	if opts.ErrTemplate == "" {
		opts.ErrTemplate = band.SegmentFluxErr
	}
	if opts.SourceKey == "" {
		opts.SourceKey = catalog.DefaultSourceKey
	}

	bands, err := band.FromConfig(cfg, opts.FluxTemplate, opts.ErrTemplate)
	if err != nil {
		return nil, err
	}

	return &Process{
		log:    log.WithField("component", "process"),
		cfg:    cfg,
		engine: eng,
		opts:   opts,
		bands:  bands,
		handler: handler.New(log, bands, handler.Options{
			FluxScale: handler.NJyToCGS,
			FluxUnit:  handler.CGSUnit,
			SourceKey: opts.SourceKey,
		}),
	}, nil
}

// InformerModelPath returns where the trained model lives: the model filename
// under $INFORMER_MODEL_PATH, else under $LEPHAREWORK.
func (p *Process) InformerModelPath() string {
	dir := os.Getenv(config.EnvInformerModelPath)
	if dir == "" {
		dir = os.Getenv(config.EnvLephareWork)
	}

	return filepath.Join(dir, p.opts.ModelFilename)
}

// InformerModelExists reports whether a file exists at InformerModelPath.
func (p *Process) InformerModelExists() bool {
	_, err := os.Stat(p.InformerModelPath())

	return err == nil
}

// Results returns the fit of the last estimate, nil before one ran.
func (p *Process) Results() *catalog.Table {
	return p.results
}

// Run executes catalog, inform, estimate and save in order. It returns the
// path the results were written to.
func (p *Process) Run(ctx context.Context, opts RunOptions) (string, error) {
	if opts.InputFilename == "" {
		return "", ErrInputRequired
	}
	input := filepath.Join(opts.InputPath, opts.InputFilename)

	var output string
	pl, err := pipeline.New(p.log,
		pipeline.Stage{
			ID:  StageCatalog,
			Run: func(_ context.Context) error { return p.loadCatalog(input) },
		},
		pipeline.Stage{
			ID:        StageInform,
			DependsOn: []string{StageCatalog},
			Run:       func(ctx context.Context) error { return p.inform(ctx, opts.Refresh) },
		},
		pipeline.Stage{
			ID:        StageEstimate,
			DependsOn: []string{StageInform},
			Run:       p.estimate,
		},
		pipeline.Stage{
			ID:        StageSave,
			DependsOn: []string{StageEstimate},
			Run: func(_ context.Context) error {
				var err error
				if opts.SaveResults {
					output, err = p.SaveResults(opts.OutputPath, opts.OutputFilename, opts.OutputFormat)
				} else {
					output, err = input, p.UpdateInput(input)
				}
				return err
			},
		},
	)
	if err != nil {
		return "", err
	}

	if _, err := pl.Run(ctx); err != nil {
		return "", err
	}

	return output, nil
}

func (p *Process) loadCatalog(path string) error {
	data, err := p.handler.Process(path)
	if err != nil {
		return err
	}

	observability.RecordObjects(StageCatalog, data.Len())
	p.data = data

	return nil
}

func (p *Process) inform(ctx context.Context, refresh bool) error {
	path := p.InformerModelPath()

	reason := "missing"
	switch {
	case refresh:
		reason = "refresh"
	case p.InformerModelExists():
		model, err := engine.LoadModel(path)
		if err != nil {
			return err
		}

		if p.modelBandsMatch(model) {
			observability.RecordModelCacheHit()
			p.log.WithField("path", path).Info("Using existing informer model")
			p.model = model

			return pipeline.ErrSkip
		}
		reason = "bands"
	}
	observability.RecordModelCacheMiss(reason)

	grid, err := p.cfg.RedshiftGrid()
	if err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{
		"path":   path,
		"z_step": grid.String(),
		"nbins":  grid.NBins(),
	}).Info("Training informer model")

	model, err := p.engine.Inform(ctx, engine.InformRequest{
		Config:    p.cfg,
		Overrides: p.opts.Overrides,
		Bands:     p.bands,
		RefBand:   p.refBand(),
		Grid:      grid,
		Catalog:   p.data,
		ModelPath: path,
	})
	if err != nil {
		return fmt.Errorf("inform failed: %w", err)
	}

	p.model = model

	return nil
}

func (p *Process) estimate(ctx context.Context) error {
	keys := engine.DefaultOutputKeys
	if p.opts.OutputKeysFile != "" {
		var err error
		if keys, err = engine.ReadOutputKeys(p.opts.OutputKeysFile); err != nil {
			return err
		}
	}

	results, err := p.engine.Estimate(ctx, engine.EstimateRequest{
		Config:     p.cfg,
		Model:      p.model,
		Bands:      p.bands,
		RefBand:    p.refBand(),
		Catalog:    p.data,
		OutputKeys: keys,
	})
	if err != nil {
		return fmt.Errorf("estimate failed: %w", err)
	}

	observability.RecordObjects(StageEstimate, results.Len())
	p.results = results

	return nil
}

// modelBandsMatch reports whether a stored model was trained on the current
// bands in the current order. Manifests that record no bands match.
func (p *Process) modelBandsMatch(m *engine.Model) bool {
	if len(m.Bands) == 0 {
		return true
	}

	var unknown []string
	for _, code := range m.Bands {
		if _, ok := p.bands.Lookup(code); !ok {
			unknown = append(unknown, code)
		}
	}
	if len(unknown) > 0 {
		p.log.WithFields(logrus.Fields{
			"path":          m.Path,
			"unknown_bands": unknown,
		}).Warn("Informer model was trained on other bands, retraining")
		return false
	}

	if len(m.Bands) != p.bands.Len() {
		p.log.WithField("path", m.Path).Warn("Informer model band count differs, retraining")
		return false
	}
	for i, code := range m.Bands {
		if p.bands.Index(code) != i {
			p.log.WithField("path", m.Path).Warn("Informer model band order differs, retraining")
			return false
		}
	}

	return true
}

// refBand is the first band's flux column.
func (p *Process) refBand() string {
	return p.bands.FluxColumns()[0]
}

// SaveResults writes the photo-z columns and labels to a standalone file and
// returns its path.
func (p *Process) SaveResults(dir, filename, format string) (string, error) {
	if p.results == nil {
		return "", ErrNoResults
	}
	if filename == "" {
		filename = DefaultOutputFilename
	}

	path, err := catalog.OutputPath(dir, filename, format)
	if err != nil {
		return "", err
	}

	out, err := p.photozTable()
	if err != nil {
		return "", err
	}

	if err := catalog.WriteWith(path, out, catalog.Options{Key: catalog.DefaultResultsKey}); err != nil {
		return "", err
	}

	p.log.WithFields(logrus.Fields{
		"path":    path,
		"objects": out.Len(),
	}).Info("Photo-z results written")

	return path, nil
}

// UpdateInput merges the photo-z columns into the catalog file at path,
// replacing columns of the same name and keeping everything else.
func (p *Process) UpdateInput(path string) error {
	if p.results == nil {
		return ErrNoResults
	}

	opts := catalog.Options{Key: p.opts.SourceKey}
	src, err := catalog.ReadWith(path, opts)
	if err != nil {
		return err
	}

	fit, err := p.photozTable()
	if err != nil {
		return err
	}
	if fit.Len() != src.Len() {
		return fmt.Errorf("%w: %d fits for %d objects", ErrRowMismatch, fit.Len(), src.Len())
	}

	var cols []*catalog.Column
	for _, c := range fit.Columns() {
		if c.Name != handler.LabelColumn {
			cols = append(cols, c)
		}
	}

	merged, err := src.With(cols...)
	if err != nil {
		return err
	}

	if err := catalog.Update(path, merged, opts); err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{
		"path":    path,
		"columns": len(cols),
	}).Info("Photo-z columns merged into input catalog")

	return nil
}
