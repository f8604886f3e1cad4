package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
)

// Task types served by the worker
const (
	TypeBuildFilters    = "photoz:filters"
	TypeGenerateLibrary = "photoz:library"
	TypeInform          = "photoz:inform"
	TypeEstimate        = "photoz:estimate"
)

// Files in a task's shared directory
const (
	configFile  = "config.para"
	catalogFile = "catalog.parquet"
	resultFile  = "result.parquet"
)

// TaskPayload represents the payload of a remote engine task. Bulk data lives
// in Dir on shared storage; the payload carries paths and small values only.
type TaskPayload struct {
	ID           string           `json:"id"`
	Dir          string           `json:"dir"`
	ParFile      string           `json:"par_file,omitempty"`
	Overrides    config.Overrides `json:"overrides"`
	FilterFiles  []string         `json:"filter_files,omitempty"`
	FluxTemplate string           `json:"flux_template,omitempty"`
	ErrTemplate  string           `json:"err_template,omitempty"`
	RefBand      string           `json:"ref_band,omitempty"`
	ZStep        string           `json:"z_step,omitempty"`
	ModelPath    string           `json:"model_path,omitempty"`
	OutputKeys   []string         `json:"output_keys,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task
func (p TaskPayload) UniqueID() string {
	return p.ID
}

// ConfigPath is the keymap written by the client
func (p TaskPayload) ConfigPath() string {
	return filepath.Join(p.Dir, configFile)
}

// CatalogPath is the input catalog written by the client
func (p TaskPayload) CatalogPath() string {
	return filepath.Join(p.Dir, catalogFile)
}

// ResultPath is the estimate result written by the worker
func (p TaskPayload) ResultPath() string {
	return filepath.Join(p.Dir, resultFile)
}

// newPayload creates the task directory and writes the keymap and catalog
func newPayload(sharedDir, id string, cfg *config.Config, bands *band.Set, tbl *catalog.Table) (TaskPayload, error) {
	p := TaskPayload{
		ID:         id,
		Dir:        filepath.Join(sharedDir, id),
		EnqueuedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return p, fmt.Errorf("failed to create task directory: %w", err)
	}

	if cfg != nil {
		if err := cfg.WriteParaFile(p.ConfigPath()); err != nil {
			return p, err
		}
	}

	if bands != nil {
		flux, fluxErr := bands.Templates()
		p.FilterFiles = bands.Files()
		p.FluxTemplate, p.ErrTemplate = string(flux), string(fluxErr)
	}

	if tbl != nil {
		if err := catalog.Write(p.CatalogPath(), tbl); err != nil {
			return p, fmt.Errorf("failed to write task catalog: %w", err)
		}
	}

	return p, nil
}

// decode rebuilds the request values on the worker side
func (p TaskPayload) decode(withCatalog bool) (*config.Config, *band.Set, *catalog.Table, error) {
	cfg, err := config.Load(p.ConfigPath())
	if err != nil {
		return nil, nil, nil, err
	}

	var bands *band.Set
	if len(p.FilterFiles) > 0 {
		bands, err = band.NewSet(p.FilterFiles, band.Template(p.FluxTemplate), band.Template(p.ErrTemplate))
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var tbl *catalog.Table
	if withCatalog {
		tbl, err = catalog.Read(p.CatalogPath())
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return cfg, bands, tbl, nil
}

// loadResult reads the worker's estimate result
func (p TaskPayload) loadResult() (*catalog.Table, error) {
	return catalog.Read(p.ResultPath())
}

// loadModel reads the model manifest the worker wrote
func (p TaskPayload) loadModel() (*engine.Model, error) {
	return engine.LoadModel(p.ModelPath)
}
