// Package engine defines the boundary to the external SED-fitting engine: the
// filter, library, inform and estimate operations the photo-z pipeline drives,
// plus the model handle and output-key list shared by every implementation.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/rpz/pkg/band"
	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"gopkg.in/yaml.v3"
)

var (
	// ErrModelNotFound is returned when a model manifest does not exist
	ErrModelNotFound = errors.New("model not found")
	// ErrNoCatalog is returned when a request carries no catalog
	ErrNoCatalog = errors.New("no catalog in request")
	// ErrNoModel is returned when an estimate request carries no model
	ErrNoModel = errors.New("no model in request")
	// ErrOutputKeysMissing is returned when the output-key file does not exist
	ErrOutputKeysMissing = errors.New("output keys file not found")
)

// Engine is the external SED-fitting engine.
type Engine interface {
	// BuildFilters compiles the transmission curves listed in parFile.
	BuildFilters(ctx context.Context, parFile string) error
	// GenerateLibrary builds the model-magnitude library and returns the path
	// of its flat-file rendering.
	GenerateLibrary(ctx context.Context, req LibraryRequest) (string, error)
	// Inform trains a model and persists it at req.ModelPath.
	Inform(ctx context.Context, req InformRequest) (*Model, error)
	// Estimate fits every object of req.Catalog and returns one row per object
	// with columns named by the expanded output keys.
	Estimate(ctx context.Context, req EstimateRequest) (*catalog.Table, error)
}

// LibraryRequest asks for a model-magnitude library.
type LibraryRequest struct {
	Config    *config.Config
	Overrides config.Overrides
	Bands     *band.Set
}

// InformRequest asks the engine to train a model.
type InformRequest struct {
	Config    *config.Config
	Overrides config.Overrides
	Bands     *band.Set
	// RefBand is the flux column used as the reference band.
	RefBand   string
	Grid      config.Grid
	Catalog   *catalog.Table
	ModelPath string
}

// EstimateRequest asks the engine to fit a catalog with a trained model.
type EstimateRequest struct {
	Config     *config.Config
	Model      *Model
	Bands      *band.Set
	RefBand    string
	Catalog    *catalog.Table
	OutputKeys []string
}

// Model is the handle of a trained model. The engine owns its meaning; the
// pipeline only stores, reloads and passes it back.
type Model struct {
	Path      string            `yaml:"-"`
	Bands     []string          `yaml:"bands"`
	ZStep     string            `yaml:"z_step"`
	NBins     int               `yaml:"nbins"`
	RefBand   string            `yaml:"ref_band"`
	Libraries map[string]string `yaml:"libraries"`
	Keymap    map[string]string `yaml:"keymap,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
}

// SaveModel writes the model manifest to m.Path, creating parent directories.
func SaveModel(m *Model) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	if dir := filepath.Dir(m.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}

	if err := os.WriteFile(m.Path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write model %s: %w", m.Path, err)
	}

	return nil
}

// LoadModel reads the model manifest at path.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Model path supplied by caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, err
	}

	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model %s: %w", path, err)
	}
	m.Path = path

	return &m, nil
}

// DefaultOutputKeys is used when no output-key file is configured. Keys ending
// in "()" are per-band vectors.
//
//nolint:gochecknoglobals // Read-only default list
var DefaultOutputKeys = []string{
	"IDENT",
	"Z_BEST",
	"Z_BEST68_LOW",
	"Z_BEST68_HIGH",
	"Z_BEST90_LOW",
	"Z_BEST90_HIGH",
	"Z_BEST99_LOW",
	"Z_BEST99_HIGH",
	"CHI_BEST",
	"MOD_BEST",
	"ZSPEC",
	"CONTEXT",
	"MAG_OBS()",
	"ERR_MAG_OBS()",
}

// ReadOutputKeys reads a key list, one key per line. Blank lines and lines
// starting with '#' are ignored.
func ReadOutputKeys(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // Key file supplied by caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrOutputKeysMissing, path)
		}
		return nil, err
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}

	return keys, scanner.Err()
}

// IsVectorKey reports whether key names one value per band.
func IsVectorKey(key string) bool {
	return strings.HasSuffix(key, "()")
}

// ExpandOutputKeys returns the output column names for keys: scalar keys are
// kept, vector keys become KEY_<CODE> for every band code in order.
func ExpandOutputKeys(keys, codes []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !IsVectorKey(k) {
			out = append(out, k)
			continue
		}
		base := strings.TrimSuffix(k, "()")
		for _, c := range codes {
			out = append(out, base+"_"+strings.ToUpper(c))
		}
	}

	return out
}
