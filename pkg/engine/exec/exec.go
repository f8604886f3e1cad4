// Package exec implements the photo-z engine by running the engine's
// command-line programs (filter, sedtolib, mag_gal, zphota) through the shell.
package exec

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// libraryTypes maps populations to the program type flag
//
//nolint:gochecknoglobals // Read-only lookup table
var libraryTypes = map[config.Population]string{
	config.PopulationStar:   "S",
	config.PopulationGalaxy: "G",
	config.PopulationQSO:    "Q",
}

// zphotOrder is the ZPHOTLIB order of the trained libraries
//
//nolint:gochecknoglobals // Read-only ordering
var zphotOrder = []config.Population{config.PopulationGalaxy, config.PopulationStar, config.PopulationQSO}

// Engine runs the engine programs locally
type Engine struct {
	log       logrus.FieldLogger
	cfg       *Config
	templates *TemplateEngine
}

// New creates a command-line engine
func New(log logrus.FieldLogger, cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	templates, err := NewTemplateEngine(cfg.Commands.byProgram())
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:       log.WithField("engine", "exec"),
		cfg:       cfg,
		templates: templates,
	}, nil
}

// BuildFilters compiles the transmission curves listed in parFile
func (e *Engine) BuildFilters(ctx context.Context, parFile string) error {
	return e.run(ctx, ProgramFilter, BuildVariables(e.cfg, parFile))
}

// GenerateLibrary builds the star, QSO and galaxy libraries and returns the
// galaxy library's flat-file rendering
func (e *Engine) GenerateLibrary(ctx context.Context, req engine.LibraryRequest) (string, error) {
	base := req.Config.Merge(map[string]string{"LIB_ASCII": "YES"})

	libs, err := e.buildLibraries(ctx, base, req.Overrides)
	if err != nil {
		return "", err
	}

	return e.libraryFile(libs[string(config.PopulationGalaxy)]), nil
}

// Inform builds the libraries on the request's redshift grid and writes the
// model manifest
func (e *Engine) Inform(ctx context.Context, req engine.InformRequest) (*engine.Model, error) {
	base := req.Config.Merge(map[string]string{"Z_STEP": req.Grid.String()})

	e.log.WithFields(logrus.Fields{
		"model":    req.ModelPath,
		"z_step":   req.Grid.String(),
		"nbins":    req.Grid.NBins(),
		"ref_band": req.RefBand,
	}).Info("Training model")

	libs, err := e.buildLibraries(ctx, base, req.Overrides)
	if err != nil {
		return nil, err
	}

	model := &engine.Model{
		Path:      req.ModelPath,
		ZStep:     req.Grid.String(),
		NBins:     req.Grid.NBins(),
		RefBand:   req.RefBand,
		Libraries: libs,
		Keymap:    base.Map(),
		CreatedAt: time.Now().UTC(),
	}
	if req.Bands != nil {
		model.Bands = req.Bands.Codes()
	}

	if err := engine.SaveModel(model); err != nil {
		return nil, err
	}

	return model, nil
}

// Estimate writes the catalog in the engine's text layout, runs zphota and
// reads its output back
func (e *Engine) Estimate(ctx context.Context, req engine.EstimateRequest) (*catalog.Table, error) {
	if req.Catalog == nil {
		return nil, engine.ErrNoCatalog
	}
	if req.Model == nil {
		return nil, engine.ErrNoModel
	}

	keys := req.OutputKeys
	if len(keys) == 0 {
		keys = engine.DefaultOutputKeys
	}
	var codes []string
	if req.Bands != nil {
		codes = req.Bands.Codes()
	}

	dir, cleanup, err := e.scratchDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	input := filepath.Join(dir, "input.in")
	output := filepath.Join(dir, "output.out")
	keysFile := filepath.Join(dir, "output.para")

	if err := writeCatalog(input, req.Catalog); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keysFile, []byte(strings.Join(keys, "\n")+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write output keys: %w", err)
	}

	overrides := map[string]string{
		"CAT_IN":   input,
		"CAT_OUT":  output,
		"PARA_OUT": keysFile,
		"CAT_FMT":  "MEME",
		"CAT_TYPE": "LONG",
		"ZPHOTLIB": zphotLib(req.Model.Libraries),
	}
	if req.Model.ZStep != "" {
		overrides["Z_STEP"] = req.Model.ZStep
	}
	cfg := req.Config.Merge(overrides)

	paraFile := filepath.Join(dir, "zphota.para")
	if err := cfg.WriteParaFile(paraFile); err != nil {
		return nil, err
	}

	vars := BuildVariables(e.cfg, paraFile)
	vars["input"] = input
	vars["output"] = output
	vars["keys"] = keysFile

	if err := e.run(ctx, ProgramZPhotA, vars); err != nil {
		return nil, err
	}

	result, err := readOutput(output, engine.ExpandOutputKeys(keys, codes))
	if err != nil {
		return nil, err
	}
	if result.Len() != req.Catalog.Len() {
		return nil, fmt.Errorf("%w: engine returned %d rows for %d objects", catalog.ErrMalformed, result.Len(), req.Catalog.Len())
	}

	e.log.WithField("objects", result.Len()).Info("Estimate completed")

	return result, nil
}

// buildLibraries runs sedtolib then mag_gal for every population and returns
// the library name per population
func (e *Engine) buildLibraries(ctx context.Context, base *config.Config, overrides config.Overrides) (map[string]string, error) {
	dir, cleanup, err := e.scratchDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	libs := make(map[string]string, len(libraryTypes))
	for _, p := range config.Populations() {
		cfg := overrides.For(base, p)

		paraFile := filepath.Join(dir, strings.ToLower(string(p))+".para")
		if err := cfg.WriteParaFile(paraFile); err != nil {
			return nil, err
		}

		name := cfg.Value(string(p) + "_LIB_OUT")

		vars := BuildVariables(e.cfg, paraFile)
		vars["type"] = libraryTypes[p]
		vars["library"] = e.libraryFile(name)

		for _, program := range []string{ProgramSEDToLib, ProgramMagGal} {
			if err := e.run(ctx, program, vars); err != nil {
				return nil, fmt.Errorf("%s library: %w", strings.ToLower(string(p)), err)
			}
		}

		libs[string(p)] = name
	}

	return libs, nil
}

func (e *Engine) libraryFile(name string) string {
	return filepath.Join(e.cfg.WorkDir, "lib_mag", name+".dat")
}

func (e *Engine) scratchDir() (string, func(), error) {
	dir := filepath.Join(e.cfg.WorkDir, "rpz", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	cleanup := func() {
		if e.cfg.KeepFiles {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			e.log.WithError(err).WithField("dir", dir).Warn("Failed to remove scratch directory")
		}
	}

	return dir, cleanup, nil
}

func (e *Engine) run(ctx context.Context, program string, vars map[string]interface{}) error {
	command, err := e.templates.Render(program, vars)
	if err != nil {
		return err
	}

	// #nosec G204 -- Engine command templates come from the operator's configuration
	cmd := osexec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), BuildEnvironmentVariables(e.cfg)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		observability.RecordEngineCommand(program, "failed")
		e.log.WithFields(logrus.Fields{
			"program": program,
			"command": command,
			"output":  string(output),
			"error":   err,
		}).Error("Command execution failed")
		return fmt.Errorf("%s execution failed: %w", program, err)
	}

	observability.RecordEngineCommand(program, "success")
	e.log.WithFields(logrus.Fields{
		"program": program,
		"command": command,
	}).Debug("Command executed successfully")

	return nil
}

func zphotLib(libs map[string]string) string {
	names := make([]string, 0, len(libs))
	for _, p := range zphotOrder {
		if name := libs[string(p)]; name != "" {
			names = append(names, name)
		}
	}

	return strings.Join(names, ",")
}

func writeCatalog(path string, t *catalog.Table) error {
	f, err := os.Create(path) //nolint:gosec // Scratch file
	if err != nil {
		return fmt.Errorf("failed to create engine input: %w", err)
	}

	if err := catalog.WriteText(f, t, false); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write engine input: %w", err)
	}

	return f.Close()
}

func readOutput(path string, names []string) (*catalog.Table, error) {
	f, err := os.Open(path) //nolint:gosec // Scratch file
	if err != nil {
		return nil, fmt.Errorf("failed to open engine output: %w", err)
	}
	defer f.Close()

	t, err := catalog.ReadText(f, names)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine output: %w", err)
	}

	return t, nil
}

// Ensure Engine implements the interface
var _ engine.Engine = (*Engine)(nil)
