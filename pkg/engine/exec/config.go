package exec

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethpandaops/rpz/pkg/config"
)

var (
	// ErrWorkDirRequired is returned when no work directory can be resolved
	ErrWorkDirRequired = errors.New("engine work directory is required (set workDir or LEPHAREWORK)")
	// ErrCommandRequired is returned when a program has no command template
	ErrCommandRequired = errors.New("command template is required")
)

// Program names, also used as metric labels
const (
	ProgramFilter   = "filter"
	ProgramSEDToLib = "sedtolib"
	ProgramMagGal   = "mag_gal"
	ProgramZPhotA   = "zphota"
)

// Config holds the command-line engine settings.
type Config struct {
	// BinDir holds the engine programs. Empty means $LEPHAREDIR/bin when
	// LEPHAREDIR is set, else the programs are looked up on PATH.
	BinDir string `yaml:"binDir"`
	// WorkDir is where libraries and scratch files are written. Empty means
	// the LEPHAREWORK resolution.
	WorkDir string `yaml:"workDir"`
	// KeepFiles leaves per-call scratch directories in place.
	KeepFiles bool     `yaml:"keepFiles"`
	Commands  Commands `yaml:"commands"`
}

// Commands are text/template command lines run through "sh -c". Templates see
// .bin, .para, .work and, depending on the program, .type, .library, .input,
// .output and .keys. Sprig functions are available.
type Commands struct {
	Filter   string `yaml:"filter" default:"{{ .bin }}filter -c {{ .para | quote }}"`
	SEDToLib string `yaml:"sedtolib" default:"{{ .bin }}sedtolib -t {{ .type }} -c {{ .para | quote }}"`
	MagGal   string `yaml:"magGal" default:"{{ .bin }}mag_gal -t {{ .type }} -c {{ .para | quote }}"`
	ZPhotA   string `yaml:"zphota" default:"{{ .bin }}zphota -c {{ .para | quote }}"`
}

func (c Commands) byProgram() map[string]string {
	return map[string]string{
		ProgramFilter:   c.Filter,
		ProgramSEDToLib: c.SEDToLib,
		ProgramMagGal:   c.MagGal,
		ProgramZPhotA:   c.ZPhotA,
	}
}

// Validate resolves defaults from the environment and checks the configuration.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		c.WorkDir = config.WorkDir()
	}
	if c.WorkDir == "" {
		return ErrWorkDirRequired
	}

	if c.BinDir == "" {
		if d := config.LephareDir(); d != "" {
			c.BinDir = filepath.Join(d, "bin")
		}
	}

	for program, tmpl := range c.Commands.byProgram() {
		if tmpl == "" {
			return fmt.Errorf("%w: %s", ErrCommandRequired, program)
		}
	}

	return nil
}
