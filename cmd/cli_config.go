package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/engine/exec"
	"github.com/ethpandaops/rpz/pkg/engine/queue"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Engine types
const (
	EngineExec  = "exec"
	EngineQueue = "queue"
)

var (
	// ErrUnknownEngine is returned when the engine type is neither exec nor queue
	ErrUnknownEngine = errors.New("unknown engine type")
)

// CLIConfig is the YAML configuration shared by every command
type CLIConfig struct {
	// Logging level, overridden by --log-level when set
	Logging string `yaml:"logging" default:"info" validate:"oneof=panic fatal error warn info debug trace"`

	Engine EngineConfig `yaml:"engine"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig selects and configures the photo-z engine
type EngineConfig struct {
	// Type is "exec" to run the engine programs locally or "queue" to hand
	// work to remote workers.
	Type  string       `yaml:"type" default:"exec"`
	Exec  exec.Config  `yaml:"exec"`
	Queue queue.Config `yaml:"queue"`
}

// MetricsConfig controls metric export
type MetricsConfig struct {
	// Addr is the listen address of the worker's metrics endpoint.
	Addr string `yaml:"addr" default:":9090"`
	// Textfile receives a snapshot of the metrics at the end of a batch run.
	Textfile string `yaml:"textfile"`
}

// Validate validates the CLI configuration
func (c *CLIConfig) Validate() error {
	switch c.Engine.Type {
	case EngineExec, EngineQueue:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine.Type)
	}

	if _, err := logrus.ParseLevel(c.Logging); err != nil {
		return err
	}

	return nil
}

// LoadCLIConfig loads CLI configuration from a YAML file. A missing file
// yields the defaults.
func LoadCLIConfig(path string) (*CLIConfig, error) {
	if path == "" {
		path = "rpz.yaml"
	}

	config := &CLIConfig{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	// Try to read the file, but allow it to not exist
	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}

// NewEngine builds the configured engine. The returned close function
// releases its connections.
func (c *CLIConfig) NewEngine(log logrus.FieldLogger) (engine.Engine, func() error, error) {
	switch c.Engine.Type {
	case EngineQueue:
		eng, err := queue.New(log, &c.Engine.Queue)
		if err != nil {
			return nil, nil, err
		}
		return eng, eng.Close, nil
	case EngineExec:
		eng, err := exec.New(log, &c.Engine.Exec)
		if err != nil {
			return nil, nil, err
		}
		return eng, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine.Type)
	}
}
