package queue

import (
	"errors"
	"time"

	"github.com/ethpandaops/rpz/pkg/redis"
)

var (
	// ErrSharedDirRequired is returned when no shared directory is configured
	ErrSharedDirRequired = errors.New("shared directory is required")
	// ErrInvalidPollInterval is returned when the poll interval is not positive
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
)

// Config contains the remote engine settings shared by client and worker
type Config struct {
	Redis redis.Config `yaml:"redis"`
	// Queue is the task queue name, prefixed with Redis.Prefix.
	Queue string `yaml:"queue" default:"photoz"`
	// SharedDir is visible to both client and worker under the same path.
	// Catalogs, parameter files and results are exchanged through it.
	SharedDir string `yaml:"sharedDir"`
	// PollInterval is how often the client checks task state.
	PollInterval time.Duration `yaml:"pollInterval" default:"2s"`
	// Timeout bounds a task's run time on the worker.
	Timeout time.Duration `yaml:"timeout" default:"6h"`
	// Retention keeps completed tasks long enough for the client to read them.
	Retention time.Duration `yaml:"retention" default:"1h"`
	// ShutdownTimeout bounds worker shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"30s"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return err
	}

	if c.SharedDir == "" {
		return ErrSharedDirRequired
	}

	if c.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	return nil
}

// QueueName returns the prefixed queue name
func (c *Config) QueueName() string {
	return c.Redis.PrefixQueue(c.Queue)
}
