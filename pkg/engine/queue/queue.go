// Package queue implements the photo-z engine as a remote service: requests are
// enqueued as asynq tasks and served by a worker that runs a local engine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTaskFailed is returned when the worker failed a task
	ErrTaskFailed = errors.New("remote engine task failed")
	// ErrTaskLost is returned when a task disappears before completing
	ErrTaskLost = errors.New("remote engine task not found")
)

// QueueManager manages remote engine tasks
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
	}
}

// Enqueue enqueues a task. Tasks are never retried; completed tasks are kept
// for the retention period so their result can be read.
func (q *QueueManager) Enqueue(taskType, queue string, payload TaskPayload, retention, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskType, data)

	_, err = q.client.Enqueue(task,
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Retention(retention),
	)

	return err
}

// TaskInfo returns the state of a task
func (q *QueueManager) TaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskLost, id)
		}
		return nil, err
	}

	return info, nil
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// Engine sends engine requests to remote workers
type Engine struct {
	log   logrus.FieldLogger
	cfg   *Config
	queue *QueueManager
}

// New creates a remote engine client
func New(log logrus.FieldLogger, cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opt, err := cfg.Redis.AsynqOptions()
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:   log.WithField("engine", "queue"),
		cfg:   cfg,
		queue: NewQueueManager(opt),
	}, nil
}

// Close releases the Redis connections
func (e *Engine) Close() error {
	return e.queue.Close()
}

// BuildFilters asks a worker to compile the filters listed in parFile, which
// must be on shared storage
func (e *Engine) BuildFilters(ctx context.Context, parFile string) error {
	p, err := newPayload(e.cfg.SharedDir, uuid.NewString(), nil, nil, nil)
	if err != nil {
		return err
	}
	p.ParFile = parFile

	_, err = e.submit(ctx, TypeBuildFilters, p)

	return err
}

// GenerateLibrary asks a worker to build the libraries and returns the
// library path the worker reported
func (e *Engine) GenerateLibrary(ctx context.Context, req engine.LibraryRequest) (string, error) {
	p, err := newPayload(e.cfg.SharedDir, uuid.NewString(), req.Config, req.Bands, nil)
	if err != nil {
		return "", err
	}
	p.Overrides = req.Overrides

	info, err := e.submit(ctx, TypeGenerateLibrary, p)
	if err != nil {
		return "", err
	}

	return string(info.Result), nil
}

// Inform asks a worker to train a model at req.ModelPath, which must be on
// shared storage
func (e *Engine) Inform(ctx context.Context, req engine.InformRequest) (*engine.Model, error) {
	p, err := newPayload(e.cfg.SharedDir, uuid.NewString(), req.Config, req.Bands, req.Catalog)
	if err != nil {
		return nil, err
	}
	p.Overrides = req.Overrides
	p.RefBand = req.RefBand
	p.ZStep = req.Grid.String()
	p.ModelPath = req.ModelPath

	if _, err := e.submit(ctx, TypeInform, p); err != nil {
		return nil, err
	}

	return p.loadModel()
}

// Estimate asks a worker to fit req.Catalog and reads back its result
func (e *Engine) Estimate(ctx context.Context, req engine.EstimateRequest) (*catalog.Table, error) {
	if req.Catalog == nil {
		return nil, engine.ErrNoCatalog
	}
	if req.Model == nil {
		return nil, engine.ErrNoModel
	}

	p, err := newPayload(e.cfg.SharedDir, uuid.NewString(), req.Config, req.Bands, req.Catalog)
	if err != nil {
		return nil, err
	}
	p.RefBand = req.RefBand
	p.ModelPath = req.Model.Path
	p.OutputKeys = req.OutputKeys

	if _, err := e.submit(ctx, TypeEstimate, p); err != nil {
		return nil, err
	}

	return p.loadResult()
}

// submit enqueues a task and waits until it completes or fails
func (e *Engine) submit(ctx context.Context, taskType string, p TaskPayload) (*asynq.TaskInfo, error) {
	queue := e.cfg.QueueName()
	start := time.Now()

	if err := e.queue.Enqueue(taskType, queue, p, e.cfg.Retention, e.cfg.Timeout); err != nil {
		observability.RecordEngineTask(taskType, "failed", 0)
		return nil, fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	observability.RecordEngineTask(taskType, "enqueued", 0)

	log := e.log.WithFields(logrus.Fields{
		"task_type": taskType,
		"task_id":   p.ID,
		"queue":     queue,
	})
	log.Info("Task enqueued, waiting for worker")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		info, err := e.queue.TaskInfo(queue, p.ID)
		if err != nil {
			return nil, err
		}

		switch info.State {
		case asynq.TaskStateCompleted:
			observability.RecordEngineTask(taskType, "completed", time.Since(start).Seconds())
			log.WithField("duration", time.Since(start)).Info("Task completed")
			return info, nil
		case asynq.TaskStateArchived:
			observability.RecordEngineTask(taskType, "failed", time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %s %s: %s", ErrTaskFailed, taskType, p.ID, info.LastErr)
		default:
			log.WithField("state", info.State.String()).Debug("Task not finished")
		}
	}
}

// Ensure Engine implements the interface
var _ engine.Engine = (*Engine)(nil)
