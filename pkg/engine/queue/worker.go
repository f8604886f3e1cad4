package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/rpz/pkg/catalog"
	"github.com/ethpandaops/rpz/pkg/config"
	"github.com/ethpandaops/rpz/pkg/engine"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ErrWorkerShutdownTimeout is returned when worker shutdown times out
var ErrWorkerShutdownTimeout = errors.New("worker shutdown timed out")

// Worker serves remote engine tasks with a local engine, one task at a time
type Worker struct {
	log    logrus.FieldLogger
	cfg    *Config
	engine engine.Engine

	done chan struct{}
	wg   sync.WaitGroup

	server *asynq.Server
}

// NewWorker creates a worker delegating to eng
func NewWorker(log logrus.FieldLogger, cfg *Config, eng engine.Engine) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Worker{
		log:    log.WithField("service", "worker"),
		cfg:    cfg,
		engine: eng,
		done:   make(chan struct{}),
	}, nil
}

// Routes returns the task handlers by type
func (w *Worker) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeBuildFilters:    w.HandleBuildFilters,
		TypeGenerateLibrary: w.HandleGenerateLibrary,
		TypeInform:          w.HandleInform,
		TypeEstimate:        w.HandleEstimate,
	}
}

// Start starts serving tasks in the background
func (w *Worker) Start(_ context.Context) error {
	opt, err := w.cfg.Redis.AsynqOptions()
	if err != nil {
		return err
	}

	queue := w.cfg.QueueName()

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{queue: 1},
		ShutdownTimeout: w.cfg.ShutdownTimeout,
		Logger:          w.log,
	})

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range w.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if runErr := srv.Run(mux); runErr != nil {
			w.log.WithError(runErr).Error("Worker server stopped with error")
		}
	}()

	w.server = srv

	w.log.WithField("queue", queue).Info("Worker started")

	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() error {
	close(w.done)

	if w.server != nil {
		w.server.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(w.cfg.ShutdownTimeout + 5*time.Second):
		return ErrWorkerShutdownTimeout
	}

	w.log.Info("Worker stopped")

	return nil
}

// HandleBuildFilters serves TypeBuildFilters
func (w *Worker) HandleBuildFilters(ctx context.Context, t *asynq.Task) error {
	return w.handle(ctx, t, func(ctx context.Context, p TaskPayload) ([]byte, error) {
		return nil, w.engine.BuildFilters(ctx, p.ParFile)
	})
}

// HandleGenerateLibrary serves TypeGenerateLibrary. The task result is the
// library path.
func (w *Worker) HandleGenerateLibrary(ctx context.Context, t *asynq.Task) error {
	return w.handle(ctx, t, func(ctx context.Context, p TaskPayload) ([]byte, error) {
		cfg, bands, _, err := p.decode(false)
		if err != nil {
			return nil, err
		}

		path, err := w.engine.GenerateLibrary(ctx, engine.LibraryRequest{
			Config:    cfg,
			Overrides: p.Overrides,
			Bands:     bands,
		})
		if err != nil {
			return nil, err
		}

		return []byte(path), nil
	})
}

// HandleInform serves TypeInform. The model is written at the payload's model path.
func (w *Worker) HandleInform(ctx context.Context, t *asynq.Task) error {
	return w.handle(ctx, t, func(ctx context.Context, p TaskPayload) ([]byte, error) {
		cfg, bands, tbl, err := p.decode(true)
		if err != nil {
			return nil, err
		}

		grid, err := config.ParseGrid(p.ZStep)
		if err != nil {
			return nil, err
		}

		model, err := w.engine.Inform(ctx, engine.InformRequest{
			Config:    cfg,
			Overrides: p.Overrides,
			Bands:     bands,
			RefBand:   p.RefBand,
			Grid:      grid,
			Catalog:   tbl,
			ModelPath: p.ModelPath,
		})
		if err != nil {
			return nil, err
		}

		return []byte(model.Path), nil
	})
}

// HandleEstimate serves TypeEstimate. The result table is written next to the
// payload's catalog.
func (w *Worker) HandleEstimate(ctx context.Context, t *asynq.Task) error {
	return w.handle(ctx, t, func(ctx context.Context, p TaskPayload) ([]byte, error) {
		cfg, bands, tbl, err := p.decode(true)
		if err != nil {
			return nil, err
		}

		model, err := p.loadModel()
		if err != nil {
			return nil, err
		}

		result, err := w.engine.Estimate(ctx, engine.EstimateRequest{
			Config:     cfg,
			Model:      model,
			Bands:      bands,
			RefBand:    p.RefBand,
			Catalog:    tbl,
			OutputKeys: p.OutputKeys,
		})
		if err != nil {
			return nil, err
		}

		if err := catalog.Write(p.ResultPath(), result); err != nil {
			return nil, fmt.Errorf("failed to write result: %w", err)
		}

		return []byte(p.ResultPath()), nil
	})
}

func (w *Worker) handle(ctx context.Context, t *asynq.Task, run func(context.Context, TaskPayload) ([]byte, error)) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("worker", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	log := w.log.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"task_id":   payload.ID,
	})
	log.Info("Starting task")

	start := time.Now()

	result, err := run(ctx, payload)
	if err != nil {
		observability.RecordEngineTask(t.Type(), "failed", time.Since(start).Seconds())
		observability.RecordError("worker", "task_failed")
		log.WithError(err).Error("Task failed")
		return err
	}

	if rw := t.ResultWriter(); rw != nil && len(result) > 0 {
		if _, err := rw.Write(result); err != nil {
			return fmt.Errorf("failed to write task result: %w", err)
		}
	}

	observability.RecordEngineTask(t.Type(), "completed", time.Since(start).Seconds())
	log.WithField("duration", time.Since(start)).Info("Task completed")

	return nil
}
