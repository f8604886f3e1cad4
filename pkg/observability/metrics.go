package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// StagesTotal tracks the total number of pipeline stages run
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_stages_total",
			Help: "Total number of pipeline stages run",
		},
		[]string{"stage", "status"}, // status: success, failed, skipped
	)

	// StageDuration measures stage execution duration in seconds
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpz_stage_duration_seconds",
			Help:    "Pipeline stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
		},
		[]string{"stage", "status"},
	)

	// ObjectsProcessed counts catalog objects handled per stage
	ObjectsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_objects_processed_total",
			Help: "Total number of catalog objects processed",
		},
		[]string{"stage"},
	)

	// ModelCacheHits counts runs that reused a trained model
	ModelCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpz_model_cache_hits_total",
			Help: "Total number of runs that reused an existing trained model",
		},
	)

	// ModelCacheMisses counts runs that trained a model
	ModelCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_model_cache_misses_total",
			Help: "Total number of runs that trained a model",
		},
		[]string{"reason"}, // reason: missing, refresh
	)

	// EngineTasksTotal counts tasks sent to or served for the remote engine
	EngineTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_engine_tasks_total",
			Help: "Total number of remote engine tasks",
		},
		[]string{"task_type", "status"}, // status: enqueued, completed, failed
	)

	// EngineTaskDuration measures remote engine task duration in seconds
	EngineTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpz_engine_task_duration_seconds",
			Help:    "Remote engine task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"task_type", "status"},
	)

	// EngineCommandsTotal counts engine command executions
	EngineCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_engine_commands_total",
			Help: "Total number of engine command executions",
		},
		[]string{"program", "status"},
	)

	// ErrorsTotal tracks total errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpz_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordStage records a finished pipeline stage
func RecordStage(stage, status string, duration float64) {
	StagesTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage, status).Observe(duration)
}

// RecordObjects records objects handled by a stage
func RecordObjects(stage string, count int) {
	ObjectsProcessed.WithLabelValues(stage).Add(float64(count))
}

// RecordModelCacheHit records reuse of a trained model
func RecordModelCacheHit() {
	ModelCacheHits.Inc()
}

// RecordModelCacheMiss records that a model had to be trained
func RecordModelCacheMiss(reason string) {
	ModelCacheMisses.WithLabelValues(reason).Inc()
}

// RecordEngineTask records a remote engine task state change
func RecordEngineTask(taskType, status string, duration float64) {
	EngineTasksTotal.WithLabelValues(taskType, status).Inc()
	if duration > 0 {
		EngineTaskDuration.WithLabelValues(taskType, status).Observe(duration)
	}
}

// RecordEngineCommand records an engine program execution
func RecordEngineCommand(program, status string) {
	EngineCommandsTotal.WithLabelValues(program, status).Inc()
}

// RecordError records an error occurrence
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
