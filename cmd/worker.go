package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/rpz/pkg/engine/exec"
	"github.com/ethpandaops/rpz/pkg/engine/queue"
	"github.com/ethpandaops/rpz/pkg/observability"
	"github.com/spf13/cobra"
)

// metricsShutdownTimeout bounds how long in-flight scrapes may delay exit.
const metricsShutdownTimeout = 5 * time.Second

//nolint:gochecknoglobals // Cobra commands are typically global
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the remote engine worker",
	Long: `The worker serves photo-z engine tasks from the Redis queue one at a time,
running the engine programs locally. Catalogs and results are exchanged through
the shared directory configured under engine.queue.sharedDir.

Metrics are served on metrics.addr; set it empty to disable them.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cliCfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	eng, err := exec.New(log, &cliCfg.Engine.Exec)
	if err != nil {
		return err
	}

	w, err := queue.NewWorker(log, &cliCfg.Engine.Queue, eng)
	if err != nil {
		return err
	}

	var metrics *observability.MetricsServer
	if cliCfg.Metrics.Addr != "" {
		metrics = observability.NewMetricsServer(log, cliCfg.Metrics.Addr)
		if err := metrics.Start(); err != nil {
			return err
		}
	}

	if err := w.Start(cmd.Context()); err != nil {
		return errors.Join(err, stopMetrics(metrics))
	}

	log.Info("Worker started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown: stop taking tasks first, then stop serving metrics
	return errors.Join(w.Stop(), stopMetrics(metrics))
}

func stopMetrics(m *observability.MetricsServer) error {
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	return m.Stop(ctx)
}
