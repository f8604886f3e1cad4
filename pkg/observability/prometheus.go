// Package observability provides observability utilities
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// MetricsServer serves the default registry on /metrics for long-running
// processes. Batch runs use WriteTextfile instead.
type MetricsServer struct {
	log    logrus.FieldLogger
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// NewMetricsServer creates a server for addr. It does not listen until Start.
func NewMetricsServer(log logrus.FieldLogger, addr string) *MetricsServer {
	sm := http.NewServeMux()
	sm.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		log: log.WithField("component", "metrics"),
		server: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 15 * time.Second,
			Handler:           sm,
		},
		done: make(chan struct{}),
	}
}

// Start binds the listen address and serves in the background. A bind error
// is returned to the caller; later serve errors are logged.
func (m *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.server.Addr, err)
	}
	m.ln = ln

	go func() {
		defer close(m.done)

		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("Metrics server stopped")
		}
	}()

	m.log.WithField("addr", ln.Addr().String()).Info("Metrics server started")

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (m *MetricsServer) Addr() string {
	if m.ln == nil {
		return m.server.Addr
	}

	return m.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m.ln == nil {
		return nil
	}

	if err := m.server.Shutdown(ctx); err != nil {
		return err
	}
	<-m.done

	return nil
}

// WriteTextfile writes all registered metrics to path in the text exposition
// format, for collection by node-exporter's textfile collector. An empty path
// is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}

	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
