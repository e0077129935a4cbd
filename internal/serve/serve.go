// Package serve runs the HTTP servers of the authserver and resourceserver
// binaries until their context is cancelled, and wires the Prometheus
// endpoint backed by the instrumentation package.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/config"
)

// ShutdownTimeout bounds graceful shutdown of every server.
const ShutdownTimeout = 10 * time.Second

// Task is a background loop run next to the servers. It must return when ctx
// is done.
type Task func(ctx context.Context) error

// NewServer returns an http.Server with the timeouts used by both binaries.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Run serves every server and runs every task until ctx is cancelled or one
// of them fails, then shuts the servers down gracefully.
func Run(ctx context.Context, logger *slog.Logger, servers []*http.Server, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Starting HTTP server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Every runs fn each interval until ctx is done. Errors are logged and do not
// stop the loop.
func Every(interval time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) Task {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logger.Warn("Periodic task failed", "task", name, "error", err)
				}
			}
		}
	}
}

// Instrumentation builds the service instrumentation. With metrics enabled it
// exports to a dedicated Prometheus registry and returns a server for it;
// otherwise the server is nil and meters are no-ops.
func Instrumentation(serviceName, version string, cfg config.MetricsConfig) (*instrumentation.Instrumentation, *http.Server, error) {
	if !cfg.Enabled {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:    serviceName,
			ServiceVersion: version,
		})
		return inst, nil, err
	}

	registry := prometheus.NewRegistry()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:          serviceName,
		ServiceVersion:       version,
		Enabled:              true,
		MetricsExporter:      instrumentation.MetricsExporterPrometheus,
		PrometheusRegisterer: registry,
	})
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return inst, NewServer(cfg.ListenAddr, mux), nil
}
