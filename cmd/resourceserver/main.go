// Command resourceserver fronts a product backend with bearer token
// verification. Every configured operation requires one scope; verified
// requests are forwarded to the operation's upstream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authz/internal/config"
	"github.com/giantswarm/mcp-authz/internal/serve"
	"github.com/giantswarm/mcp-authz/verifier"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envPath    string
	)

	cmd := &cobra.Command{
		Use:   "resourceserver",
		Short: "Run the token-verifying resource server",
		Long: `Runs the resource server. Each bearer token is checked against the
authorization server's introspection endpoint on every request; nothing is
cached. Operations are served at POST /v1/operations/{name}.`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, envPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&envPath, "env-file", ".env", "Path to the .env file (overridden by ENV_FILE_PATH)")
	return cmd
}

func run(ctx context.Context, configPath, envPath string) error {
	config.LoadEnv(ctx, slog.Default(), envPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateResourceServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	inst, metricsServer, err := serve.Instrumentation("resourceserver", version, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serve.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	rs := cfg.ResourceServer
	v, err := verifier.New(verifier.Config{
		IntrospectionURL:    rs.IntrospectionURL,
		AllowedHosts:        rs.AllowedHosts,
		ClientID:            rs.ClientID,
		ClientSecret:        rs.ClientSecret,
		Timeout:             rs.Timeout,
		ClockSkew:           rs.ClockSkew,
		Resource:            rs.Resource,
		Realm:               rs.Realm,
		ResourceMetadataURL: rs.ResourceMetadataURL,
		Logger:              logger,
		Instrumentation:     inst,
	})
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	upstream := &http.Client{Timeout: rs.UpstreamTimeout}
	ops, err := registerOperations(upstream, rs.Operations)
	if err != nil {
		return fmt.Errorf("failed to register operations: %w", err)
	}

	servers := []*http.Server{serve.NewServer(rs.ListenAddr, v.Routes(ops))}
	if metricsServer != nil {
		servers = append(servers, metricsServer)
	}

	logger.Info("Resource server ready",
		"introspection_url", rs.IntrospectionURL,
		"operations", ops.Names(),
		"version", version)
	return serve.Run(ctx, logger, servers)
}
