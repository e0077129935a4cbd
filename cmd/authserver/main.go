// Command authserver runs the OAuth 2.0 authorization server.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-authz"
	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/internal/config"
	"github.com/giantswarm/mcp-authz/internal/serve"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/server"
	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/memory"
	"github.com/giantswarm/mcp-authz/storage/postgres"
	"github.com/giantswarm/mcp-authz/storage/valkey"
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
		Use:   "authserver",
		Short: "Run the OAuth 2.0 authorization server",
		Long: `Runs the authorization server: dynamic client registration, authorization
code with PKCE, refresh token rotation, the device authorization grant,
introspection and revocation.

Configuration is read from a YAML file, then from a .env file and AWS
Secrets Manager (when AWS_SECRETS_MANAGER_SECRET_ID is set), and finally
from MCP_AUTHZ_* environment variables.`,
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
	if err := cfg.ValidateAuthServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	inst, metricsServer, err := serve.Instrumentation("authserver", version, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	defer shutdownInstrumentation(logger, inst)

	store, closeStore, err := openStore(ctx, cfg.Storage, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.New(store, cfg.ServerConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetInstrumentation(inst)

	auditor, closeAudit, err := newAuditor(cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer closeAudit()
	srv.SetAuditor(auditor)

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	handler, err := oauth.NewHandler(srv, oauth.Config{
		Session:                 oauth.TrustedHeaderSession{Header: cfg.AuthServer.UserHeader},
		Consent:                 newConsent(cfg.AuthServer, logger),
		RegistrationAccessToken: cfg.AuthServer.RegistrationAccessToken,
		RateLimiter:             limiter,
		ClientIP: security.ClientIPResolver{
			TrustProxy:        cfg.AuthServer.TrustProxy,
			TrustedProxyCount: cfg.AuthServer.TrustedProxyCount,
		},
		ServiceDocumentation: cfg.AuthServer.ServiceDocumentation,
		StorageTimeout:       cfg.AuthServer.StorageTimeout,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	servers := []*http.Server{serve.NewServer(cfg.AuthServer.ListenAddr, handler.Routes())}
	if metricsServer != nil {
		servers = append(servers, metricsServer)
	}

	// memory runs its own cleanup loop; valkey expires keys itself.
	var tasks []serve.Task
	cleaner, ok := store.(storage.Cleaner)
	if ok && cfg.Storage.Backend == config.BackendPostgres && cfg.AuthServer.CleanupInterval > 0 {
		tasks = append(tasks, serve.Every(cfg.AuthServer.CleanupInterval, logger, "cleanup", func(ctx context.Context) error {
			n, err := cleaner.DeleteExpired(ctx, time.Now())
			if err == nil && n > 0 {
				logger.Info("Deleted expired records", "count", n)
			}
			return err
		}))
	}

	logger.Info("Authorization server ready",
		"issuer", cfg.AuthServer.Issuer,
		"storage", cfg.Storage.Backend,
		"version", version)
	return serve.Run(ctx, logger, servers, tasks...)
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendValkey:
		vc := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(vc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store.Close, nil

	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close postgres", "error", err)
			}
		}, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		logger.Warn("Using in-memory storage; state is lost on restart and not shared between instances")
		return store, store.Stop, nil
	}
}

func newConsent(cfg config.AuthServerConfig, logger *slog.Logger) oauth.ConsentPrompter {
	if cfg.AutoApproveConsent {
		logger.Warn("Consent is auto-approved for every client; only use this when all registered clients are trusted")
		return oauth.AutoApproveConsent{}
	}
	return oauth.TrustedHeaderConsent{URL: cfg.ConsentURL, Header: cfg.ConsentHeader}
}

func newAuditor(cfg config.AuditConfig, logger *slog.Logger) (*security.Auditor, func(), error) {
	auditor := security.NewAuditor(logger, cfg.Enabled)
	if !cfg.Enabled || cfg.AMQPURL == "" {
		return auditor, func() {}, nil
	}
	sink, err := security.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect audit sink: %w", err)
	}
	auditor.AddSink(sink)
	return auditor, func() {
		if err := sink.Close(); err != nil {
			logger.Warn("Failed to close audit sink", "error", err)
		}
	}, nil
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *slog.Logger) (security.Limiter, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.RedisURL != "" {
		limiter, err := security.NewRedisRateLimiter(ctx, security.RedisRateLimiterConfig{
			URL:    cfg.RedisURL,
			Limit:  cfg.PerMinute,
			Window: time.Minute,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect rate limiter: %w", err)
		}
		return limiter, func() { _ = limiter.Close() }, nil
	}
	limiter := security.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, logger)
	return limiter, limiter.Stop, nil
}

func shutdownInstrumentation(logger *slog.Logger, inst *instrumentation.Instrumentation) {
	ctx, cancel := context.WithTimeout(context.Background(), serve.ShutdownTimeout)
	defer cancel()
	if err := inst.Shutdown(ctx); err != nil {
		logger.Warn("Failed to shut down instrumentation", "error", err)
	}
}
