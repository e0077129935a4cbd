package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-authz/server"
)

// Environment variables that override the file. Secrets are expected here
// rather than in the YAML.
const (
	EnvIssuer                  = "MCP_AUTHZ_ISSUER"
	EnvStorageBackend          = "MCP_AUTHZ_STORAGE_BACKEND"
	EnvPostgresDSN             = "MCP_AUTHZ_POSTGRES_DSN"
	EnvValkeyAddress           = "MCP_AUTHZ_VALKEY_ADDRESS"
	EnvValkeyPassword          = "MCP_AUTHZ_VALKEY_PASSWORD"
	EnvRedisURL                = "MCP_AUTHZ_REDIS_URL"
	EnvAMQPURL                 = "MCP_AUTHZ_AMQP_URL"
	EnvRegistrationAccessToken = "MCP_AUTHZ_REGISTRATION_ACCESS_TOKEN"
	EnvIntrospectionURL        = "MCP_AUTHZ_INTROSPECTION_URL"
	EnvClientID                = "MCP_AUTHZ_CLIENT_ID"
	EnvClientSecret            = "MCP_AUTHZ_CLIENT_SECRET"
	EnvLogLevel                = "MCP_AUTHZ_LOG_LEVEL"
)

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&config, getenv)
	return config, nil
}

func applyEnvOverrides(config *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&config.AuthServer.Issuer, EnvIssuer)
	set(&config.Storage.Backend, EnvStorageBackend)
	set(&config.Storage.Postgres.DSN, EnvPostgresDSN)
	set(&config.Storage.Valkey.Address, EnvValkeyAddress)
	set(&config.Storage.Valkey.Password, EnvValkeyPassword)
	set(&config.RateLimit.RedisURL, EnvRedisURL)
	set(&config.Audit.AMQPURL, EnvAMQPURL)
	set(&config.AuthServer.RegistrationAccessToken, EnvRegistrationAccessToken)
	set(&config.ResourceServer.IntrospectionURL, EnvIntrospectionURL)
	set(&config.ResourceServer.ClientID, EnvClientID)
	set(&config.ResourceServer.ClientSecret, EnvClientSecret)
	set(&config.Log.Level, EnvLogLevel)
}

// ValidateAuthServer checks what the authserver binary needs.
func (c Config) ValidateAuthServer() error {
	var errs []error
	if c.AuthServer.Issuer == "" {
		errs = append(errs, errors.New("authserver.issuer is required"))
	}
	if !c.AuthServer.AutoApproveConsent {
		if u, err := url.Parse(c.AuthServer.ConsentURL); c.AuthServer.ConsentURL == "" || err != nil || u.Host == "" {
			errs = append(errs, errors.New("authserver.consent_url must be an absolute URL unless auto_approve_consent is set"))
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required"))
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.RateLimit.Enabled && c.RateLimit.RedisURL == "" && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateResourceServer checks what the resourceserver binary needs.
func (c Config) ValidateResourceServer() error {
	rs := c.ResourceServer
	var errs []error
	if rs.IntrospectionURL == "" {
		errs = append(errs, errors.New("resourceserver.introspection_url is required"))
	}
	if rs.ClientID == "" || rs.ClientSecret == "" {
		errs = append(errs, errors.New("resourceserver.client_id and client_secret are required"))
	}
	seen := make(map[string]bool, len(rs.Operations))
	for i, op := range rs.Operations {
		switch {
		case op.Name == "":
			errs = append(errs, fmt.Errorf("operations[%d]: name is required", i))
		case seen[op.Name]:
			errs = append(errs, fmt.Errorf("operations[%d]: duplicate name %q", i, op.Name))
		}
		seen[op.Name] = true
		if op.Scope == "" {
			errs = append(errs, fmt.Errorf("operations[%d]: scope is required", i))
		}
		if op.Upstream == "" {
			errs = append(errs, fmt.Errorf("operations[%d]: upstream is required", i))
		}
	}
	return errors.Join(errs...)
}

// ServerConfig converts the file settings to server.Config.
func (c Config) ServerConfig() *server.Config {
	as := c.AuthServer
	sc := &server.Config{
		Issuer:               as.Issuer,
		AuthorizationCodeTTL: seconds(as.AuthorizationCodeTTL),
		AccessTokenTTL:       seconds(as.AccessTokenTTL),
		RefreshTokenTTL:      seconds(as.RefreshTokenTTL),
		DeviceCodeTTL:        seconds(as.DeviceCodeTTL),
		DevicePollInterval:   seconds(as.DevicePollInterval),
		VerificationURI:      as.VerificationURI,
		SupportedScopes:      as.SupportedScopes,
		IntrospectionClients: as.IntrospectionClients,
		ResourceIdentifier:   as.ResourceIdentifier,
	}
	if as.RequirePKCE != nil && !*as.RequirePKCE {
		sc.DisablePKCE()
	}
	return sc
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
