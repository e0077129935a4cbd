package config

import "time"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Config is the configuration file shared by both binaries.
type Config struct {
	Log            LogConfig            `yaml:"log"`
	AuthServer     AuthServerConfig     `yaml:"authserver"`
	ResourceServer ResourceServerConfig `yaml:"resourceserver"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Audit          AuditConfig          `yaml:"audit"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// AuthServerConfig configures the authorization server.
type AuthServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Issuer     string `yaml:"issuer"`

	SupportedScopes    []string `yaml:"supported_scopes"`
	ResourceIdentifier string   `yaml:"resource_identifier"`
	VerificationURI    string   `yaml:"verification_uri"`

	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
	DeviceCodeTTL        time.Duration `yaml:"device_code_ttl"`
	DevicePollInterval   time.Duration `yaml:"device_poll_interval"`

	// RequirePKCE is a pointer so an explicit false can be told from unset.
	RequirePKCE *bool `yaml:"require_pkce"`

	IntrospectionClients    []string `yaml:"introspection_clients"`
	RegistrationAccessToken string   `yaml:"registration_access_token"`

	// UserHeader is read by the trusted-header session.
	UserHeader        string `yaml:"user_header"`

	// Consent is delegated to the front proxy: the browser is sent to
	// ConsentURL and the decision comes back in ConsentHeader.
	// AutoApproveConsent skips it for first-party deployments.
	ConsentURL         string `yaml:"consent_url"`
	ConsentHeader      string `yaml:"consent_header"`
	AutoApproveConsent bool   `yaml:"auto_approve_consent"`

	TrustProxy        bool   `yaml:"trust_proxy"`
	TrustedProxyCount int    `yaml:"trusted_proxy_count"`

	StorageTimeout       time.Duration `yaml:"storage_timeout"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	ServiceDocumentation string        `yaml:"service_documentation"`
}

// ResourceServerConfig configures the resource server.
type ResourceServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	IntrospectionURL string        `yaml:"introspection_url"`
	AllowedHosts     []string      `yaml:"allowed_hosts"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	Timeout          time.Duration `yaml:"timeout"`
	ClockSkew        time.Duration `yaml:"clock_skew"` // 0 uses the verifier default, negative disables

	Resource            string `yaml:"resource"`
	Realm               string `yaml:"realm"`
	ResourceMetadataURL string `yaml:"resource_metadata_url"`

	UpstreamTimeout time.Duration     `yaml:"upstream_timeout"`
	Operations      []OperationConfig `yaml:"operations"`
}

// OperationConfig maps a scope-gated operation to the product backend.
type OperationConfig struct {
	Name     string `yaml:"name"`
	Scope    string `yaml:"scope"`
	Upstream string `yaml:"upstream"`
	Method   string `yaml:"method"` // default POST
}

// StorageConfig selects and configures the credential store.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// ValkeyConfig configures storage/valkey.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// PostgresConfig configures storage/postgres.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RateLimitConfig configures per-IP limiting of the public endpoints. With
// RedisURL set the limit is shared by every instance (fixed window of
// PerMinute requests); otherwise each instance keeps a token bucket.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
	RedisURL          string `yaml:"redis_url"`
	PerMinute         int    `yaml:"per_minute"`
}

// AuditConfig configures the security audit trail.
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}
