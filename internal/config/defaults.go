package config

import "time"

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		AuthServer: AuthServerConfig{
			ListenAddr:      ":8080",
			UserHeader:      "X-Authenticated-User",
			ConsentHeader:   "X-Consent-Decision",
			StorageTimeout:  5 * time.Second,
			CleanupInterval: time.Hour,
		},
		ResourceServer: ResourceServerConfig{
			ListenAddr:      ":8081",
			Timeout:         5 * time.Second,
			UpstreamTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Valkey: ValkeyConfig{
				Address:   "localhost:6379",
				KeyPrefix: "{authz}:",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
			PerMinute:         300,
		},
		Audit: AuditConfig{
			Enabled:      true,
			AMQPExchange: "oauth.audit",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}
