package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
	"github.com/giantswarm/mcp-authz/security"
	"github.com/giantswarm/mcp-authz/storage"
)

// logPrefixLength is how much of a token, code or device code is logged.
const logPrefixLength = 8

// Server implements the OAuth protocol logic over a shared credential store.
// It holds no per-request state, so any number of instances may run against
// one durable store.
type Server struct {
	store           storage.Store
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	// now is the clock used for every expiry decision; tests replace it.
	now func() time.Time
}

// New creates a new OAuth server
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		store:  store,
		Config: config,
		Logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics for protocol events
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// SetClock replaces the server clock. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the credential store the server operates on.
func (s *Server) Store() storage.Store {
	return s.store
}

// metrics returns nil when instrumentation is not configured.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier returns 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
