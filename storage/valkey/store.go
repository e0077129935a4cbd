package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "{authz}:"

	// DefaultRetention keeps expired records readable this long.
	DefaultRetention = time.Hour

	// logPrefixLength is the number of characters logged of a secret value
	logPrefixLength = 8

	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize bounds serialized records.
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = fmt.Errorf("record exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "{authz}:"). A prefix
	// without a hash tag is wrapped in one, so "tenant-a:" becomes
	// "{tenant-a}:".
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Retention is how long records stay after expiry (default 1h).
	Retention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Store.
type Store struct {
	client    valkeygo.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := DefaultKeyPrefix
	if cfg.KeyPrefix != "" {
		prefix = hashTaggedPrefix(cfg.KeyPrefix)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Keys
// ============================================================

// hashTaggedPrefix makes every key built on prefix hash to one Cluster slot.
// The scripts read keys they derive from stored values, which Cluster only
// allows within the slot of the declared keys.
func hashTaggedPrefix(prefix string) string {
	if open := strings.IndexByte(prefix, '{'); open >= 0 {
		if end := strings.IndexByte(prefix[open+1:], '}'); end > 0 {
			return prefix
		}
	}
	return "{" + strings.TrimSuffix(prefix, ":") + "}:"
}

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) deviceKey(deviceCode string) string {
	return s.prefix + "device:" + deviceCode
}
func (s *Store) userCodeKey(userCode string) string { return s.prefix + "usercode:" + userCode }
func (s *Store) tokenKey(value string) string       { return s.prefix + "token:" + value }
func (s *Store) familyKey(familyID string) string   { return s.prefix + "family:" + familyID }

func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Helpers
// ============================================================

// ttlFor returns the key TTL of a record expiring at expiresAt.
func (s *Store) ttlFor(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.retention
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func marshalRecord(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return "", errRecordTooLarge
	}
	return string(data), nil
}

// getAndUnmarshal fetches key and converts its JSON into T.
func getAndUnmarshal[J any, T any](ctx context.Context, s *Store, key string, notFoundErr error, fromJSON func(*J) *T) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	return decode(data, fromJSON)
}

func decode[J any, T any](data string, fromJSON func(*J) *T) (*T, error) {
	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return fromJSON(&j), nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
