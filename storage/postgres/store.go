package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const (
	logPrefixLength = 8

	// uniqueViolation is the SQLSTATE for unique constraint violations.
	uniqueViolation = "23505"
)

// Config configures the PostgreSQL store.
type Config struct {
	// DSN is a lib/pq connection string or URL (required).
	DSN string

	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 5
	ConnMaxLifetime time.Duration // default 5m

	Logger *slog.Logger
}

// Store is a PostgreSQL storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Cleaner = (*Store)(nil)
)

// New opens the database, verifies the connection and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewWithDB(db, cfg.Logger)
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("Connected to PostgreSQL storage")
	return s, nil
}

// NewWithDB wraps an open database. The schema must already exist.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient inserts or replaces a client.
func (s *Store) SaveClient(ctx context.Context, c *storage.Client) error {
	if c == nil || c.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, client_name, redirect_uris, grant_types, scopes,
			 public, owner_user_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_name = EXCLUDED.client_name,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			scopes = EXCLUDED.scopes,
			public = EXCLUDED.public,
			owner_user_id = EXCLUDED.owner_user_id,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		c.ClientID, c.ClientSecretHash, c.ClientName,
		pq.Array(c.RedirectURIs), pq.Array(c.GrantTypes), pq.Array(c.Scopes),
		c.Public, c.OwnerUserID, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", c.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var c storage.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret_hash, client_name, redirect_uris, grant_types, scopes,
		       public, owner_user_id, active, created_at, updated_at
		FROM oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName,
		pq.Array(&c.RedirectURIs), pq.Array(&c.GrantTypes), pq.Array(&c.Scopes),
		&c.Public, &c.OwnerUserID, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

// ============================================================
// AuthorizationCodeStore
// ============================================================

const codeColumns = `code, client_id, user_id, redirect_uri, scopes, resource,
	code_challenge, code_challenge_method, created_at, expires_at, used`

// SaveAuthorizationCode stores an authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, c *storage.AuthorizationCode) error {
	if c == nil || c.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes (`+codeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.Code, c.ClientID, c.UserID, c.RedirectURI, pq.Array(c.Scopes), c.Resource,
		c.CodeChallenge, c.CodeChallengeMethod, c.CreatedAt, c.ExpiresAt, c.Used,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode marks an unused, unexpired code used with a
// conditional UPDATE. On a miss the row is read to classify the failure.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	consumed, err := scanCode(s.db.QueryRowContext(ctx, `
		UPDATE oauth_authorization_codes SET used = TRUE
		WHERE code = $1 AND used = FALSE AND expires_at >= $2
		RETURNING `+codeColumns, code, now))
	if err == nil {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, logPrefixLength))
		return consumed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	existing, err := scanCode(s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1`, code))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, storage.ErrAuthorizationCodeNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	case existing.Used:
		return existing, storage.ErrAuthorizationCodeUsed
	default:
		return nil, storage.ErrAuthorizationCodeExpired
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, pq.Array(&c.Scopes), &c.Resource,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.CreatedAt, &c.ExpiresAt, &c.Used)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================================
// Cleaner
// ============================================================

// DeleteExpired removes codes, device authorizations and tokens that expired
// before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	total := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"oauth_authorization_codes", "oauth_device_authorizations", "oauth_tokens"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < $1`, before)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
