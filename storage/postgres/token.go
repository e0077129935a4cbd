package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

const tokenColumns = `value, type, user_id, client_id, scopes, resource, family_id, created_at, expires_at, revoked`

const insertToken = `INSERT INTO oauth_tokens (` + tokenColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// SaveTokens inserts all tokens in one transaction.
func (s *Store) SaveTokens(ctx context.Context, tokens ...*storage.Token) error {
	for _, t := range tokens {
		if t == nil || t.Value == "" {
			return fmt.Errorf("token value cannot be empty")
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tokens {
			if err := execInsertToken(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func execInsertToken(ctx context.Context, tx *sql.Tx, t *storage.Token) error {
	_, err := tx.ExecContext(ctx, insertToken,
		t.Value, string(t.Type), t.UserID, t.ClientID, pq.Array(t.Scopes), t.Resource,
		t.FamilyID, t.CreatedAt, t.ExpiresAt, t.Revoked)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken returns the token record, including revoked and expired ones.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE value = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// RotateRefreshToken revokes old and inserts next and access in one
// transaction holding the old row's lock.
func (s *Store) RotateRefreshToken(ctx context.Context, old string, next, access *storage.Token, now time.Time) (*storage.Token, error) {
	if err := storage.ValidateRotation(next, access); err != nil {
		return nil, err
	}

	var out *storage.Token
	var outcome error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanToken(tx.QueryRowContext(ctx,
			`SELECT `+tokenColumns+` FROM oauth_tokens WHERE value = $1 FOR UPDATE`, old))
		if errors.Is(err, sql.ErrNoRows) {
			outcome = storage.ErrTokenNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock refresh token: %w", err)
		}

		switch {
		case current.Type != storage.TokenTypeRefresh:
			outcome = storage.ErrTokenNotFound
			return nil
		case current.Revoked:
			out, outcome = current, storage.ErrTokenRevoked
			return nil
		case !now.Before(current.ExpiresAt):
			outcome = storage.ErrTokenExpired
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE oauth_tokens SET revoked = TRUE WHERE value = $1`, old); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		for _, t := range []*storage.Token{next, access} {
			if err := execInsertToken(ctx, tx, t); err != nil {
				return err
			}
		}
		current.Revoked = true
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return out, outcome
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(old, logPrefixLength),
		"family_id", out.FamilyID)
	return out, nil
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) (*storage.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`UPDATE oauth_tokens SET revoked = TRUE WHERE value = $1 RETURNING `+tokenColumns, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	return t, nil
}

// RevokeTokenFamily revokes every live token of a family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return s.revokeWhere(ctx, `family_id = $1`, familyID)
}

// RevokeTokensForUserClient revokes every live token of a user+client pair.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeWhere(ctx, `user_id = $1 AND client_id = $2`, userID, clientID)
}

func (s *Store) revokeWhere(ctx context.Context, where string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE oauth_tokens SET revoked = TRUE WHERE revoked = FALSE AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info("Revoked tokens", "count", n)
	}
	return int(n), nil
}

func scanToken(row rowScanner) (*storage.Token, error) {
	var t storage.Token
	var typ string
	err := row.Scan(&t.Value, &typ, &t.UserID, &t.ClientID, pq.Array(&t.Scopes), &t.Resource,
		&t.FamilyID, &t.CreatedAt, &t.ExpiresAt, &t.Revoked)
	if err != nil {
		return nil, err
	}
	t.Type = storage.TokenType(typ)
	return &t, nil
}
