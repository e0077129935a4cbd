package valkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// SaveTokens stores all tokens in one script, so they appear together.
func (s *Store) SaveTokens(ctx context.Context, tokens ...*storage.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tokens)*3)
	args := make([]string, 0, len(tokens)*3)
	for _, t := range tokens {
		if t == nil || t.Value == "" {
			return fmt.Errorf("token value cannot be empty")
		}
		data, err := marshalRecord(toTokenJSON(t))
		if err != nil {
			return err
		}
		keys = append(keys, s.tokenKey(t.Value), s.familyKey(t.FamilyID), s.userClientKey(t.UserID, t.ClientID))
		args = append(args, data, strconv.FormatInt(s.ttlFor(t.ExpiresAt).Milliseconds(), 10), t.Value)
	}

	if err := saveTokensScript.Exec(ctx, s.client, keys, args).Error(); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// GetToken returns the token record, including revoked and expired ones.
func (s *Store) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	return getAndUnmarshal(ctx, s, s.tokenKey(value), storage.ErrTokenNotFound, fromTokenJSON)
}

// RotateRefreshToken atomically revokes old and stores next and access.
func (s *Store) RotateRefreshToken(ctx context.Context, old string, next, access *storage.Token, now time.Time) (*storage.Token, error) {
	if err := storage.ValidateRotation(next, access); err != nil {
		return nil, err
	}
	nextData, err := marshalRecord(toTokenJSON(next))
	if err != nil {
		return nil, err
	}
	accessData, err := marshalRecord(toTokenJSON(access))
	if err != nil {
		return nil, err
	}

	result, err := rotateRefreshScript.Exec(ctx, s.client,
		[]string{
			s.tokenKey(old),
			s.tokenKey(next.Value),
			s.tokenKey(access.Value),
			s.familyKey(next.FamilyID),
			s.userClientKey(next.UserID, next.ClientID),
		},
		[]string{
			strconv.FormatInt(millis(now), 10),
			nextData,
			strconv.FormatInt(s.ttlFor(next.ExpiresAt).Milliseconds(), 10),
			next.Value,
			accessData,
			strconv.FormatInt(s.ttlFor(access.ExpiresAt).Milliseconds(), 10),
			access.Value,
		},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch {
	case result == resultNotFound:
		return nil, storage.ErrTokenNotFound
	case result == resultExpired:
		return nil, storage.ErrTokenExpired
	case strings.HasPrefix(result, resultRevokedPrefix):
		revoked, err := decode(strings.TrimPrefix(result, resultRevokedPrefix), fromTokenJSON)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTokenRevoked, err)
		}
		return revoked, storage.ErrTokenRevoked
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(old, logPrefixLength),
		"family_id", next.FamilyID)
	return decode(result, fromTokenJSON)
}

// RevokeToken marks a single token revoked.
func (s *Store) RevokeToken(ctx context.Context, value string) (*storage.Token, error) {
	result, err := revokeTokenScript.Exec(ctx, s.client, []string{s.tokenKey(value)}, nil).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	if result == resultNotFound {
		return nil, storage.ErrTokenNotFound
	}
	return decode(result, fromTokenJSON)
}

// RevokeTokenFamily revokes every token of a family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return s.revokeSet(ctx, s.familyKey(familyID))
}

// RevokeTokensForUserClient revokes every token of a user+client pair.
func (s *Store) RevokeTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeSet(ctx, s.userClientKey(userID, clientID))
}

func (s *Store) revokeSet(ctx context.Context, setKey string) (int, error) {
	n, err := revokeSetScript.Exec(ctx, s.client, []string{setKey}, []string{s.tokenKey("")}).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info("Revoked tokens", "count", n)
	}
	return int(n), nil
}
