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

// SaveAuthorizationCode stores an authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := marshalRecord(toAuthorizationCodeJSON(code))
	if err != nil {
		return err
	}

	cmd := s.client.B().Set().Key(s.codeKey(code.Code)).Value(data).Ex(s.ttlFor(code.ExpiresAt)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, logPrefixLength),
		"client_id", code.ClientID)
	return nil
}

// ConsumeAuthorizationCode atomically marks a code used.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	result, err := consumeCodeScript.Exec(ctx, s.client,
		[]string{s.codeKey(code)},
		[]string{strconv.FormatInt(millis(now), 10)},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == resultNotFound:
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == resultExpired:
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, resultUsedPrefix):
		used, err := decode(strings.TrimPrefix(result, resultUsedPrefix), fromAuthorizationCodeJSON)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrAuthorizationCodeUsed, err)
		}
		return used, storage.ErrAuthorizationCodeUsed
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, logPrefixLength))

	return decode(result, fromAuthorizationCodeJSON)
}
