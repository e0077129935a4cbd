package valkey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/storage"
	"github.com/giantswarm/mcp-authz/storage/storetest"
)

// testStore connects to VALKEY_TEST_ADDR with a per-test prefix and skips
// when no server is configured or reachable.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		t.Skip("VALKEY_TEST_ADDR not set")
	}

	prefix := fmt.Sprintf("authztest:%s:%d:", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	store, err := New(Config{Address: addr, KeyPrefix: prefix})
	if err != nil {
		t.Skipf("could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})
	return store
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}
		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}
		cursor = result.Cursor
		if cursor == 0 {
			return
		}
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return testStore(t) })
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHashTaggedPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"authz:", "{authz}:"},
		{"authz", "{authz}:"},
		{"tenant:a:", "{tenant:a}:"},
		{"{authz}:", "{authz}:"},
		{"app:{tenant-a}:", "app:{tenant-a}:"},
		{"{}:", "{{}}:"},
		{"broken{:", "{broken{}:"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, hashTaggedPrefix(tt.prefix))
		})
	}
}

// clusterHashTag returns the part of key Valkey Cluster hashes.
func clusterHashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key
	}
	end := strings.IndexByte(key[open+1:], '}')
	if end <= 0 {
		return key
	}
	return key[open+1 : open+1+end]
}

func TestStore_KeysShareOneSlot(t *testing.T) {
	s := &Store{prefix: hashTaggedPrefix("authz:")}
	keys := []string{
		s.clientKey("cli"),
		s.codeKey("code-{x}"),
		s.deviceKey("device"),
		s.userCodeKey("ABCD-EFGH"),
		s.tokenKey("tok}en"),
		s.familyKey("family"),
		s.userClientKey("user", "cli"),
	}
	for _, key := range keys {
		assert.Equal(t, "authz", clusterHashTag(key), key)
	}
}

func TestStore_KeysCarryTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := &storage.Token{
		Value:     "ttl-token",
		Type:      storage.TokenTypeAccess,
		UserID:    "u",
		ClientID:  "c",
		FamilyID:  "f",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, s.SaveTokens(ctx, tok))

	for _, key := range []string{s.tokenKey(tok.Value), s.familyKey("f"), s.userClientKey("u", "c")} {
		ttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build()).AsInt64()
		require.NoError(t, err)
		assert.Greater(t, ttl, int64(0), "key %s should expire", key)
	}
}

func TestStore_EmptyScopesSurviveScripts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	auth := &storage.DeviceAuthorization{
		DeviceCode: "dc",
		UserCode:   "BCDF-GHJK",
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
	require.NoError(t, s.SaveDeviceAuthorization(ctx, auth))

	got, _, err := s.RecordDevicePoll(ctx, "dc", now, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, got.Scopes)
	assert.Equal(t, now.UnixMilli(), got.LastPollAt.UnixMilli())
}

func TestMillisRoundTrip(t *testing.T) {
	assert.True(t, fromMillis(millis(time.Time{})).IsZero())
	now := time.Now().Truncate(time.Millisecond)
	assert.True(t, fromMillis(millis(now)).Equal(now))
}
