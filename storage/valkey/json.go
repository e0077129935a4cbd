package valkey

import (
	"github.com/giantswarm/mcp-authz/internal/util"
	"github.com/giantswarm/mcp-authz/storage"
)

// Wire records. Times are Unix milliseconds and scopes are space-delimited
// strings because the Lua scripts re-encode records with cjson, which turns
// empty arrays into objects.

type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientName       string   `json:"client_name"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types"`
	Scope            string   `json:"scope"`
	Public           bool     `json:"public"`
	OwnerUserID      string   `json:"owner_user_id,omitempty"`
	Active           bool     `json:"active"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		GrantTypes:       c.GrantTypes,
		Scope:            util.JoinScope(c.Scopes),
		Public:           c.Public,
		OwnerUserID:      c.OwnerUserID,
		Active:           c.Active,
		CreatedAt:        millis(c.CreatedAt),
		UpdatedAt:        millis(c.UpdatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           util.ParseScope(j.Scope),
		Public:           j.Public,
		OwnerUserID:      j.OwnerUserID,
		Active:           j.Active,
		CreatedAt:        fromMillis(j.CreatedAt),
		UpdatedAt:        fromMillis(j.UpdatedAt),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Resource            string `json:"resource"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               util.JoinScope(c.Scopes),
		Resource:            c.Resource,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           millis(c.CreatedAt),
		ExpiresAt:           millis(c.ExpiresAt),
		Used:                c.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scopes:              util.ParseScope(j.Scope),
		Resource:            j.Resource,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           fromMillis(j.CreatedAt),
		ExpiresAt:           fromMillis(j.ExpiresAt),
		Used:                j.Used,
	}
}

type deviceJSON struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
	Resource   string `json:"resource"`
	Status     string `json:"status"`
	UserID     string `json:"user_id"`
	Interval   int    `json:"interval"`
	LastPollAt int64  `json:"last_poll_at"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func toDeviceJSON(d *storage.DeviceAuthorization) *deviceJSON {
	return &deviceJSON{
		DeviceCode: d.DeviceCode,
		UserCode:   d.UserCode,
		ClientID:   d.ClientID,
		Scope:      util.JoinScope(d.Scopes),
		Resource:   d.Resource,
		Status:     string(d.Status),
		UserID:     d.UserID,
		Interval:   d.Interval,
		LastPollAt: millis(d.LastPollAt),
		CreatedAt:  millis(d.CreatedAt),
		ExpiresAt:  millis(d.ExpiresAt),
	}
}

func fromDeviceJSON(j *deviceJSON) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode: j.DeviceCode,
		UserCode:   j.UserCode,
		ClientID:   j.ClientID,
		Scopes:     util.ParseScope(j.Scope),
		Resource:   j.Resource,
		Status:     storage.DeviceStatus(j.Status),
		UserID:     j.UserID,
		Interval:   j.Interval,
		LastPollAt: fromMillis(j.LastPollAt),
		CreatedAt:  fromMillis(j.CreatedAt),
		ExpiresAt:  fromMillis(j.ExpiresAt),
	}
}

type tokenJSON struct {
	Value     string `json:"value"`
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	Resource  string `json:"resource"`
	FamilyID  string `json:"family_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		Value:     t.Value,
		Type:      string(t.Type),
		UserID:    t.UserID,
		ClientID:  t.ClientID,
		Scope:     util.JoinScope(t.Scopes),
		Resource:  t.Resource,
		FamilyID:  t.FamilyID,
		CreatedAt: millis(t.CreatedAt),
		ExpiresAt: millis(t.ExpiresAt),
		Revoked:   t.Revoked,
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		Value:     j.Value,
		Type:      storage.TokenType(j.Type),
		UserID:    j.UserID,
		ClientID:  j.ClientID,
		Scopes:    util.ParseScope(j.Scope),
		Resource:  j.Resource,
		FamilyID:  j.FamilyID,
		CreatedAt: fromMillis(j.CreatedAt),
		ExpiresAt: fromMillis(j.ExpiresAt),
		Revoked:   j.Revoked,
	}
}
