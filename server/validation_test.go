package server

import (
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/callback", false},
		{"https://app.example.com/callback?tenant=1", false},
		{"http://localhost:8080/callback", false},
		{"http://127.0.0.1/callback", false},
		{"http://127.1.2.3:9000/cb", false},
		{"http://[::1]:8080/callback", false},
		{"com.example.app:/oauth2redirect", false},
		{"myapp://callback", false},
		{"http://app.example.com/callback", true},
		{"http://localhost.evil.com/callback", true},
		{"https://app.example.com/callback#frag", true},
		{"https:///callback", true},
		{"/relative/callback", true},
		{"javascript:alert(1)", true},
		{"data:text/html,hi", true},
		{"file:///etc/passwd", true},
		{"vbscript:msgbox", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := validateRedirectURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeGrantTypes(t *testing.T) {
	got, err := normalizeGrantTypes(nil)
	if err != nil || strings.Join(got, ",") != "authorization_code,refresh_token" {
		t.Errorf("default grants = %v, %v", got, err)
	}

	got, err = normalizeGrantTypes([]string{"device_code", "urn:ietf:params:oauth:grant-type:device_code"})
	if err != nil {
		t.Fatalf("normalizeGrantTypes() error = %v", err)
	}
	if len(got) != 1 || got[0] != "urn:ietf:params:oauth:grant-type:device_code" {
		t.Errorf("alias not folded into URN: %v", got)
	}

	_, err = normalizeGrantTypes([]string{"password"})
	assertErrorCode(t, err, ErrorCodeInvalidClientMetadata)
}

func TestValidateCodeChallenge(t *testing.T) {
	_, challenge := pkcePair()
	tests := []struct {
		name      string
		challenge string
		method    string
		required  bool
		wantErr   bool
	}{
		{"valid", challenge, "S256", true, false},
		{"absent and optional", "", "", false, false},
		{"absent and required", "", "", true, true},
		{"method without challenge", "", "S256", false, true},
		{"plain method", challenge, "plain", false, true},
		{"missing method", challenge, "", false, true},
		{"too short", challenge[:42], "S256", false, true},
		{"bad alphabet", strings.Repeat("+", 43), "S256", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCodeChallenge(tt.challenge, tt.method, tt.required)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier, challenge := pkcePair()
	if err := verifyPKCE(challenge, verifier); err != nil {
		t.Fatalf("verifyPKCE() error = %v", err)
	}

	tests := []struct {
		name     string
		verifier string
	}{
		{"empty", ""},
		{"too short", strings.Repeat("a", 42)},
		{"too long", strings.Repeat("a", 129)},
		{"invalid characters", strings.Repeat("a", 42) + "!"},
		{"mismatch", oauth2.GenerateVerifier()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := verifyPKCE(challenge, tt.verifier); err == nil {
				t.Errorf("verifyPKCE(%q) should fail", tt.verifier)
			}
		})
	}
}

func TestValidateResource(t *testing.T) {
	for _, ok := range []string{"", "https://api.example.com", "https://api.example.com/v1", "urn:example:api"} {
		if err := validateResource(ok); err != nil {
			t.Errorf("validateResource(%q) error = %v", ok, err)
		}
	}
	for _, bad := range []string{"api.example.com", "/v1", "https://api.example.com#x"} {
		if err := validateResource(bad); err == nil {
			t.Errorf("validateResource(%q) should fail", bad)
		}
	}
}
