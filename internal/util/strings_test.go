package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than maxLen", "short", 10, "short"},
		{"equal to maxLen", "exactly10c", 10, "exactly10c"},
		{"longer than maxLen", "this-is-a-very-long-token-string", 8, "this-is-"},
		{"empty string", "", 5, ""},
		{"zero maxLen", "test", 0, ""},
		{"negative maxLen", "test", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://example.com/", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"https://example.com///", "https://example.com"},
		{"https://example.com/mcp/", "https://example.com/mcp"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseScope(t *testing.T) {
	got := ParseScope("  tasks:read   tasks:write tasks:read ")
	if len(got) != 2 || got[0] != "tasks:read" || got[1] != "tasks:write" {
		t.Errorf("ParseScope() = %v, want [tasks:read tasks:write]", got)
	}
	if ParseScope("   ") != nil {
		t.Error("ParseScope of blank string should be nil")
	}
	if JoinScope(got) != "tasks:read tasks:write" {
		t.Errorf("JoinScope() = %q", JoinScope(got))
	}
}

func TestScopeSubset(t *testing.T) {
	allowed := []string{"profile", "tasks:read", "tasks:write"}

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{"empty request", nil, true},
		{"single allowed", []string{"tasks:read"}, true},
		{"all allowed", allowed, true},
		{"one outside", []string{"tasks:read", "admin"}, false},
		{"prefix is not a match", []string{"tasks"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopeSubset(tt.requested, allowed); got != tt.want {
				t.Errorf("ScopeSubset(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}

	if !HasScope(allowed, "profile") || HasScope(allowed, "admin") {
		t.Error("HasScope returned unexpected result")
	}
}
