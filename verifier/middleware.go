package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type principalContextKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive and exactly one token must follow.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("%w: authorization scheme must be Bearer", ErrInvalidToken)
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", fmt.Errorf("%w: malformed bearer token", ErrInvalidToken)
	}
	return token, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context for next.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err == nil {
			var principal *Principal
			principal, err = v.Verify(r.Context(), token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
				return
			}
		}

		if errors.Is(err, ErrMissingToken) {
			// RFC 6750 section 3.1: no error code when credentials are absent
			v.writeChallenge(w, http.StatusUnauthorized, "", "", "")
			return
		}
		v.writeChallenge(w, http.StatusUnauthorized, "invalid_token", "the access token is invalid or expired", "")
	})
}

// writeChallenge writes a Bearer challenge (RFC 6750, RFC 9728) and a JSON body.
func (v *Verifier) writeChallenge(w http.ResponseWriter, status int, code, description, scope string) {
	w.Header().Set("WWW-Authenticate", v.formatWWWAuthenticate(code, description, scope))
	if code == "" {
		w.WriteHeader(status)
		return
	}
	writeJSONError(w, status, code, description)
}

func (v *Verifier) formatWWWAuthenticate(code, description, scope string) string {
	var params []string
	if v.config.Realm != "" {
		params = append(params, fmt.Sprintf(`realm="%s"`, quote(v.config.Realm)))
	}
	if v.config.ResourceMetadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s"`, quote(v.config.ResourceMetadataURL)))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quote(scope)))
	}
	if code != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, code))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quote(description)))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quote escapes a value for an RFC 7230 quoted-string.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
