package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-authz/storage"
)

// SessionAuthenticator identifies the end user behind a browser request.
// Login is outside this module: an implementation that cannot identify the
// user writes its own response (a login redirect or a 401) and returns false.
type SessionAuthenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) (userID string, ok bool)
}

// ConsentDecision is the outcome of a consent prompt.
type ConsentDecision int

const (
	// ConsentPending means the prompter wrote a response (typically the
	// consent page) and the request ends there.
	ConsentPending ConsentDecision = iota
	ConsentApproved
	ConsentDenied
)

// ConsentRequest describes what the user is asked to approve.
type ConsentRequest struct {
	UserID   string
	Client   *storage.Client
	Scopes   []string
	Resource string
}

// ConsentPrompter asks the user to approve an authorization request.
type ConsentPrompter interface {
	Consent(w http.ResponseWriter, r *http.Request, req ConsentRequest) ConsentDecision
}

// DefaultUserHeader is the header TrustedHeaderSession reads by default.
const DefaultUserHeader = "X-Authenticated-User"

// TrustedHeaderSession reads the user id from a header set by an
// authenticating front proxy. Only use it when the proxy strips the header
// from incoming requests.
type TrustedHeaderSession struct {
	// Header defaults to DefaultUserHeader.
	Header string
}

// Authenticate implements SessionAuthenticator.
func (s TrustedHeaderSession) Authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := s.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:            "login_required",
			ErrorDescription: "the user is not signed in",
		})
		return "", false
	}
	return userID, true
}

// AutoApproveConsent approves every request. Suitable for first-party
// deployments where every registered client is trusted.
type AutoApproveConsent struct{}

// Consent implements ConsentPrompter.
func (AutoApproveConsent) Consent(http.ResponseWriter, *http.Request, ConsentRequest) ConsentDecision {
	return ConsentApproved
}

// DefaultConsentHeader is the header TrustedHeaderConsent reads by default.
const DefaultConsentHeader = "X-Consent-Decision"

// TrustedHeaderConsent leaves the consent page to the authenticating front
// proxy. A request without a decision is redirected to URL with client_id,
// client_name, scope, resource and return_to; the proxy replays return_to
// with the header set to "approve" or "deny". As with TrustedHeaderSession,
// the proxy must strip the header from incoming requests.
type TrustedHeaderConsent struct {
	// URL is the consent page (required).
	URL string
	// Header defaults to DefaultConsentHeader.
	Header string
}

// Consent implements ConsentPrompter.
func (c TrustedHeaderConsent) Consent(w http.ResponseWriter, r *http.Request, req ConsentRequest) ConsentDecision {
	header := c.Header
	if header == "" {
		header = DefaultConsentHeader
	}
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(header))) {
	case "approve":
		return ConsentApproved
	case "deny":
		return ConsentDenied
	}

	target, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:            "server_error",
			ErrorDescription: "consent page is not configured",
		})
		return ConsentPending
	}
	q := target.Query()
	q.Set("client_id", req.Client.ClientID)
	q.Set("client_name", req.Client.ClientName)
	q.Set("scope", strings.Join(req.Scopes, " "))
	if req.Resource != "" {
		q.Set("resource", req.Resource)
	}
	q.Set("return_to", r.URL.RequestURI())
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
	return ConsentPending
}
