package verifier

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-authz/internal/util"
)

// ValidateIntrospectionURL checks the endpoint a Verifier will send tokens
// to. https may point anywhere; plain http is only accepted for hosts that
// stay inside the deployment (loopback, private IPs and internal names). When
// allowedHosts is non-empty the host must also be listed there.
func ValidateIntrospectionURL(raw string, allowedHosts []string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIntrospectionURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: must be an absolute URL", ErrInvalidIntrospectionURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: must not contain credentials", ErrInvalidIntrospectionURL)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return nil, fmt.Errorf("%w: must not contain a fragment", ErrInvalidIntrospectionURL)
	}

	host := u.Hostname()
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !util.IsInternalHostname(host) {
			return nil, fmt.Errorf("%w: http is only allowed for loopback or internal hosts, got %q",
				ErrInvalidIntrospectionURL, host)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidIntrospectionURL, u.Scheme)
	}

	if len(allowedHosts) > 0 && !slices.ContainsFunc(allowedHosts, func(h string) bool {
		return strings.EqualFold(h, host) || strings.EqualFold(h, u.Host)
	}) {
		return nil, fmt.Errorf("%w: host %q is not in the allow-list", ErrInvalidIntrospectionURL, host)
	}
	return u, nil
}
