package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-authz/internal/config"
	"github.com/giantswarm/mcp-authz/verifier"
)

// Headers carrying the verified identity to the product backend.
const (
	headerUser   = "X-Authenticated-User"
	headerClient = "X-Authenticated-Client"
	headerScopes = "X-Authenticated-Scopes"
)

const maxUpstreamResponseBytes = 4 << 20

// forwarder returns an operation handler that sends the request body to the
// configured upstream with the principal's identity attached. A 2xx JSON
// response is passed through; anything else becomes a StatusError.
func forwarder(client *http.Client, op config.OperationConfig) verifier.OperationFunc {
	method := op.Method
	if method == "" {
		method = http.MethodPost
	}

	return func(ctx context.Context, p *verifier.Principal, body []byte) (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, op.Upstream, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building upstream request for %s: %w", op.Name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set(headerUser, p.Subject)
		req.Header.Set(headerClient, p.ClientID)
		req.Header.Set(headerScopes, strings.Join(p.Scopes, " "))

		resp, err := client.Do(req)
		if err != nil {
			return nil, &verifier.StatusError{Status: http.StatusBadGateway, Message: "upstream unavailable"}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
		if err != nil {
			return nil, &verifier.StatusError{Status: http.StatusBadGateway, Message: "upstream response unreadable"}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			status := resp.StatusCode
			if status >= 500 {
				status = http.StatusBadGateway
			}
			return nil, &verifier.StatusError{Status: status, Message: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
		}

		if len(bytes.TrimSpace(data)) == 0 {
			return map[string]any{}, nil
		}
		if !json.Valid(data) {
			return nil, &verifier.StatusError{Status: http.StatusBadGateway, Message: "upstream returned invalid JSON"}
		}
		return json.RawMessage(data), nil
	}
}

// registerOperations builds the registry from the configured operations.
func registerOperations(client *http.Client, ops []config.OperationConfig) (*verifier.Operations, error) {
	registry := verifier.NewOperations()
	for _, op := range ops {
		if err := registry.Register(verifier.Operation{
			Name:    op.Name,
			Scope:   op.Scope,
			Handler: forwarder(client, op),
		}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
