package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
)

// maxOperationBodyBytes bounds operation request bodies.
const maxOperationBodyBytes = 1 << 20

// OperationFunc runs an operation for an authorized principal. The result is
// encoded as JSON; a json.RawMessage is passed through unchanged.
type OperationFunc func(ctx context.Context, p *Principal, body []byte) (any, error)

// Operation is a scope-gated action exposed by the resource server.
type Operation struct {
	Name    string
	Scope   string
	Handler OperationFunc
}

// StatusError lets an operation choose the HTTP status of its failure, for
// example to pass an upstream status through.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("operation failed with status %d: %s", e.Status, e.Message)
}

// Operations is a registry of operations keyed by name. It is safe for
// concurrent use.
type Operations struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewOperations returns an empty registry.
func NewOperations() *Operations {
	return &Operations{ops: make(map[string]Operation)}
}

// Register adds op. Every operation must declare the scope it requires.
func (o *Operations) Register(op Operation) error {
	switch {
	case op.Name == "":
		return errors.New("operation name is required")
	case op.Scope == "":
		return fmt.Errorf("operation %q must declare a scope", op.Name)
	case op.Handler == nil:
		return fmt.Errorf("operation %q has no handler", op.Name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.ops[op.Name]; exists {
		return fmt.Errorf("operation %q is already registered", op.Name)
	}
	o.ops[op.Name] = op
	return nil
}

// Names returns the registered operation names, sorted.
func (o *Operations) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.ops))
	for name := range o.ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (o *Operations) lookup(name string) (Operation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.ops[name]
	return op, ok
}

// Invoke runs the named operation if p holds its scope.
func (o *Operations) Invoke(ctx context.Context, p *Principal, name string, body []byte) (any, error) {
	op, ok := o.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	if !p.HasScope(op.Scope) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrInsufficientScope, name, op.Scope)
	}
	return op.Handler(ctx, p, body)
}

// Routes serves POST /v1/operations/{name} behind the verifier's middleware.
func (v *Verifier) Routes(ops *Operations) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/operations/{name}", v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.serveOperation(w, r, ops)
	})))
	return mux
}

func (v *Verifier) serveOperation(w http.ResponseWriter, r *http.Request, ops *Operations) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		v.writeChallenge(w, http.StatusUnauthorized, "invalid_token", "the access token is invalid or expired", "")
		return
	}
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOperationBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	result, err := ops.Invoke(r.Context(), principal, name, body)
	var statusErr *StatusError
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	case errors.Is(err, ErrUnknownOperation):
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown operation")
	case errors.Is(err, ErrInsufficientScope):
		op, _ := ops.lookup(name)
		v.logger.Info("Operation refused", "operation", name, "sub", principal.Subject, "client_id", principal.ClientID)
		v.writeChallenge(w, http.StatusForbidden, "insufficient_scope",
			"the access token does not grant the required scope", op.Scope)
	case errors.As(err, &statusErr):
		writeJSONError(w, statusErr.Status, "operation_failed", statusErr.Message)
	default:
		v.logger.Error("Operation failed", "operation", name, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "operation failed")
	}
}
