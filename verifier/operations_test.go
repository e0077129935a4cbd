package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOperation(name, scope string) Operation {
	return Operation{
		Name:  name,
		Scope: scope,
		Handler: func(_ context.Context, p *Principal, body []byte) (any, error) {
			return map[string]string{"sub": p.Subject, "body": string(body)}, nil
		},
	}
}

func TestOperations_Register(t *testing.T) {
	ops := NewOperations()

	require.NoError(t, ops.Register(echoOperation("tasks.list", "tasks:read")))
	require.NoError(t, ops.Register(echoOperation("tasks.create", "tasks:write")))

	assert.Error(t, ops.Register(echoOperation("", "tasks:read")))
	assert.Error(t, ops.Register(echoOperation("tasks.delete", "")), "scope is mandatory")
	assert.Error(t, ops.Register(Operation{Name: "x", Scope: "tasks:read"}))
	assert.Error(t, ops.Register(echoOperation("tasks.list", "tasks:read")), "duplicate")

	assert.Equal(t, []string{"tasks.create", "tasks.list"}, ops.Names())
}

func TestOperations_Invoke(t *testing.T) {
	ops := NewOperations()
	require.NoError(t, ops.Register(echoOperation("tasks.list", "tasks:read")))
	require.NoError(t, ops.Register(echoOperation("tasks.create", "tasks:write")))

	reader := &Principal{Subject: "u1", Scopes: []string{"tasks:read"}}
	ctx := context.Background()

	result, err := ops.Invoke(ctx, reader, "tasks.list", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sub": "u1", "body": "{}"}, result)

	_, err = ops.Invoke(ctx, reader, "tasks.create", nil)
	assert.ErrorIs(t, err, ErrInsufficientScope)

	_, err = ops.Invoke(ctx, reader, "tasks.archive", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = ops.Invoke(ctx, nil, "tasks.list", nil)
	assert.ErrorIs(t, err, ErrInsufficientScope, "no principal holds no scope")
}

func TestVerifier_Routes(t *testing.T) {
	fake := &fakeIntrospection{responses: map[string]any{
		"reader": activeToken("tasks:read", time.Now().Add(time.Hour)),
	}}
	v := newTestVerifier(t, fake)

	ops := NewOperations()
	require.NoError(t, ops.Register(echoOperation("tasks.list", "tasks:read")))
	require.NoError(t, ops.Register(echoOperation("tasks.create", "tasks:write")))
	require.NoError(t, ops.Register(Operation{
		Name:  "tasks.sync",
		Scope: "tasks:read",
		Handler: func(context.Context, *Principal, []byte) (any, error) {
			return nil, &StatusError{Status: http.StatusBadGateway, Message: "upstream unavailable"}
		},
	}))
	require.NoError(t, ops.Register(Operation{
		Name:  "tasks.fail",
		Scope: "tasks:read",
		Handler: func(context.Context, *Principal, []byte) (any, error) {
			return nil, errors.New("database password is hunter2")
		},
	}))
	handler := v.Routes(ops)

	call := func(name, token, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/operations/"+name, strings.NewReader(body))
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}

	rec := call("tasks.list", "reader", `{"project":"p1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "user-1", out["sub"])
	assert.Equal(t, `{"project":"p1"}`, out["body"])

	rec = call("tasks.list", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no operation runs on token presence alone")

	rec = call("tasks.list", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call("tasks.create", "reader", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `scope="tasks:write"`)

	rec = call("tasks.archive", "reader", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call("tasks.sync", "reader", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = call("tasks.fail", "reader", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
