package serve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authz/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(addr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, discardLogger(), []*http.Server{srv}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusTeapot
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_TaskFailureStopsServers(t *testing.T) {
	srv := NewServer(freeAddr(t), http.NotFoundHandler())
	boom := errors.New("boom")

	err := Run(context.Background(), discardLogger(), []*http.Server{srv},
		func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestEvery(t *testing.T) {
	var calls atomic.Int32
	task := Every(5*time.Millisecond, discardLogger(), "count", func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestInstrumentation(t *testing.T) {
	inst, metricsServer, err := Instrumentation("authserver", "test", config.MetricsConfig{})
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Nil(t, metricsServer)

	inst, metricsServer, err = Instrumentation("authserver", "test", config.MetricsConfig{Enabled: true, ListenAddr: ":0"})
	require.NoError(t, err)
	require.NotNil(t, metricsServer)
	defer inst.Shutdown(context.Background())

	inst.Metrics().RecordHTTPRequest(context.Background(), http.MethodPost, "token", http.StatusOK, 1.5)

	rec := httptest.NewRecorder()
	metricsServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oauth_http_requests")
}
