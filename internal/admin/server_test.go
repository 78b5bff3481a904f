package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(zaptest.NewLogger(t)), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	down := NewServer(zaptest.NewLogger(t), WithReadiness(func() error { return errors.New("network unreachable") }))
	rec := serve(t, down, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "network unreachable")

	up := NewServer(zaptest.NewLogger(t), WithReadiness(func() error { return nil }))
	require.Equal(t, http.StatusOK, serve(t, up, "/readyz").Code)
	require.Equal(t, http.StatusOK, serve(t, NewServer(nil), "/readyz").Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s := NewServer(zaptest.NewLogger(t), WithStatus(func() any {
		return map[string]int{"running": 3}
	}))
	rec := serve(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"running":3}`, rec.Body.String())

	require.Equal(t, http.StatusNotFound, serve(t, NewServer(nil), "/status").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.ObserveHop("HTTP")
	rec := serve(t, NewServer(zaptest.NewLogger(t)), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "resolver_hops_total")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	NewServer(nil).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(zaptest.NewLogger(t)).ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admin server did not stop")
	}
}

func TestListenAndServeReportsBindFailure(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = NewServer(nil).ListenAndServe(context.Background(), l.Addr().String())
	require.Error(t, err)
}
