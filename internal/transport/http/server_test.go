package httptransport

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewServerAppliesConfig(t *testing.T) {
	srv := NewServer(ServerConfig{Address: ":1234", ReadHeaderTimeout: time.Second, IdleTimeout: time.Minute}, http.NotFoundHandler())
	require.Equal(t, ":1234", srv.Addr)
	require.Equal(t, time.Second, srv.ReadHeaderTimeout)
	require.Equal(t, time.Minute, srv.IdleTimeout)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS("http://localhost:5173", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/v1/presence", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	require.False(t, called)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/presence", nil))
	require.True(t, called)
}

func TestLogRequests(t *testing.T) {
	var buf bytes.Buffer
	handler := LogRequests(log.New(&buf, "", 0), http.NotFoundHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Contains(t, buf.String(), "GET /healthz")
}
