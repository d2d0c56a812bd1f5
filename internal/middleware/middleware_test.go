package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
)

func newRouter(mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "0" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Use(mw...)
	return r
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := metrics.New()
	router := newRouter(MetricsMiddleware(m))

	for _, id := range []string{"1", "2", "0"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/"+id, nil))
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `beacon_operator_http_requests_total{method="GET",route="/requests/{id}",status="200"} 2`)
	assert.Contains(t, body, `beacon_operator_http_requests_total{method="GET",route="/requests/{id}",status="500"} 1`)
	assert.NotContains(t, body, `route="/requests/1"`)
}

func TestLoggingMiddleware_TraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("operator", logging.Config{Level: "debug", Format: "json", Output: &buf})
	router := newRouter(LoggingMiddleware(logger))

	req := httptest.NewRequest(http.MethodGet, "/requests/7", nil)
	req.Header.Set(TraceHeader, "trace-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "trace-1", rec.Header().Get(TraceHeader))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trace-1", line["trace_id"])
	assert.Equal(t, "/requests/{id}", line["route"])
	assert.Equal(t, float64(200), line["status"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/8", nil))
	assert.Len(t, rec.Header().Get(TraceHeader), 36)
}

func TestLoggingMiddleware_ServerErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("operator", logging.Config{Level: "warn", Format: "json", Output: &buf})
	router := newRouter(LoggingMiddleware(logger))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/requests/1", nil))
	assert.Empty(t, buf.String())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/requests/0", nil))
	assert.True(t, strings.Contains(buf.String(), `"level":"warning"`))
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	router := newRouter(rl.Handler)

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/requests/1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001").Code)
	limited := do("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "2", limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000").Code)
	assert.Equal(t, 2, rl.Clients())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 1, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(time.Minute)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Equal(t, 1, rl.Clients())
	assert.Equal(t, 0, rl.Cleanup(30*time.Second))
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()
	router := newRouter(MetricsMiddleware(m))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/requests/1", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "beacon_operator_http_requests_in_flight 0")
}
