package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAttempt(t *testing.T) {
	m := New()
	m.RecordAttempt("confirmed", "confirmed", 2*time.Second)
	m.RecordAttempt("invalid_signature", "verified", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.attempts.WithLabelValues("confirmed", "confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.attempts.WithLabelValues("invalid_signature", "verified")))
}

func TestRecordBeaconFetch(t *testing.T) {
	m := New()
	m.RecordBeaconFetch("round", nil)
	m.RecordBeaconFetch("round", errors.New("boom"))
	m.RecordBeaconFetch("round", errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.beaconFetches.WithLabelValues("round", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.beaconFetches.WithLabelValues("round", "error")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAttempt("x", "y", time.Second)
	m.RecordBeaconFetch("latest", nil)
	m.SetBeaconHealth(1, 0)
	m.SetLedgerCounts(map[string]int{"pending": 1})
	m.RecordLedgerDrop("event")
	m.SetQueueDepth(map[string]int{"high": 1})
	m.RecordHTTPRequest("GET", "/queue", "200", time.Millisecond)
	m.IncrementInFlight()
	m.DecrementInFlight()
}

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("GET", "/requests/{id}", "404", 3*time.Millisecond)
	m.RecordHTTPRequest("GET", "/requests/{id}", "404", time.Millisecond)
	m.IncrementInFlight()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/requests/{id}", "404")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpInFlight))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.SetBeaconHealth(2, 1)
	m.SetLedgerCounts(map[string]int{"pending": 3})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "beacon_operator_beacon_staleness_rounds 2"))
	assert.True(t, strings.Contains(body, `beacon_operator_ledger_requests{state="pending"} 3`))
}
