package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseService_Lifecycle(t *testing.T) {
	var hydrated, ticks atomic.Int32
	started := make(chan struct{})

	b := NewBase(BaseConfig{ID: "op", Name: "operator", Version: "test"}).
		WithHydrate(func(context.Context) error { hydrated.Add(1); return nil }).
		AddWorker(func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		}).
		AddTickerWorker("tick", time.Millisecond, func(context.Context) error {
			ticks.Add(1)
			return errors.New("ignored")
		})

	require.NoError(t, b.Start(context.Background()))
	<-started
	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.Equal(t, int32(1), hydrated.Load())
	assert.Equal(t, 2, b.WorkerCount())

	select {
	case <-b.StopChan():
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestBaseService_HydrateError(t *testing.T) {
	b := NewBase(BaseConfig{Name: "operator"}).
		WithHydrate(func(context.Context) error { return errors.New("boom") })
	assert.ErrorContains(t, b.Start(context.Background()), "hydrate")
}

func TestBaseService_HealthStatus(t *testing.T) {
	var beaconErr, chainErr error
	b := NewBase(BaseConfig{Name: "operator"}).
		AddProbe(Probe{Name: "beacon", Check: func(context.Context) error { return beaconErr }}).
		AddProbe(Probe{Name: "chain", Critical: true, Check: func(context.Context) error { return chainErr }})

	assert.Equal(t, StatusHealthy, b.HealthStatus())

	beaconErr = errors.New("stale")
	assert.Equal(t, StatusDegraded, b.HealthStatus())
	checks := b.HealthDetails()["checks"].(map[string]string)
	assert.Equal(t, "stale", checks["beacon"])
	assert.Equal(t, "ok", checks["chain"])

	chainErr = errors.New("down")
	assert.Equal(t, StatusUnhealthy, b.HealthStatus())
}

func TestStandardRoutes(t *testing.T) {
	b := NewBase(BaseConfig{Name: "operator", Version: "1.2.3"}).
		WithStats(func() map[string]any { return map[string]any{"pending": 3} }).
		AddProbe(Probe{Name: "chain", Critical: true, Check: func(context.Context) error { return errors.New("down") }})
	b.RegisterStandardRoutes()

	rec := httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, "1.2.3", health.Version)

	rec = httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, float64(3), info.Statistics["pending"])

	rec = httptest.NewRecorder()
	b.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/info", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
