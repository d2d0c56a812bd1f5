// Package service provides the lifecycle shell shared by operator services:
// hydration, background workers, health probes and standard routes.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/beacon_operator/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// Health status values reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// Probe checks one dependency. A critical probe failing makes the service
// unhealthy; any other failing probe only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(context.Context) error
}

// BaseService wires hydrate, workers and health around a mux router.
// Stop is idempotent.
type BaseService struct {
	id      string
	name    string
	version string
	logger  *logging.Logger
	router  *mux.Router

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	hydrate func(context.Context) error
	statsFn func() map[string]any
	workers []func(context.Context)
	probes  []Probe

	healthMu        sync.RWMutex
	failing         map[string]string
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &BaseService{
		id:      cfg.ID,
		name:    cfg.Name,
		version: cfg.Version,
		logger:  logger,
		router:  mux.NewRouter(),
		stopCh:  make(chan struct{}),
		failing: make(map[string]string),
	}
}

func (b *BaseService) ID() string { return b.id }
func (b *BaseService) Name() string { return b.name }
func (b *BaseService) Version() string { return b.version }
func (b *BaseService) Logger() *logging.Logger { return b.logger }
func (b *BaseService) Router() *mux.Router { return b.router }
func (b *BaseService) StopChan() <-chan struct{} { return b.stopCh }

// WithHydrate sets a hook run during Start before workers are launched.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets the statistics provider for /info.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Its context is cancelled by Stop.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers fn to run every interval until Stop.
func (b *BaseService) AddTickerWorker(name string, interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					b.logger.WithContext(ctx).WithError(err).WithField("worker", name).Warn("worker iteration failed")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// AddProbe registers a health probe.
func (b *BaseService) AddProbe(p Probe) *BaseService {
	b.probes = append(b.probes, p)
	return b
}

// Start runs hydrate once, then launches workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(workerCtx)
		}()
	}
	b.logger.WithFields(map[string]any{"workers": len(b.workers)}).Info("service started")
	return nil
}

// Stop cancels workers and waits for them to return.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cancel != nil {
			b.cancel()
		}
	})
	b.wg.Wait()
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth runs every probe and caches the failures.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	failing := make(map[string]string)
	for _, p := range b.probes {
		if err := p.Check(ctx); err != nil {
			failing[p.Name] = err.Error()
		}
	}

	b.healthMu.Lock()
	b.failing = failing
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus refreshes and returns the aggregated status.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails describes the most recent health check.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	checks := make(map[string]string, len(b.probes))
	for _, p := range b.probes {
		if msg, ok := b.failing[p.Name]; ok {
			checks[p.Name] = msg
		} else {
			checks[p.Name] = "ok"
		}
	}

	details := map[string]any{"checks": checks}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()
	return details
}

func (b *BaseService) healthStatusLocked() string {
	status := StatusHealthy
	for _, p := range b.probes {
		if _, bad := b.failing[p.Name]; !bad {
			continue
		}
		if p.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}
