// Package operator runs the randomness fulfillment pipeline.
//
// Flow:
// 1. Requests enter the ledger from chain events and periodic snapshots
// 2. The dispatcher ranks fulfillable requests and starts bounded attempts
// 3. Each attempt fetches the round's beacon signature and submits it on-chain
// 4. Confirmed or reverted outcomes flow back through the ledger
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/beacon_operator/infrastructure/chain"
	"github.com/R3E-Network/beacon_operator/internal/beacon"
	"github.com/R3E-Network/beacon_operator/internal/executor"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
	"github.com/R3E-Network/beacon_operator/internal/middleware"
	"github.com/R3E-Network/beacon_operator/internal/prioritizer"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
	commonservice "github.com/R3E-Network/beacon_operator/services/common/service"
)

// =============================================================================
// Service Constants
// =============================================================================

const (
	ServiceID   = "beacon-operator"
	ServiceName = "Beacon Fulfillment Operator"
	Version     = "1.0.0"

	// maxNewPerPoll bounds how many unseen ids one snapshot poll reads.
	maxNewPerPoll = 256

	// maxParkBackoff caps how long a retryable failure keeps a request parked.
	maxParkBackoff = 5 * time.Minute

	limiterIdle = 10 * time.Minute
)

// =============================================================================
// Collaborators
// =============================================================================

// ChainReader reads oracle state.
type ChainReader interface {
	GetRequestSnapshot(ctx context.Context, ids []uint64) ([]*ledger.Request, error)
	NextRequestID(ctx context.Context) (uint64, error)
	GetContractLimits(ctx context.Context) (chain.Limits, error)
}

// EventSource pushes oracle events until ctx is done.
type EventSource interface {
	Run(ctx context.Context, out chan<- ledger.Event) error
}

// BeaconSource is the beacon access the service needs beyond attempts.
type BeaconSource interface {
	FetchLatest(ctx context.Context, network string) (*beacon.Pulse, error)
	CircuitState() beacon.CircuitState
	CachedRounds() int
}

// AttemptRunner fulfills one request, retrying as its policy allows.
type AttemptRunner interface {
	Run(ctx context.Context, requestID uint64) (*executor.Outcome, error)
}

// Config holds operator service configuration.
type Config struct {
	Network    string
	Clock      roundclock.Clock
	Thresholds roundclock.Thresholds

	PollInterval     time.Duration
	DispatchInterval time.Duration
	MaxConcurrent    int
	EvictSchedule    string
	Retention        time.Duration

	// APIRateLimit is requests per second per client on the HTTP API; zero disables it.
	APIRateLimit float64
	APIBurst     int

	Ledger      *ledger.Ledger
	Prioritizer *prioritizer.Prioritizer
	Beacon      BeaconSource
	Chain       ChainReader
	Events      EventSource
	Runner      AttemptRunner

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// =============================================================================
// Service Definition
// =============================================================================

// Service wires the pipeline components into background workers and an HTTP API.
type Service struct {
	*commonservice.BaseService

	cfg     Config
	ledger  *ledger.Ledger
	prio    *prioritizer.Prioritizer
	beacon  BeaconSource
	chain   ChainReader
	runner  AttemptRunner
	metrics *metrics.Metrics
	now     func() time.Time

	// Dispatch state
	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	attempts sync.WaitGroup
	wake     chan struct{}
	outcomes map[string]int
	parked   map[uint64]parking

	// snapMu serializes snapshot polls; cursor is the next unread id.
	snapMu sync.Mutex
	cursor uint64

	limiter *middleware.RateLimiter

	limitsMu sync.RWMutex
	limits   *chain.Limits

	beaconMu   sync.RWMutex
	lastPulse  *beacon.Pulse
	lastHealth roundclock.Health
	beaconErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the operator service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("operator: ledger is required")
	case cfg.Prioritizer == nil:
		return nil, errors.New("operator: prioritizer is required")
	case cfg.Beacon == nil:
		return nil, errors.New("operator: beacon is required")
	case cfg.Chain == nil:
		return nil, errors.New("operator: chain reader is required")
	case cfg.Runner == nil:
		return nil, errors.New("operator: attempt runner is required")
	case cfg.Clock.Period <= 0:
		return nil, errors.New("operator: round clock is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.EvictSchedule == "" {
		cfg.EvictSchedule = "@every 10m"
	}
	if cfg.Thresholds == (roundclock.Thresholds{}) {
		cfg.Thresholds = roundclock.DefaultThresholds()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:      ServiceID,
		Name:    ServiceName,
		Version: Version,
		Logger:  cfg.Logger,
	})

	s := &Service{
		BaseService: base,
		cfg:         cfg,
		ledger:      cfg.Ledger,
		prio:        cfg.Prioritizer,
		beacon:      cfg.Beacon,
		chain:       cfg.Chain,
		runner:      cfg.Runner,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		inflight:    make(map[uint64]context.CancelFunc),
		wake:        make(chan struct{}, 1),
		outcomes:    make(map[string]int),
		parked:      make(map[uint64]parking),
		cursor:      1,
		lastHealth:  roundclock.HealthOffline,
	}

	base.WithHydrate(s.hydrate)
	base.WithStats(s.statistics)
	base.AddTickerWorker("snapshot", cfg.PollInterval, s.pollSnapshot)
	if cfg.Events != nil {
		base.AddWorker(s.runEventConsumer)
	}
	base.AddWorker(s.runDispatcher)
	base.AddTickerWorker("beacon-monitor", time.Duration(cfg.Clock.Period)*time.Second, s.checkBeacon)
	base.AddWorker(s.runJanitor)

	base.AddProbe(commonservice.Probe{Name: "chain", Critical: true, Check: func(ctx context.Context) error {
		_, err := s.chain.NextRequestID(ctx)
		return err
	}})
	base.AddProbe(commonservice.Probe{Name: "beacon", Check: s.beaconProbe})

	base.RegisterStandardRoutes()
	s.registerRoutes()

	router := base.Router()
	router.Use(middleware.LoggingMiddleware(base.Logger()))
	if cfg.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(cfg.Metrics))
	}
	if cfg.APIRateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIBurst, base.Logger())
		router.Use(s.limiter.Handler)
		base.AddTickerWorker("limiter-cleanup", limiterIdle, func(context.Context) error {
			s.limiter.Cleanup(limiterIdle)
			return nil
		})
	}
	return s, nil
}

// Stop cancels workers and queued attempts, then waits for attempts that
// already submitted a transaction to settle.
func (s *Service) Stop() error {
	err := s.BaseService.Stop()
	s.attempts.Wait()
	return err
}

// hydrate reads contract limits and seeds the ledger before workers start.
func (s *Service) hydrate(ctx context.Context) error {
	if err := s.refreshLimits(ctx); err != nil {
		return err
	}
	if err := s.catchUpSnapshot(ctx); err != nil {
		s.Logger().WithContext(ctx).WithError(err).Warn("initial snapshot failed")
	}
	if err := s.checkBeacon(ctx); err != nil {
		s.Logger().WithContext(ctx).WithError(err).Warn("initial beacon check failed")
	}
	return nil
}

func (s *Service) refreshLimits(ctx context.Context) error {
	limits, err := s.chain.GetContractLimits(ctx)
	if err != nil {
		return fmt.Errorf("read contract limits: %w", err)
	}
	s.limitsMu.Lock()
	s.limits = &limits
	s.limitsMu.Unlock()
	return nil
}

// Limits returns the contract limits read at start.
func (s *Service) Limits() (chain.Limits, bool) {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	if s.limits == nil {
		return chain.Limits{}, false
	}
	return *s.limits, true
}

func (s *Service) statistics() map[string]any {
	st := s.ledger.Stats()

	s.mu.Lock()
	inflight := len(s.inflight)
	outcomes := make(map[string]int, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	stats := map[string]any{
		"network":          s.cfg.Network,
		"pending":          st.Pending,
		"fulfilled":        st.Fulfilled,
		"failed":           st.Failed,
		"local_outcomes":   st.Overlay,
		"inflight":         inflight,
		"parked":           len(s.Parked()),
		"snapshot_cursor":  s.SnapshotCursor(),
		"highest_id":       s.ledger.HighestID(),
		"max_concurrent":   s.cfg.MaxConcurrent,
		"attempt_outcomes": outcomes,
		"beacon_health":    s.BeaconHealth().String(),
		"beacon_circuit":   s.beacon.CircuitState().String(),
		"cached_rounds":    s.beacon.CachedRounds(),
	}
	if limits, ok := s.Limits(); ok {
		stats["max_callback_gas_budget"] = limits.MaxCallbackGasBudget
		stats["max_deadline_delta_seconds"] = int64(limits.MaxDeadlineDelta / time.Second)
	}
	if s.limiter != nil {
		stats["api_clients"] = s.limiter.Clients()
	}
	return stats
}
