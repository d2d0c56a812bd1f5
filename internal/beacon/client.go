// Package beacon fetches, validates and caches pulses from round-based BLS
// randomness beacons that sign on the BN254 G1 curve.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/beacon_operator/internal/httputil"
	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

const maxBodySize = 64 << 10

var (
	// ErrNetwork wraps transport failures and unexpected statuses; retryable.
	ErrNetwork = errors.New("beacon: network error")
	// ErrRoundNotPublished is returned for rounds the beacon has not produced yet; retryable.
	ErrRoundNotPublished = errors.New("beacon: round not published")
	// ErrUnknownNetwork is returned for a network name missing from the configuration.
	ErrUnknownNetwork = errors.New("beacon: unknown network")
	// ErrInvalidRound is returned for round 0.
	ErrInvalidRound = errors.New("beacon: round must be >= 1")
)

// RoundNotPublishedError carries how long to wait before the round can exist.
type RoundNotPublishedError struct {
	Round      uint64
	RetryAfter time.Duration
}

func (e *RoundNotPublishedError) Error() string {
	return fmt.Sprintf("beacon: round %d not published (retry after %s)", e.Round, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRoundNotPublished) hold.
func (e *RoundNotPublishedError) Is(target error) bool {
	return target == ErrRoundNotPublished
}

// =============================================================================
// Configuration
// =============================================================================

// Network describes one beacon instance.
type Network struct {
	Name        string
	URL         string // base URL, including any chain hash path
	GenesisTime int64
	Period      int64
}

// Config configures a Client.
type Config struct {
	Networks       []Network
	HTTPClient     *http.Client
	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig

	// LatestTTL overrides the latest-pulse TTL, which defaults to one period.
	LatestTTL      time.Duration
	RoundCacheSize int

	// RequestsPerSecond limits outgoing beacon requests; zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	Store   PulseStore
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type networkState struct {
	Network
	clock roundclock.Clock
}

// =============================================================================
// Client
// =============================================================================

// Client fetches pulses for one or more beacon networks. It owns its caches;
// construct one per process and share it.
type Client struct {
	networks map[string]networkState
	http     *transport
	limiter  *rate.Limiter
	rounds   *roundCache
	latest   *latestCache
	ttl      time.Duration
	store    PulseStore
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a beacon client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Networks) == 0 {
		return nil, fmt.Errorf("beacon: at least one network is required")
	}

	networks := make(map[string]networkState, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if n.Name == "" || n.URL == "" {
			return nil, fmt.Errorf("beacon: network name and url are required")
		}
		clock, err := roundclock.New(n.GenesisTime, n.Period)
		if err != nil {
			return nil, fmt.Errorf("beacon: network %s: %w", n.Name, err)
		}
		n.URL = strings.TrimRight(n.URL, "/")
		networks[n.Name] = networkState{Network: n, clock: clock}
	}

	rounds, err := newRoundCache(cfg.RoundCacheSize)
	if err != nil {
		return nil, err
	}

	retry := cfg.Retry
	if retry.BackoffMultiplier == 0 && retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb = DefaultCircuitBreakerConfig()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}

	return &Client{
		networks: networks,
		http:     newTransport(cfg.HTTPClient, retry, cb, now),
		limiter:  limiter,
		rounds:   rounds,
		latest:   newLatestCache(cfg.LatestTTL),
		ttl:      cfg.LatestTTL,
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      now,
	}, nil
}

// Clock returns the round clock of a configured network.
func (c *Client) Clock(network string) (roundclock.Clock, error) {
	n, ok := c.networks[network]
	if !ok {
		return roundclock.Clock{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return n.clock, nil
}

// CircuitState reports the most degraded circuit breaker state across networks.
func (c *Client) CircuitState() CircuitState {
	return c.http.state()
}

// CachedRounds returns the number of historical pulses held in memory.
func (c *Client) CachedRounds() int {
	return c.rounds.len()
}

// FetchLatest returns the newest pulse, served from cache for up to one period.
func (c *Client) FetchLatest(ctx context.Context, network string) (*Pulse, error) {
	n, ok := c.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	now := c.now()
	if p, ok := c.latest.get(network, now); ok {
		c.metrics.RecordBeaconCacheHit("latest")
		return p, nil
	}

	body, err := c.get(ctx, n, "/public/latest", 0)
	c.metrics.RecordBeaconFetch("latest", err)
	if err != nil {
		return nil, err
	}
	p, err := parsePulse(network, body, 0, now)
	if err != nil {
		c.logIntegrity(ctx, network, 0, err)
		return nil, err
	}

	ttl := c.ttl
	if ttl <= 0 {
		// Expire when the next round is due.
		next := time.Unix(n.clock.TimestampForRound(p.Round+1), 0)
		ttl = next.Sub(now)
		if ttl <= 0 || ttl > time.Duration(n.Period)*time.Second {
			ttl = time.Duration(n.Period) * time.Second
		}
	}
	c.latest.put(p, ttl, now)
	c.rounds.add(p)
	return p, nil
}

// FetchRound returns the pulse for an exact round. Callers must not ask for a
// round before it is due; doing so yields a RoundNotPublishedError.
func (c *Client) FetchRound(ctx context.Context, network string, round uint64) (*Pulse, error) {
	n, ok := c.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	if round == 0 {
		return nil, ErrInvalidRound
	}

	if p, ok := c.rounds.get(network, round); ok {
		c.metrics.RecordBeaconCacheHit("memory")
		return p, nil
	}

	now := c.now()
	if wait := n.clock.TimeUntilRound(round, now.Unix()); wait > 0 {
		return nil, &RoundNotPublishedError{Round: round, RetryAfter: time.Duration(wait) * time.Second}
	}

	if c.store != nil {
		p, err := c.store.Load(ctx, network, round)
		switch {
		case err == nil:
			c.metrics.RecordBeaconCacheHit("store")
			c.rounds.add(p)
			return p, nil
		case !errors.Is(err, ErrPulseNotStored):
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"network": network,
				"round":   round,
			}).Warn("pulse store lookup failed")
		}
	}

	body, err := c.get(ctx, n, "/public/"+strconv.FormatUint(round, 10), round)
	c.metrics.RecordBeaconFetch("round", err)
	if err != nil {
		return nil, err
	}
	p, err := parsePulse(network, body, round, now)
	if err != nil {
		c.logIntegrity(ctx, network, round, err)
		return nil, err
	}

	c.rounds.add(p)
	if c.store != nil {
		if err := c.store.Save(ctx, p); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("round", round).Warn("pulse store save failed")
		}
	}
	return p, nil
}

// FetchInfo reads the chain description of a network.
func (c *Client) FetchInfo(ctx context.Context, network string) (*Info, error) {
	n, ok := c.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	body, err := c.get(ctx, n, "/info", 0)
	c.metrics.RecordBeaconFetch("info", err)
	if err != nil {
		return nil, err
	}
	return parseInfo(body)
}

// VerifyNetwork checks the configured genesis and period against the published
// info and validates the group public key.
func (c *Client) VerifyNetwork(ctx context.Context, network string) (*Info, error) {
	info, err := c.FetchInfo(ctx, network)
	if err != nil {
		return nil, err
	}
	n := c.networks[network]
	if info.GenesisTime != n.GenesisTime || info.Period != n.Period {
		return info, fmt.Errorf("beacon: network %s configured genesis=%d period=%d, beacon reports genesis=%d period=%d",
			network, n.GenesisTime, n.Period, info.GenesisTime, info.Period)
	}
	if err := ValidatePublicKey(info.PublicKey); err != nil {
		return info, err
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, n networkState, path string, round uint64) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrNetwork, err)
		}
	}

	body, err := c.http.get(ctx, n.Name, n.URL+path, round, time.Duration(n.Period)*time.Second)
	switch {
	case err == nil:
		return body, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrRoundNotPublished):
		return nil, err
	case errors.Is(err, httputil.ErrBodyTooLarge):
		return nil, fmt.Errorf("%w: %v", ErrMalformedPulse, err)
	default:
		return nil, fmt.Errorf("%w: GET %s: %w", ErrNetwork, path, err)
	}
}

func (c *Client) logIntegrity(ctx context.Context, network string, round uint64, err error) {
	c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"network": network,
		"round":   round,
	}).Error("beacon returned a malformed pulse")
}
