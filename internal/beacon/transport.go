package beacon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/beacon_operator/internal/httputil"
)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retries of one beacon GET.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter spreads backoff by up to this fraction either way.
	Jitter float64
	// RetryableStatusCodes are answers that mean the endpoint is overloaded or
	// briefly broken.
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the retry policy used for beacon endpoints.
// Retries stay well inside one beacon period.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        3 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState is the state of a beacon network's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-network breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many failed GETs in a row open the circuit.
	FailureThreshold int
	// SuccessThreshold is how many half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects GETs before letting one through.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns the breaker settings for beacon endpoints.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
	}
}

// ErrCircuitOpen is returned while a network's circuit is open.
var ErrCircuitOpen = errors.New("beacon: circuit breaker is open")

// breaker counts endpoint failures for one network. A beacon that answers,
// even with "not published yet", is healthy.
type breaker struct {
	mu        sync.Mutex
	cfg       CircuitBreakerConfig
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.set(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (b *breaker) healthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.set(CircuitClosed)
		}
	}
}

func (b *breaker) failed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.set(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.set(CircuitOpen)
	}
}

func (b *breaker) set(s CircuitState) {
	b.state = s
	b.successes = 0
	switch s {
	case CircuitClosed:
		b.failures = 0
	case CircuitOpen:
		b.openedAt = b.now()
	}
}

func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// =============================================================================
// Beacon Transport
// =============================================================================

// HTTPError reports an unexpected HTTP status from a beacon.
type HTTPError struct {
	StatusCode int
	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("beacon: unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// transport performs beacon GETs with bounded retries and one circuit breaker
// per network.
//
// Status handling for a round path:
//   - 200 returns the body, read up to maxBodySize.
//   - 404 and 425 mean the round is not out yet. The result is a
//     RoundNotPublishedError; it is not retried and the breaker sees a healthy
//     endpoint.
//   - Retryable statuses and connection failures are retried with backoff,
//     honoring Retry-After up to MaxBackoff, and count against the breaker
//     once retries run out.
//   - Anything else is returned as *HTTPError without retrying.
type transport struct {
	client   *http.Client
	retry    RetryConfig
	cfg      CircuitBreakerConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	mu       sync.Mutex
	breakers map[string]*breaker
}

func newTransport(base *http.Client, retry RetryConfig, cb CircuitBreakerConfig, now func() time.Time) *transport {
	if base == nil {
		base = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cb.SuccessThreshold <= 0 {
		cb.SuccessThreshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &transport{
		client:   base,
		retry:    retry,
		cfg:      cb,
		now:      now,
		sleep:    sleepCtx,
		breakers: make(map[string]*breaker),
	}
}

func (t *transport) breakerFor(network string) *breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[network]
	if !ok {
		b = &breaker{cfg: t.cfg, now: t.now}
		t.breakers[network] = b
	}
	return b
}

// state returns the most degraded breaker state across networks.
func (t *transport) state() CircuitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	worst := CircuitClosed
	for _, b := range t.breakers {
		switch s := b.State(); {
		case s == CircuitOpen:
			return CircuitOpen
		case s == CircuitHalfOpen:
			worst = CircuitHalfOpen
		}
	}
	return worst
}

// get fetches url for network. round is zero for non-round paths such as /info;
// period is the wait suggested when a round is not out yet and the server gave
// no Retry-After.
func (t *transport) get(ctx context.Context, network, url string, round uint64, period time.Duration) ([]byte, error) {
	b := t.breakerFor(network)
	if err := b.allow(); err != nil {
		return nil, err
	}

	var lastErr error
	var hint time.Duration
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := t.backoff(attempt)
			if hint > wait {
				wait = hint
				if t.retry.MaxBackoff > 0 && wait > t.retry.MaxBackoff {
					wait = t.retry.MaxBackoff
				}
			}
			if err := t.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		body, retryAfter, err := t.once(ctx, url, round, period)
		switch {
		case err == nil:
			b.healthy()
			return body, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrRoundNotPublished):
			b.healthy()
			return nil, err
		case !t.retryable(err):
			var httpErr *HTTPError
			if errors.As(err, &httpErr) || errors.Is(err, httputil.ErrBodyTooLarge) {
				b.healthy()
			} else {
				b.failed()
			}
			return nil, err
		}
		lastErr, hint = err, retryAfter
	}

	b.failed()
	return nil, lastErr
}

// once performs a single GET. The returned duration is the server's
// Retry-After hint.
func (t *transport) once(ctx context.Context, url string, round uint64, period time.Duration) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("beacon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	switch {
	case resp.StatusCode == http.StatusOK:
	case round != 0 && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusTooEarly):
		if retryAfter <= 0 {
			retryAfter = period
		}
		return nil, 0, &RoundNotPublishedError{Round: round, RetryAfter: retryAfter}
	default:
		return nil, retryAfter, &HTTPError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
	}

	body, err := httputil.ReadAllStrict(resp.Body, maxBodySize)
	if err != nil {
		return nil, 0, err
	}
	return body, 0, nil
}

func (t *transport) retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		for _, code := range t.retry.RetryableStatusCodes {
			if httpErr.StatusCode == code {
				return true
			}
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (t *transport) backoff(attempt int) time.Duration {
	d := float64(t.retry.InitialBackoff) * math.Pow(t.retry.BackoffMultiplier, float64(attempt-1))
	if t.retry.MaxBackoff > 0 && d > float64(t.retry.MaxBackoff) {
		d = float64(t.retry.MaxBackoff)
	}
	if t.retry.Jitter > 0 {
		d += d * t.retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// parseRetryAfter reads a delay-seconds Retry-After value. HTTP dates are not
// used by beacon servers and yield zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
