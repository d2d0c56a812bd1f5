package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/beacon_operator/internal/beacon"
	"github.com/R3E-Network/beacon_operator/internal/executor"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/prioritizer"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

// =============================================================================
// Snapshot Poller
// =============================================================================

// pollSnapshot re-reads every outstanding request plus the next batch of ids
// past the snapshot cursor.
func (s *Service) pollSnapshot(ctx context.Context) error {
	_, err := s.snapshotBatch(ctx)
	return err
}

// catchUpSnapshot reads batches until the cursor reaches the contract's next id.
func (s *Service) catchUpSnapshot(ctx context.Context) error {
	for {
		done, err := s.snapshotBatch(ctx)
		if err != nil || done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// snapshotBatch reads one batch and reports whether the cursor has caught up.
// The cursor is independent of the ledger's highest id: events for new ids must
// not skip older ids the snapshot has not read yet.
func (s *Service) snapshotBatch(ctx context.Context) (bool, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	outstanding := s.ledger.ListOutstanding()
	ids := make([]uint64, 0, len(outstanding)+maxNewPerPoll)
	seen := make(map[uint64]bool, len(outstanding))
	for _, r := range outstanding {
		ids = append(ids, r.ID)
		seen[r.ID] = true
	}

	next, err := s.chain.NextRequestID(ctx)
	if err != nil {
		return false, fmt.Errorf("read next request id: %w", err)
	}
	end := s.cursor + maxNewPerPoll
	if end > next {
		end = next
	}
	for id := s.cursor; id < end; id++ {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return s.cursor >= next, nil
	}

	rows, err := s.chain.GetRequestSnapshot(ctx, ids)
	// Rows read before a failure are still valid.
	changed := s.ledger.ApplySnapshot(rows)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if end > s.cursor {
		s.cursor = end
	}
	if changed > 0 {
		s.Logger().WithContext(ctx).WithFields(map[string]any{
			"requested": len(ids),
			"rows":      len(rows),
			"changed":   changed,
			"cursor":    s.cursor,
		}).Debug("applied snapshot")
	}
	return s.cursor >= next, nil
}

// SnapshotCursor returns the lowest id the snapshot poller has not read yet.
func (s *Service) SnapshotCursor() uint64 {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.cursor
}

// =============================================================================
// Event Consumer
// =============================================================================

func (s *Service) runEventConsumer(ctx context.Context) {
	events := make(chan ledger.Event, 256)
	go func() {
		if err := s.cfg.Events.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger().WithContext(ctx).WithError(err).Error("event source stopped")
		}
	}()
	if err := s.ledger.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		s.Logger().WithContext(ctx).WithError(err).Error("event consumer stopped")
	}
}

// =============================================================================
// Dispatcher
// =============================================================================

func (s *Service) runDispatcher(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ledger.Changes():
			s.cancelResolved()
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatch(ctx)
	}
}

// dispatch starts attempts for the best-ranked fulfillable requests, up to the
// concurrency limit, never two for the same id and never for a parked id. It
// returns how many it started.
func (s *Service) dispatch(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := s.now()
	entries := s.prio.Rank(s.ledger.ListPending(now), now)
	s.metrics.SetQueueDepth(prioritizer.Depth(entries))

	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	for _, e := range entries {
		if len(s.inflight) >= s.cfg.MaxConcurrent {
			break
		}
		if _, busy := s.inflight[e.RequestID]; busy {
			continue
		}
		if s.isParked(e.Request, now) {
			continue
		}
		attemptCtx, cancel := context.WithCancel(ctx)
		s.inflight[e.RequestID] = cancel
		s.attempts.Add(1)
		go s.attempt(attemptCtx, cancel, e)
		started++
	}
	return started
}

func (s *Service) attempt(ctx context.Context, cancel context.CancelFunc, e prioritizer.Entry) {
	defer s.attempts.Done()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.inflight, e.RequestID)
		s.mu.Unlock()
		s.signal()
	}()

	ctx = logging.WithRequestID(ctx, e.RequestID)
	out, err := s.runner.Run(ctx, e.RequestID)

	s.mu.Lock()
	if err != nil {
		class := "unknown"
		if f, ok := executor.AsFailure(err); ok {
			class = string(f.Class)
		}
		s.outcomes[class]++
		s.park(ctx, e.Request, err)
	} else {
		s.outcomes["confirmed"]++
		delete(s.parked, e.RequestID)
	}
	s.mu.Unlock()

	if err == nil {
		s.Logger().WithContext(ctx).WithFields(map[string]any{
			"priority": e.Priority.String(),
			"round":    out.Round,
			"tx_hash":  out.TxHash.Hex(),
		}).Info("request fulfilled")
	}
}

// parking holds a request back from dispatch after a failed attempt.
type parking struct {
	class executor.Class
	// until is zero for final failures, which stay parked while the request
	// is unchanged in the ledger.
	until       time.Time
	fingerprint string
	failures    int
}

func fingerprint(r *ledger.Request) string {
	fee := "0"
	if r.FeePaid != nil {
		fee = r.FeePaid.String()
	}
	return fmt.Sprintf("%s/%d/%d/%d/%s", r.State, r.Round, r.Deadline, r.CallbackGasBudget, fee)
}

// park records a failed attempt. Cancelled attempts are not parked, and a
// timed-out one stays hidden by its local outcome instead. Callers hold s.mu.
func (s *Service) park(ctx context.Context, r *ledger.Request, err error) {
	f, ok := executor.AsFailure(err)
	if ok && (f.Class == executor.ClassCancelled || f.Class == executor.ClassTimedOut) {
		return
	}
	p := s.parked[r.ID]
	p.failures++
	p.fingerprint = fingerprint(r)
	p.until = time.Time{}
	p.class = "unknown"

	if ok && f.Advice == executor.AdviceFinal {
		p.class = f.Class
		s.parked[r.ID] = p
		s.Logger().WithContext(ctx).WithField("class", f.Class).Debug("request parked until it changes")
		return
	}

	// A RetryAfter hint, such as a round's publication time, wins over backoff.
	wait := s.parkBackoff(p.failures)
	if ok {
		p.class = f.Class
		if f.RetryAfter > 0 {
			wait = f.RetryAfter
		}
	}
	p.until = s.now().Add(wait)
	s.parked[r.ID] = p
	time.AfterFunc(wait, s.signal)
	s.Logger().WithContext(ctx).WithFields(map[string]any{
		"class":    p.class,
		"retry_in": wait.String(),
	}).Debug("request parked")
}

func (s *Service) parkBackoff(failures int) time.Duration {
	wait := s.cfg.DispatchInterval
	for i := 1; i < failures && wait < maxParkBackoff; i++ {
		wait *= 2
	}
	if wait > maxParkBackoff {
		wait = maxParkBackoff
	}
	return wait
}

// isParked reports whether r must be skipped. A final park is released when
// the request changes in the ledger. Callers hold s.mu.
func (s *Service) isParked(r *ledger.Request, now time.Time) bool {
	p, ok := s.parked[r.ID]
	if !ok {
		return false
	}
	if p.until.IsZero() {
		if p.fingerprint == fingerprint(r) {
			return true
		}
		delete(s.parked, r.ID)
		return false
	}
	return now.Before(p.until)
}

// Parked returns the ids currently held back after a failed attempt.
func (s *Service) Parked() map[uint64]executor.Class {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]executor.Class, len(s.parked))
	for id, p := range s.parked {
		if p.until.IsZero() || now.Before(p.until) {
			out[id] = p.class
		}
	}
	return out
}

// cancelResolved cancels attempts whose request became terminal elsewhere and
// forgets parked requests that are resolved or gone. Attempts past submission
// ignore the cancellation.
func (s *Service) cancelResolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.inflight {
		if r, ok := s.ledger.Get(id); !ok || r.State.IsTerminal() {
			cancel()
		}
	}
	for id := range s.parked {
		if r, ok := s.ledger.Get(id); !ok || r.State.IsTerminal() {
			delete(s.parked, id)
		}
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the ids with a running attempt.
func (s *Service) InFlight() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// Beacon Monitor
// =============================================================================

// checkBeacon fetches the latest pulse and records how far it lags the clock.
func (s *Service) checkBeacon(ctx context.Context) error {
	pulse, err := s.beacon.FetchLatest(ctx, s.cfg.Network)
	now := s.now().Unix()

	s.beaconMu.Lock()
	defer s.beaconMu.Unlock()

	if err != nil {
		s.beaconErr = err
		if s.lastPulse == nil {
			s.lastHealth = roundclock.HealthOffline
			s.metrics.SetBeaconHealth(-1, int(s.lastHealth))
			return fmt.Errorf("fetch latest pulse: %w", err)
		}
	} else {
		s.beaconErr = nil
		s.lastPulse = pulse
	}

	staleness := s.cfg.Clock.Staleness(s.lastPulse.Round, now)
	health := s.cfg.Thresholds.Classify(staleness)
	if health != s.lastHealth {
		s.Logger().WithContext(ctx).WithFields(map[string]any{
			"round":     s.lastPulse.Round,
			"staleness": staleness,
			"from":      s.lastHealth.String(),
			"to":        health.String(),
		}).Warn("beacon health changed")
	}
	s.lastHealth = health
	s.metrics.SetBeaconHealth(staleness, int(health))
	if err != nil {
		return fmt.Errorf("fetch latest pulse: %w", err)
	}
	return nil
}

// BeaconHealth returns the last classified beacon health.
func (s *Service) BeaconHealth() roundclock.Health {
	s.beaconMu.RLock()
	defer s.beaconMu.RUnlock()
	return s.lastHealth
}

// LastPulse returns the newest pulse the monitor has seen.
func (s *Service) LastPulse() (*beacon.Pulse, bool) {
	s.beaconMu.RLock()
	defer s.beaconMu.RUnlock()
	return s.lastPulse, s.lastPulse != nil
}

func (s *Service) beaconProbe(context.Context) error {
	s.beaconMu.RLock()
	defer s.beaconMu.RUnlock()
	if s.lastHealth == roundclock.HealthOffline {
		if s.beaconErr != nil {
			return fmt.Errorf("beacon offline: %w", s.beaconErr)
		}
		return errors.New("beacon offline")
	}
	return nil
}

// =============================================================================
// Eviction Janitor
// =============================================================================

func (s *Service) runJanitor(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.EvictSchedule, func() { s.evict(ctx) }); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("schedule", s.cfg.EvictSchedule).Error("invalid eviction schedule")
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Service) evict(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.Retention)
	n := s.ledger.EvictResolvedBefore(cutoff)
	if n > 0 {
		s.Logger().WithContext(ctx).WithFields(map[string]any{
			"evicted": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("evicted resolved requests")
	}
	return n
}
