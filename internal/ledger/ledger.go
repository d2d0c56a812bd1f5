// Package ledger keeps the authoritative in-memory view of randomness requests,
// merging periodic chain snapshots with pushed chain events.
//
// States only move forward: Pending may become Fulfilled or Failed, and the first
// terminal state observed for a request is kept.
package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

// DefaultOverlayTTL bounds how long a local outcome hides its request.
const DefaultOverlayTTL = 10 * time.Minute

// DefaultTombstones is how many evicted ids are remembered to reject late inputs.
const DefaultTombstones = 65536

// Config configures a Ledger.
type Config struct {
	Clock      roundclock.Clock
	OverlayTTL time.Duration
	Tombstones int
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Ledger is safe for concurrent use. Mutations are serialized; reads return copies.
type Ledger struct {
	mu       sync.RWMutex
	requests map[uint64]*Request
	overlay  map[common.Hash]LocalOutcome
	maxID    uint64

	// evicted holds ids removed by EvictResolvedBefore. Inputs for them are ignored.
	evicted *lru.Cache[uint64, time.Time]

	clock      roundclock.Clock
	overlayTTL time.Duration
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	changes chan struct{}
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = DefaultOverlayTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	if cfg.Tombstones <= 0 {
		cfg.Tombstones = DefaultTombstones
	}
	evicted, err := lru.New[uint64, time.Time](cfg.Tombstones)
	if err != nil {
		// Only a non-positive size fails, which is excluded above.
		panic(err)
	}
	return &Ledger{
		requests:   make(map[uint64]*Request),
		overlay:    make(map[common.Hash]LocalOutcome),
		evicted:    evicted,
		clock:      cfg.Clock,
		overlayTTL: cfg.OverlayTTL,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		changes:    make(chan struct{}, 1),
	}
}

// Changes delivers a coalesced signal after mutations that changed state.
func (l *Ledger) Changes() <-chan struct{} {
	return l.changes
}

// =============================================================================
// Mutation
// =============================================================================

// ApplySnapshot merges polled rows. Malformed rows are dropped and logged.
// It returns the number of rows that changed the ledger.
func (l *Ledger) ApplySnapshot(rows []*Request) int {
	l.mu.Lock()
	changed := 0
	for _, row := range rows {
		if err := validateRow(row); err != nil {
			l.logger.WithError(err).Warn("dropping malformed snapshot row")
			l.metrics.RecordLedgerDrop("snapshot")
			continue
		}
		if l.evicted.Contains(row.ID) {
			continue
		}
		if l.mergeRow(row) {
			changed++
		}
	}
	l.mu.Unlock()

	if changed > 0 {
		l.afterMutation()
	}
	return changed
}

// ApplyEvent merges one chain event and reports whether it changed the ledger.
// Duplicate and late events are no-ops.
func (l *Ledger) ApplyEvent(ev Event) bool {
	if err := ev.Validate(); err != nil {
		l.logger.WithError(err).WithField("kind", ev.Kind.String()).Warn("dropping malformed event")
		l.metrics.RecordLedgerDrop("event")
		return false
	}

	l.mu.Lock()
	if l.evicted.Contains(ev.RequestID) {
		l.mu.Unlock()
		l.logger.WithField("request_id", ev.RequestID).Debug("ignoring event for evicted request")
		return false
	}
	var changed bool
	switch ev.Kind {
	case EventRequested:
		changed = l.mergeRequested(ev)
	case EventFulfilled:
		changed = l.mergeResolved(ev, StateFulfilled)
	case EventCallbackFailed:
		changed = l.mergeResolved(ev, StateFailed)
	}
	l.mu.Unlock()

	if changed {
		l.afterMutation()
	}
	return changed
}

// Run applies events until ctx is done or the channel is closed.
func (l *Ledger) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.ApplyEvent(ev)
		}
	}
}

// RecordLocalOutcome hides a request from ListPending once this operator has
// a fulfillment in flight, until an event or snapshot resolves it, the entry
// is cleared or the overlay expires.
func (l *Ledger) RecordLocalOutcome(out LocalOutcome) {
	if out.RecordedAt.IsZero() {
		out.RecordedAt = l.now()
	}
	l.mu.Lock()
	if r, ok := l.requests[out.RequestID]; ok && r.State.IsTerminal() {
		l.mu.Unlock()
		return
	}
	l.overlay[out.TxHash] = out
	l.mu.Unlock()
	l.afterMutation()
}

// ClearLocalOutcome drops the overlay entry of one transaction, making its
// request fulfillable again.
func (l *Ledger) ClearLocalOutcome(txHash common.Hash) {
	l.mu.Lock()
	_, ok := l.overlay[txHash]
	delete(l.overlay, txHash)
	l.mu.Unlock()
	if ok {
		l.afterMutation()
	}
}

// EvictResolvedBefore drops terminal requests resolved before cutoff and
// expired overlay entries. Pending requests are never evicted. Evicted ids are
// remembered so that redelivered events or rows cannot bring them back.
func (l *Ledger) EvictResolvedBefore(cutoff time.Time) int {
	l.mu.Lock()
	evicted := 0
	for id, r := range l.requests {
		if r.State.IsTerminal() && r.ResolvedAt.Before(cutoff) {
			delete(l.requests, id)
			l.evicted.Add(id, r.ResolvedAt)
			evicted++
		}
	}
	now := l.now()
	for h, o := range l.overlay {
		if now.Sub(o.RecordedAt) >= l.overlayTTL {
			delete(l.overlay, h)
		}
	}
	l.mu.Unlock()

	if evicted > 0 {
		l.afterMutation()
	}
	return evicted
}

func (l *Ledger) mergeRow(row *Request) bool {
	cur, ok := l.requests[row.ID]
	if !ok {
		r := row.Clone()
		if r.Round == 0 {
			r.Round = l.clock.RoundForTimestamp(r.Deadline)
		}
		if r.State.IsTerminal() {
			r.ResolvedAt = l.now()
			l.dropOverlay(r.ID)
		}
		l.insert(r)
		return true
	}

	changed := fillStatic(cur, row.Requester, row.Deadline, row.CallbackGasBudget, row.FeePaid, row.BeaconKeyID,
		row.CreationTxHash, row.CreationBlock)
	if cur.Round == 0 && cur.Deadline > 0 {
		cur.Round = l.clock.RoundForTimestamp(cur.Deadline)
		changed = true
	}
	if row.State.order() > cur.State.order() {
		cur.State = row.State
		cur.Randomness = append([]byte(nil), row.Randomness...)
		cur.CallbackSucceeded = row.State == StateFulfilled
		cur.ActualGasUsed = row.ActualGasUsed
		if cur.FulfillmentTxHash == (common.Hash{}) {
			cur.FulfillmentTxHash = row.FulfillmentTxHash
			cur.FulfillmentBlock = row.FulfillmentBlock
		}
		cur.ResolvedAt = l.now()
		l.dropOverlay(cur.ID)
		changed = true
	}
	return changed
}

func (l *Ledger) mergeRequested(ev Event) bool {
	cur, ok := l.requests[ev.RequestID]
	if !ok {
		l.insert(&Request{
			ID:                ev.RequestID,
			Requester:         ev.Requester,
			Deadline:          ev.Deadline,
			CallbackGasBudget: ev.CallbackGasBudget,
			FeePaid:           new(big.Int).Set(ev.FeePaid),
			BeaconKeyID:       ev.BeaconKeyID,
			Round:             l.clock.RoundForTimestamp(ev.Deadline),
			State:             StatePending,
			CreationTxHash:    ev.TxHash,
			CreationBlock:     ev.BlockNumber,
		})
		return true
	}

	changed := fillStatic(cur, ev.Requester, ev.Deadline, ev.CallbackGasBudget, ev.FeePaid, ev.BeaconKeyID,
		ev.TxHash, ev.BlockNumber)
	if cur.Round == 0 {
		cur.Round = l.clock.RoundForTimestamp(cur.Deadline)
		changed = true
	}
	if cur.State == StateNonexistent {
		cur.State = StatePending
		changed = true
	}
	return changed
}

func (l *Ledger) mergeResolved(ev Event, state State) bool {
	cur, ok := l.requests[ev.RequestID]
	if !ok {
		// Resolution seen before the request; static fields arrive later.
		cur = &Request{ID: ev.RequestID}
		l.insert(cur)
	} else if cur.State.IsTerminal() {
		return false
	}

	cur.State = state
	cur.Randomness = append([]byte(nil), ev.Randomness...)
	cur.CallbackSucceeded = state == StateFulfilled
	cur.ActualGasUsed = ev.ActualGasUsed
	cur.FulfillmentTxHash = ev.TxHash
	cur.FulfillmentBlock = ev.BlockNumber
	cur.ResolvedAt = l.now()
	l.dropOverlay(cur.ID)
	return true
}

// fillStatic sets creation-time fields that are still unknown. Known values win.
func fillStatic(r *Request, requester common.Address, deadline int64, gas uint64, fee *big.Int, keyID uint64,
	txHash common.Hash, block uint64) bool {
	changed := false
	if r.Requester == (common.Address{}) && requester != (common.Address{}) {
		r.Requester = requester
		changed = true
	}
	if r.Deadline == 0 && deadline > 0 {
		r.Deadline = deadline
		changed = true
	}
	if r.CallbackGasBudget == 0 && gas > 0 {
		r.CallbackGasBudget = gas
		changed = true
	}
	if r.FeePaid == nil && fee != nil {
		r.FeePaid = new(big.Int).Set(fee)
		changed = true
	}
	if r.BeaconKeyID == 0 && keyID > 0 {
		r.BeaconKeyID = keyID
		changed = true
	}
	if r.CreationTxHash == (common.Hash{}) && txHash != (common.Hash{}) {
		r.CreationTxHash = txHash
		r.CreationBlock = block
		changed = true
	}
	return changed
}

func (l *Ledger) insert(r *Request) {
	l.requests[r.ID] = r
	if r.ID > l.maxID {
		l.maxID = r.ID
	}
}

func (l *Ledger) dropOverlay(id uint64) {
	for h, o := range l.overlay {
		if o.RequestID == id {
			delete(l.overlay, h)
		}
	}
}

func (l *Ledger) afterMutation() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
	if l.metrics != nil {
		s := l.Stats()
		l.metrics.SetLedgerCounts(map[string]int{
			StatePending.String():   s.Pending,
			StateFulfilled.String(): s.Fulfilled,
			StateFailed.String():    s.Failed,
		})
	}
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a copy of the request with the given id.
func (l *Ledger) Get(id uint64) (*Request, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.requests[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ListPending returns fulfillable requests: Pending, deadline before now, and
// not hidden by a live local outcome. Sorted by id.
func (l *Ledger) ListPending(now time.Time) []*Request {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hidden := l.liveOverlayIDs(now)
	out := make([]*Request, 0)
	for _, r := range l.requests {
		if r.State != StatePending || r.Deadline >= now.Unix() || hidden[r.ID] {
			continue
		}
		out = append(out, r.Clone())
	}
	sortByID(out)
	return out
}

// ListOutstanding returns every Pending request regardless of deadline.
func (l *Ledger) ListOutstanding() []*Request {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Request, 0)
	for _, r := range l.requests {
		if r.State == StatePending {
			out = append(out, r.Clone())
		}
	}
	sortByID(out)
	return out
}

// ListByRequester returns all tracked requests of one account.
func (l *Ledger) ListByRequester(addr common.Address) []*Request {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Request, 0)
	for _, r := range l.requests {
		if r.Requester == addr {
			out = append(out, r.Clone())
		}
	}
	sortByID(out)
	return out
}

// LocalOutcomeFor returns the live overlay entry of a request, if any.
func (l *Ledger) LocalOutcomeFor(id uint64) (LocalOutcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	for _, o := range l.overlay {
		if o.RequestID == id && now.Sub(o.RecordedAt) < l.overlayTTL {
			return o, true
		}
	}
	return LocalOutcome{}, false
}

// WasEvicted reports whether id was resolved and evicted.
func (l *Ledger) WasEvicted(id uint64) bool {
	return l.evicted.Contains(id)
}

// HighestID returns the largest request id seen so far.
func (l *Ledger) HighestID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxID
}

// Stats counts requests per state.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var s Stats
	for _, r := range l.requests {
		switch r.State {
		case StatePending:
			s.Pending++
		case StateFulfilled:
			s.Fulfilled++
		case StateFailed:
			s.Failed++
		}
	}
	s.Overlay = len(l.overlay)
	return s
}

func (l *Ledger) liveOverlayIDs(now time.Time) map[uint64]bool {
	ids := make(map[uint64]bool, len(l.overlay))
	for _, o := range l.overlay {
		if now.Sub(o.RecordedAt) < l.overlayTTL {
			ids[o.RequestID] = true
		}
	}
	return ids
}

func sortByID(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
