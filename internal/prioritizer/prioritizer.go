// Package prioritizer ranks fulfillable randomness requests by how worthwhile
// they are for an operator and estimates when each will be fulfilled.
package prioritizer

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

// Priority is the tier of a queue entry. Lower values rank first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MarshalText renders the tier name in JSON output.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the fee thresholds, urgency windows and ETA slopes.
type Config struct {
	// HighFeeThreshold and LowFeeThreshold are in wei per unit of callback gas.
	HighFeeThreshold *big.Int
	LowFeeThreshold  *big.Int

	// UrgentWindow promotes requests whose deadline is closer than this to High.
	UrgentWindow time.Duration
	// RelaxedWindow is the minimum time to deadline for a cheap request to be Low.
	RelaxedWindow time.Duration

	// ETABase is added to every estimate; the slopes are per queue position.
	ETABase     time.Duration
	HighSlope   time.Duration
	MediumSlope time.Duration
	LowSlope    time.Duration
}

// DefaultConfig returns the tuning the operator ships with.
func DefaultConfig() Config {
	return Config{
		HighFeeThreshold: big.NewInt(50_000_000_000), // 50 gwei per gas
		LowFeeThreshold:  big.NewInt(5_000_000_000),  // 5 gwei per gas
		UrgentWindow:     300 * time.Second,
		RelaxedWindow:    3600 * time.Second,
		ETABase:          30 * time.Second,
		HighSlope:        15 * time.Second,
		MediumSlope:      45 * time.Second,
		LowSlope:         120 * time.Second,
	}
}

// Validate rejects thresholds or slopes that would break the tier ordering.
func (c Config) Validate() error {
	if c.HighFeeThreshold == nil || c.LowFeeThreshold == nil {
		return errors.New("prioritizer: fee thresholds are required")
	}
	if c.LowFeeThreshold.Sign() < 0 || c.LowFeeThreshold.Cmp(c.HighFeeThreshold) >= 0 {
		return fmt.Errorf("prioritizer: low fee threshold %s must be below high threshold %s",
			c.LowFeeThreshold, c.HighFeeThreshold)
	}
	if c.UrgentWindow < 0 || c.RelaxedWindow < c.UrgentWindow {
		return fmt.Errorf("prioritizer: urgent window %s must not exceed relaxed window %s", c.UrgentWindow, c.RelaxedWindow)
	}
	if c.ETABase < 0 || c.HighSlope <= 0 || c.MediumSlope < c.HighSlope || c.LowSlope < c.MediumSlope {
		return fmt.Errorf("prioritizer: ETA slopes must satisfy 0 < high <= medium <= low (got %s, %s, %s)",
			c.HighSlope, c.MediumSlope, c.LowSlope)
	}
	return nil
}

// =============================================================================
// Queue Entries
// =============================================================================

// Entry is one ranked request. Entries are derived and recomputed on every rank.
type Entry struct {
	RequestID                uint64    `json:"request_id"`
	Priority                 Priority  `json:"priority"`
	QueuePosition            int       `json:"queue_position"`
	FeePerGas                *big.Int  `json:"fee_per_gas"`
	Deadline                 int64     `json:"deadline"`
	Round                    uint64    `json:"round"`
	EstimatedFulfillmentTime time.Time `json:"estimated_fulfillment_time"`

	Request *ledger.Request `json:"-"`
}

// Hypothetical describes a request that has not been submitted yet.
type Hypothetical struct {
	FeePaid           *big.Int
	CallbackGasBudget uint64
	Deadline          int64
}

// Estimate is where a hypothetical request would land in the current queue.
type Estimate struct {
	Priority                 Priority  `json:"priority"`
	QueuePosition            int       `json:"queue_position"`
	FeePerGas                *big.Int  `json:"fee_per_gas"`
	Round                    uint64    `json:"round"`
	EstimatedFulfillmentTime time.Time `json:"estimated_fulfillment_time"`
}

// =============================================================================
// Prioritizer
// =============================================================================

// Prioritizer is stateless apart from its configuration and is safe for concurrent use.
type Prioritizer struct {
	cfg   Config
	clock roundclock.Clock
}

// New creates a prioritizer.
func New(cfg Config, clock roundclock.Clock) (*Prioritizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Prioritizer{cfg: cfg, clock: clock}, nil
}

// Classify assigns a tier. High is fee OR time pressure; Low needs both a cheap
// fee AND a distant deadline.
func (p *Prioritizer) Classify(feePerGas *big.Int, deadline int64, now time.Time) Priority {
	remaining := secondsUntil(deadline, now.Unix())
	if feePerGas == nil {
		feePerGas = new(big.Int)
	}

	if feePerGas.Cmp(p.cfg.HighFeeThreshold) > 0 || remaining < int64(p.cfg.UrgentWindow/time.Second) {
		return PriorityHigh
	}
	if feePerGas.Cmp(p.cfg.LowFeeThreshold) < 0 && remaining > int64(p.cfg.RelaxedWindow/time.Second) {
		return PriorityLow
	}
	return PriorityMedium
}

// secondsUntil returns deadline-now in seconds, saturating instead of wrapping.
func secondsUntil(deadline, now int64) int64 {
	switch {
	case now < 0 && deadline > math.MaxInt64+now:
		return math.MaxInt64
	case now > 0 && deadline < math.MinInt64+now:
		return math.MinInt64
	}
	return deadline - now
}

// Rank orders requests High, Medium, Low; within a tier by fee per gas
// descending, then id ascending. Positions are 1-based over the whole queue.
func (p *Prioritizer) Rank(requests []*ledger.Request, now time.Time) []Entry {
	entries := make([]Entry, 0, len(requests))
	for _, r := range requests {
		if r == nil {
			continue
		}
		fee := r.FeePerGas()
		entries = append(entries, Entry{
			RequestID: r.ID,
			Priority:  p.Classify(fee, r.Deadline, now),
			FeePerGas: fee,
			Deadline:  r.Deadline,
			Round:     r.Round,
			Request:   r,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return less(entries[i], entries[j])
	})

	for i := range entries {
		entries[i].QueuePosition = i + 1
		entries[i].EstimatedFulfillmentTime = p.eta(entries[i].Priority, entries[i].QueuePosition, entries[i].Round, now)
	}
	return entries
}

// EstimateFulfillmentTime returns the expected wait for a queue position. It is
// increasing in position and never shorter for a lower tier.
func (p *Prioritizer) EstimateFulfillmentTime(priority Priority, queuePosition int) time.Duration {
	if queuePosition < 1 {
		queuePosition = 1
	}
	return p.cfg.ETABase + time.Duration(queuePosition)*p.slope(priority)
}

// EstimateForHypothetical reports where h would land among existing without
// modifying it. A new request loses fee ties against every queued one.
func (p *Prioritizer) EstimateForHypothetical(h Hypothetical, existing []Entry, now time.Time) (Estimate, error) {
	if h.CallbackGasBudget == 0 {
		return Estimate{}, errors.New("prioritizer: callback gas budget must be positive")
	}
	if h.FeePaid == nil || h.FeePaid.Sign() < 0 {
		return Estimate{}, errors.New("prioritizer: fee must be non-negative")
	}
	if h.Deadline <= 0 {
		return Estimate{}, errors.New("prioritizer: deadline is required")
	}

	fee := new(big.Int).Quo(h.FeePaid, new(big.Int).SetUint64(h.CallbackGasBudget))
	candidate := Entry{
		RequestID: ^uint64(0),
		Priority:  p.Classify(fee, h.Deadline, now),
		FeePerGas: fee,
		Deadline:  h.Deadline,
		Round:     p.clock.RoundForTimestamp(h.Deadline),
	}

	position := 1
	for _, e := range existing {
		// Re-classify: the queue may have been ranked at an earlier time.
		e.Priority = p.Classify(e.FeePerGas, e.Deadline, now)
		if less(e, candidate) {
			position++
		}
	}

	return Estimate{
		Priority:                 candidate.Priority,
		QueuePosition:            position,
		FeePerGas:                fee,
		Round:                    candidate.Round,
		EstimatedFulfillmentTime: p.eta(candidate.Priority, position, candidate.Round, now),
	}, nil
}

// Depth counts entries per tier, keyed by tier name.
func Depth(entries []Entry) map[string]int {
	depth := map[string]int{
		PriorityHigh.String():   0,
		PriorityMedium.String(): 0,
		PriorityLow.String():    0,
	}
	for _, e := range entries {
		depth[e.Priority.String()]++
	}
	return depth
}

// eta starts the queue wait no earlier than the round's publication.
func (p *Prioritizer) eta(priority Priority, position int, round uint64, now time.Time) time.Time {
	start := now
	if round > 0 {
		if published := time.Unix(p.clock.TimestampForRound(round), 0); published.After(start) {
			start = published
		}
	}
	return start.Add(p.EstimateFulfillmentTime(priority, position))
}

func (p *Prioritizer) slope(priority Priority) time.Duration {
	switch priority {
	case PriorityHigh:
		return p.cfg.HighSlope
	case PriorityMedium:
		return p.cfg.MediumSlope
	default:
		return p.cfg.LowSlope
	}
}

func less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if c := compareFee(a.FeePerGas, b.FeePerGas); c != 0 {
		return c > 0
	}
	return a.RequestID < b.RequestID
}

func compareFee(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}
