// Package roundclock maps wall-clock time to beacon round numbers.
//
// All arithmetic is integer floor division on unix seconds. Round 1 is the
// round published at genesis; any time before genesis maps to round 0.
package roundclock

import "fmt"

// Clock converts between unix timestamps and round numbers for one beacon network.
type Clock struct {
	GenesisTime int64 // unix seconds
	Period      int64 // seconds between rounds
}

// New creates a clock, rejecting a non-positive period.
func New(genesisTime, period int64) (Clock, error) {
	if period <= 0 {
		return Clock{}, fmt.Errorf("roundclock: period must be positive, got %d", period)
	}
	if genesisTime < 0 {
		return Clock{}, fmt.Errorf("roundclock: genesis time must not be negative, got %d", genesisTime)
	}
	return Clock{GenesisTime: genesisTime, Period: period}, nil
}

// RoundForTimestamp returns the round expected to be current at t.
func (c Clock) RoundForTimestamp(t int64) uint64 {
	if t < c.GenesisTime {
		return 0
	}
	return uint64((t-c.GenesisTime)/c.Period) + 1
}

// TimestampForRound returns the unix time at which round r is published.
// Round 0 has no publication time and maps to genesis.
func (c Clock) TimestampForRound(r uint64) int64 {
	if r == 0 {
		return c.GenesisTime
	}
	return c.GenesisTime + int64(r-1)*c.Period
}

// TimeUntilRound returns the seconds remaining until round r is published, never negative.
func (c Clock) TimeUntilRound(r uint64, now int64) int64 {
	d := c.TimestampForRound(r) - now
	if d < 0 {
		return 0
	}
	return d
}

// Staleness returns how many rounds observedRound lags behind the round current at now.
// A negative value means the observed round is ahead of local time.
func (c Clock) Staleness(observedRound uint64, now int64) int64 {
	return int64(c.RoundForTimestamp(now)) - int64(observedRound)
}

// =============================================================================
// Beacon Health
// =============================================================================

// Health classifies a beacon by how far its latest round lags.
type Health int

const (
	HealthActive Health = iota
	HealthDelayed
	HealthOffline
)

func (h Health) String() string {
	switch h {
	case HealthActive:
		return "active"
	case HealthDelayed:
		return "delayed"
	case HealthOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Thresholds bound the health tiers: staleness <= Active is active,
// staleness <= Delayed is delayed, anything beyond is offline.
type Thresholds struct {
	Active  int64
	Delayed int64
}

// DefaultThresholds returns the 0-1 / 2-3 / >3 tiering.
func DefaultThresholds() Thresholds {
	return Thresholds{Active: 1, Delayed: 3}
}

// Validate reports whether the thresholds are ordered.
func (t Thresholds) Validate() error {
	if t.Active < 0 || t.Delayed < t.Active {
		return fmt.Errorf("roundclock: invalid staleness thresholds active=%d delayed=%d", t.Active, t.Delayed)
	}
	return nil
}

// Classify maps a staleness value to a health tier.
func (t Thresholds) Classify(staleness int64) Health {
	switch {
	case staleness <= t.Active:
		return HealthActive
	case staleness <= t.Delayed:
		return HealthDelayed
	default:
		return HealthOffline
	}
}

// HealthAt classifies the beacon given the latest observed round.
func (c Clock) HealthAt(observedRound uint64, now int64, t Thresholds) Health {
	return t.Classify(c.Staleness(observedRound, now))
}
