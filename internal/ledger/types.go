package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of a randomness request.
type State int

const (
	StateNonexistent State = iota
	StatePending
	StateFulfilled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNonexistent:
		return "nonexistent"
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether s is Fulfilled or Failed.
func (s State) IsTerminal() bool {
	return s == StateFulfilled || s == StateFailed
}

// order ranks states for the forward-only merge. Fulfilled and Failed share a rank.
func (s State) order() int {
	switch s {
	case StatePending:
		return 1
	case StateFulfilled, StateFailed:
		return 2
	default:
		return 0
	}
}

// Request is one randomness ticket as known to the operator.
type Request struct {
	ID                uint64         `json:"id"`
	Requester         common.Address `json:"requester"`
	Deadline          int64          `json:"deadline"`
	CallbackGasBudget uint64         `json:"callback_gas_budget"`
	FeePaid           *big.Int       `json:"fee_paid"`
	BeaconKeyID       uint64         `json:"beacon_key_id"`
	Round             uint64         `json:"round"`
	State             State          `json:"state"`

	Randomness        []byte `json:"randomness,omitempty"`
	CallbackSucceeded bool   `json:"callback_succeeded"`
	ActualGasUsed     uint64 `json:"actual_gas_used,omitempty"`

	CreationTxHash    common.Hash `json:"creation_tx_hash"`
	CreationBlock     uint64      `json:"creation_block"`
	FulfillmentTxHash common.Hash `json:"fulfillment_tx_hash,omitempty"`
	FulfillmentBlock  uint64      `json:"fulfillment_block,omitempty"`

	// ResolvedAt is the local time the request was first seen terminal.
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// FeePerGas returns FeePaid / CallbackGasBudget, or zero when either is unknown.
func (r *Request) FeePerGas() *big.Int {
	if r.FeePaid == nil || r.CallbackGasBudget == 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(r.FeePaid, new(big.Int).SetUint64(r.CallbackGasBudget))
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := *r
	if r.FeePaid != nil {
		c.FeePaid = new(big.Int).Set(r.FeePaid)
	}
	if r.Randomness != nil {
		c.Randomness = append([]byte(nil), r.Randomness...)
	}
	return &c
}

// validateRow checks the fields a snapshot row must carry.
func validateRow(r *Request) error {
	if r == nil {
		return errors.New("nil row")
	}
	if r.ID == 0 {
		return errors.New("missing request id")
	}
	switch r.State {
	case StatePending, StateFulfilled, StateFailed:
	default:
		return fmt.Errorf("request %d: unexpected state %s", r.ID, r.State)
	}
	if r.Deadline <= 0 {
		return fmt.Errorf("request %d: missing deadline", r.ID)
	}
	if r.State.IsTerminal() && len(r.Randomness) == 0 {
		return fmt.Errorf("request %d: %s without randomness", r.ID, r.State)
	}
	return nil
}

// =============================================================================
// Events
// =============================================================================

// EventKind identifies a chain notification.
type EventKind int

const (
	EventRequested EventKind = iota + 1
	EventFulfilled
	EventCallbackFailed
)

func (k EventKind) String() string {
	switch k {
	case EventRequested:
		return "requested"
	case EventFulfilled:
		return "fulfilled"
	case EventCallbackFailed:
		return "callback_failed"
	default:
		return "unknown"
	}
}

// Event is a decoded chain notification. Delivery is at-least-once.
type Event struct {
	Kind      EventKind
	RequestID uint64

	// Requested
	Requester         common.Address
	Deadline          int64
	CallbackGasBudget uint64
	FeePaid           *big.Int
	BeaconKeyID       uint64

	// Fulfilled / CallbackFailed
	Randomness    []byte
	ActualGasUsed uint64

	TxHash      common.Hash
	BlockNumber uint64

	// DecodeErr is set by sources that could not decode the underlying log.
	DecodeErr error
}

// Validate reports the first missing or inconsistent field.
func (e Event) Validate() error {
	if e.DecodeErr != nil {
		return fmt.Errorf("undecodable event: %w", e.DecodeErr)
	}
	if e.RequestID == 0 {
		return errors.New("missing request id")
	}
	switch e.Kind {
	case EventRequested:
		if e.Requester == (common.Address{}) {
			return fmt.Errorf("request %d: missing requester", e.RequestID)
		}
		if e.Deadline <= 0 {
			return fmt.Errorf("request %d: missing deadline", e.RequestID)
		}
		if e.CallbackGasBudget == 0 {
			return fmt.Errorf("request %d: missing callback gas budget", e.RequestID)
		}
		if e.FeePaid == nil || e.FeePaid.Sign() < 0 {
			return fmt.Errorf("request %d: missing fee", e.RequestID)
		}
	case EventFulfilled, EventCallbackFailed:
		if len(e.Randomness) == 0 {
			return fmt.Errorf("request %d: missing randomness", e.RequestID)
		}
	default:
		return fmt.Errorf("request %d: unknown event kind %d", e.RequestID, int(e.Kind))
	}
	return nil
}

// LocalOutcome is an operator-side result not yet confirmed by an event or
// snapshot. It hides its request from ListPending until reconciled or expired.
type LocalOutcome struct {
	TxHash     common.Hash `json:"tx_hash"`
	RequestID  uint64      `json:"request_id"`
	Randomness []byte      `json:"randomness,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Stats counts tracked requests per state.
type Stats struct {
	Pending   int `json:"pending"`
	Fulfilled int `json:"fulfilled"`
	Failed    int `json:"failed"`
	Overlay   int `json:"overlay"`
}
