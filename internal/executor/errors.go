package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Failure Taxonomy
// =============================================================================

// Class is the stable category of a failed attempt.
type Class string

const (
	ClassNetworkError     Class = "network_error"
	ClassRoundNotReady    Class = "round_not_ready"
	ClassTimedOut         Class = "timed_out"
	ClassStaleRequest     Class = "stale_request"
	ClassInvalidSignature Class = "invalid_signature"
	ClassReverted         Class = "reverted"
	ClassBeaconIntegrity  Class = "beacon_integrity"
	ClassCancelled        Class = "cancelled"
)

// Step is the attempt state in which a failure happened.
type Step string

const (
	StepPreparing        Step = "preparing"
	StepSignatureFetched Step = "signature_fetched"
	StepVerified         Step = "verified"
	StepSubmitted        Step = "submitted"
	StepConfirmed        Step = "confirmed"
)

// Advice tells the caller what to do with a failed attempt.
type Advice string

const (
	AdviceRetryNow   Advice = "retry_now"
	AdviceRetryLater Advice = "retry_later"
	AdviceFinal      Advice = "final"
)

// RevertReason is a stable code for an on-chain rejection.
type RevertReason string

const (
	RevertUnknown            RevertReason = "unknown"
	RevertAlreadyFulfilled   RevertReason = "already_fulfilled"
	RevertBadSignature       RevertReason = "bad_signature"
	RevertRoundMismatch      RevertReason = "round_mismatch"
	RevertDeadlineNotReached RevertReason = "deadline_not_reached"
	RevertUnknownRequest     RevertReason = "unknown_request"
	RevertOutOfGas           RevertReason = "out_of_gas"
)

var revertPatterns = []struct {
	reason   RevertReason
	patterns []string
}{
	{RevertAlreadyFulfilled, []string{"already fulfilled", "already resolved", "not pending", "already processed"}},
	{RevertUnknownRequest, []string{"unknown request", "nonexistent", "does not exist", "invalid request"}},
	{RevertBadSignature, []string{"bad signature", "invalid signature", "signature verification"}},
	{RevertRoundMismatch, []string{"round mismatch", "wrong round", "invalid round"}},
	{RevertDeadlineNotReached, []string{"deadline", "too early"}},
	{RevertOutOfGas, []string{"out of gas", "insufficient gas"}},
}

// ClassifyRevert maps a decoded revert string to a stable reason code.
func ClassifyRevert(msg string) RevertReason {
	msg = strings.ToLower(msg)
	for _, rp := range revertPatterns {
		for _, p := range rp.patterns {
			if strings.Contains(msg, p) {
				return rp.reason
			}
		}
	}
	return RevertUnknown
}

// Failure is the classified result of an attempt that did not confirm.
type Failure struct {
	Class      Class
	Step       Step
	Reason     RevertReason
	Advice     Advice
	RetryAfter time.Duration
	RequestID  uint64
	TxHash     string
	Err        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("fulfillment of request %d failed at %s: %s", f.RequestID, f.Step, f.Class)
	if f.Class == ClassReverted {
		msg += " (" + string(f.Reason) + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the runner should try again automatically.
func (f *Failure) Retryable() bool {
	return f.Class == ClassNetworkError || f.Class == ClassRoundNotReady
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func newFailure(id uint64, class Class, step Step, err error) *Failure {
	f := &Failure{Class: class, Step: step, RequestID: id, Err: err, Reason: RevertUnknown}
	switch class {
	case ClassNetworkError, ClassRoundNotReady:
		f.Advice = AdviceRetryLater
	case ClassTimedOut:
		f.Advice = AdviceRetryNow
	default:
		f.Advice = AdviceFinal
	}
	return f
}

// =============================================================================
// Chain Errors
// =============================================================================

// ErrReverted marks chain writer errors that carry an on-chain rejection.
var ErrReverted = errors.New("transaction reverted")

// RevertError is returned by chain writers when a fulfillment is rejected,
// either during gas estimation or in a mined receipt.
type RevertError struct {
	Message string // decoded revert string, may be empty
	Data    []byte
	TxHash  string
}

func (e *RevertError) Error() string {
	if e.Message == "" {
		return ErrReverted.Error()
	}
	return ErrReverted.Error() + ": " + e.Message
}

// Is makes errors.Is(err, ErrReverted) hold.
func (e *RevertError) Is(target error) bool {
	return target == ErrReverted
}
