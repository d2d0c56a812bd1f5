// Package executor drives one randomness request from selection to a confirmed
// or classified-failed fulfillment.
//
// An attempt moves through Preparing, SignatureFetched, Verified and Submitted
// before ending Confirmed, Reverted or TimedOut. It can be cancelled up to
// submission; after that it runs to completion.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/R3E-Network/beacon_operator/internal/beacon"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
)

// =============================================================================
// Collaborators
// =============================================================================

// FulfillmentParams is exactly what gets submitted on-chain.
type FulfillmentParams struct {
	RequestID         uint64
	Requester         common.Address
	BeaconKeyID       uint64
	Round             uint64
	CallbackGasBudget uint64
	Signature         [2]*big.Int
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash  common.Hash
	Nonce uint64
}

// Receipt is a mined, sufficiently confirmed transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// ChainWriter submits fulfillments and tracks their confirmation. Reverts are
// reported as *RevertError; anything else is treated as a transport failure.
type ChainWriter interface {
	SubmitFulfillment(ctx context.Context, p FulfillmentParams) (TxHandle, error)
	WaitConfirmed(ctx context.Context, h TxHandle, confirmations uint64) (*Receipt, error)
}

// RoundFetcher returns the beacon pulse of a round.
type RoundFetcher interface {
	FetchRound(ctx context.Context, network string, round uint64) (*beacon.Pulse, error)
}

// RequestView is the part of the ledger an attempt reads and writes.
type RequestView interface {
	Get(id uint64) (*ledger.Request, bool)
	LocalOutcomeFor(id uint64) (ledger.LocalOutcome, bool)
	RecordLocalOutcome(out ledger.LocalOutcome)
	ClearLocalOutcome(txHash common.Hash)
}

// =============================================================================
// Executor
// =============================================================================

// Config configures an Executor.
type Config struct {
	Network        string
	Confirmations  uint64
	ConfirmTimeout time.Duration

	Ledger  RequestView
	Beacon  RoundFetcher
	Writer  ChainWriter
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Outcome is a confirmed fulfillment.
type Outcome struct {
	AttemptID   string      `json:"attempt_id"`
	RequestID   uint64      `json:"request_id"`
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	Round       uint64      `json:"round"`
	Randomness  []byte      `json:"randomness"`
}

// Executor runs fulfillment attempts. It holds no per-attempt state and is safe
// for concurrent use on different requests.
type Executor struct {
	network        string
	confirmations  uint64
	confirmTimeout time.Duration

	ledger  RequestView
	beacon  RoundFetcher
	writer  ChainWriter
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil || cfg.Beacon == nil || cfg.Writer == nil {
		return nil, errors.New("executor: ledger, beacon and writer are required")
	}
	if cfg.Network == "" {
		return nil, errors.New("executor: beacon network is required")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 3 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		network:        cfg.Network,
		confirmations:  cfg.Confirmations,
		confirmTimeout: cfg.ConfirmTimeout,
		ledger:         cfg.Ledger,
		beacon:         cfg.Beacon,
		writer:         cfg.Writer,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
	}, nil
}

// Execute runs one attempt for requestID. Every error it returns is a *Failure.
func (e *Executor) Execute(ctx context.Context, requestID uint64) (*Outcome, error) {
	attemptID := uuid.NewString()
	ctx = logging.WithRequestID(logging.WithAttemptID(ctx, attemptID), requestID)
	started := e.now()

	out, err := e.execute(ctx, attemptID, requestID)

	class, step := "confirmed", string(StepConfirmed)
	if f, ok := AsFailure(err); ok {
		class, step = string(f.Class), string(f.Step)
		entry := e.logger.WithContext(ctx).WithError(f.Err).WithFields(map[string]any{
			"class":  f.Class,
			"step":   f.Step,
			"advice": f.Advice,
		})
		if f.Class == ClassReverted {
			entry = entry.WithField("revert_reason", f.Reason)
		}
		if f.Advice == AdviceFinal && f.Class != ClassStaleRequest && f.Class != ClassCancelled {
			entry.Warn("fulfillment attempt failed")
		} else {
			entry.Info("fulfillment attempt did not complete")
		}
	}
	e.metrics.RecordAttempt(class, step, e.now().Sub(started))
	return out, err
}

func (e *Executor) execute(ctx context.Context, attemptID string, id uint64) (*Outcome, error) {
	// Preparing: never trust a queue snapshot.
	req, err := e.prepare(ctx, id)
	if err != nil {
		return nil, err
	}

	// SignatureFetched
	pulse, err := e.beacon.FetchRound(ctx, e.network, req.Round)
	if err != nil {
		return nil, e.classifyFetch(ctx, id, err)
	}
	if pulse.Round != req.Round {
		return nil, newFailure(id, ClassBeaconIntegrity, StepSignatureFetched,
			fmt.Errorf("beacon returned round %d for round %d", pulse.Round, req.Round))
	}

	// Verified: the decoded point is the only signature that may be submitted.
	sig, err := beacon.DecodeSignatureBytes(pulse.RawSignature)
	if err != nil {
		return nil, newFailure(id, ClassInvalidSignature, StepVerified, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newFailure(id, ClassCancelled, StepVerified, err)
	}

	// Re-check right before the point of no return.
	if _, err := e.prepare(ctx, id); err != nil {
		return nil, err
	}

	// Submitted
	params := FulfillmentParams{
		RequestID:         req.ID,
		Requester:         req.Requester,
		BeaconKeyID:       req.BeaconKeyID,
		Round:             req.Round,
		CallbackGasBudget: req.CallbackGasBudget,
		Signature:         sig.Words(),
	}
	handle, err := e.writer.SubmitFulfillment(ctx, params)
	if err != nil {
		return nil, e.classifyChain(id, StepSubmitted, err)
	}
	// From here on the request is hidden from dispatch until it resolves, the
	// transaction reverts or the overlay expires.
	e.ledger.RecordLocalOutcome(ledger.LocalOutcome{
		TxHash:     handle.Hash,
		RequestID:  id,
		Randomness: pulse.Randomness,
		RecordedAt: e.now(),
	})
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"tx_hash": handle.Hash.Hex(),
		"round":   req.Round,
	}).Info("fulfillment submitted")

	// The transaction is in flight: cancellation no longer applies.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.confirmTimeout)
	defer cancel()
	receipt, err := e.writer.WaitConfirmed(waitCtx, handle, e.confirmations)
	if err != nil {
		if errors.Is(err, ErrReverted) {
			e.ledger.ClearLocalOutcome(handle.Hash)
			f := e.classifyChain(id, StepConfirmed, err)
			if f.TxHash == "" {
				f.TxHash = handle.Hash.Hex()
			}
			return nil, f
		}
		// Without a receipt the transaction may still land, so it is never
		// resubmitted from here.
		f := newFailure(id, ClassTimedOut, StepConfirmed, err)
		f.TxHash = handle.Hash.Hex()
		return nil, f
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"tx_hash":      receipt.TxHash.Hex(),
		"block_number": receipt.BlockNumber,
		"gas_used":     receipt.GasUsed,
	}).Info("fulfillment confirmed")

	return &Outcome{
		AttemptID:   attemptID,
		RequestID:   id,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		Round:       req.Round,
		Randomness:  append([]byte(nil), pulse.Randomness...),
	}, nil
}

func (e *Executor) prepare(ctx context.Context, id uint64) (*ledger.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, newFailure(id, ClassCancelled, StepPreparing, err)
	}
	req, ok := e.ledger.Get(id)
	if !ok {
		return nil, newFailure(id, ClassStaleRequest, StepPreparing, errors.New("request is not tracked"))
	}
	if req.State != ledger.StatePending {
		return nil, newFailure(id, ClassStaleRequest, StepPreparing, fmt.Errorf("request is %s", req.State))
	}
	if req.Deadline >= e.now().Unix() {
		return nil, newFailure(id, ClassStaleRequest, StepPreparing, fmt.Errorf("deadline %d has not passed", req.Deadline))
	}
	if req.Round == 0 {
		return nil, newFailure(id, ClassStaleRequest, StepPreparing, errors.New("request has no round"))
	}
	if out, ok := e.ledger.LocalOutcomeFor(id); ok {
		return nil, newFailure(id, ClassStaleRequest, StepPreparing,
			fmt.Errorf("already fulfilled locally by %s", out.TxHash.Hex()))
	}
	return req, nil
}

func (e *Executor) classifyFetch(ctx context.Context, id uint64, err error) *Failure {
	var notPublished *beacon.RoundNotPublishedError
	switch {
	case errors.As(err, &notPublished):
		f := newFailure(id, ClassRoundNotReady, StepSignatureFetched, err)
		f.RetryAfter = notPublished.RetryAfter
		return f
	case errors.Is(err, beacon.ErrRoundNotPublished):
		return newFailure(id, ClassRoundNotReady, StepSignatureFetched, err)
	case errors.Is(err, beacon.ErrInvalidSignature):
		return newFailure(id, ClassInvalidSignature, StepVerified, err)
	case errors.Is(err, beacon.ErrMalformedPulse):
		return newFailure(id, ClassBeaconIntegrity, StepSignatureFetched, err)
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return newFailure(id, ClassCancelled, StepSignatureFetched, err)
	default:
		return newFailure(id, ClassNetworkError, StepSignatureFetched, err)
	}
}

func (e *Executor) classifyChain(id uint64, step Step, err error) *Failure {
	var revert *RevertError
	if errors.As(err, &revert) {
		f := newFailure(id, ClassReverted, step, err)
		f.Reason = ClassifyRevert(revert.Message)
		if f.Reason == RevertUnknown {
			f.Advice = AdviceRetryLater
		}
		f.TxHash = revert.TxHash
		return f
	}
	if step == StepSubmitted && errors.Is(err, context.Canceled) {
		return newFailure(id, ClassCancelled, step, err)
	}
	return newFailure(id, ClassNetworkError, step, err)
}
