package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/R3E-Network/beacon_operator/internal/ledger"
)

// =============================================================================
// Call Output Parsers
// =============================================================================

func parseBig(out []interface{}, i int) (*big.Int, error) {
	if len(out) <= i {
		return nil, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("output %d: expected uint256, got %T", i, out[i])
	}
	return v, nil
}

func parseUint64(out []interface{}, i int) (uint64, error) {
	if len(out) <= i {
		return 0, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(uint64)
	if !ok {
		return 0, fmt.Errorf("output %d: expected uint64, got %T", i, out[i])
	}
	return v, nil
}

func bigToUint64(name string, v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %v", name, v)
	}
	return v.Uint64(), nil
}

// word returns v as a 32-byte big-endian value.
func word(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

// parseRequestRow converts getRequest outputs into a snapshot row. It returns
// nil for ids the contract has never seen.
func parseRequestRow(id uint64, out []interface{}) (*ledger.Request, error) {
	if len(out) != 8 {
		return nil, fmt.Errorf("getRequest: expected 8 outputs, got %d", len(out))
	}
	requester, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("requester: unexpected type %T", out[0])
	}
	deadline, err := parseUint64(out, 1)
	if err != nil {
		return nil, err
	}
	gasLimit, err := parseBig(out, 2)
	if err != nil {
		return nil, err
	}
	fee, err := parseBig(out, 3)
	if err != nil {
		return nil, err
	}
	keyID, err := parseBig(out, 4)
	if err != nil {
		return nil, err
	}
	status, ok := out[5].(uint8)
	if !ok {
		return nil, fmt.Errorf("status: unexpected type %T", out[5])
	}
	randomness, err := parseBig(out, 6)
	if err != nil {
		return nil, err
	}
	gasUsed, err := parseBig(out, 7)
	if err != nil {
		return nil, err
	}

	row := &ledger.Request{
		ID:        id,
		Requester: requester,
		Deadline:  int64(deadline),
		FeePaid:   new(big.Int).Set(fee),
	}
	if row.CallbackGasBudget, err = bigToUint64("callbackGasLimit", gasLimit); err != nil {
		return nil, err
	}
	if row.BeaconKeyID, err = bigToUint64("beaconKeyId", keyID); err != nil {
		return nil, err
	}

	switch status {
	case statusNone:
		return nil, nil
	case statusPending:
		row.State = ledger.StatePending
	case statusFulfilled, statusCallbackFailed:
		row.State = ledger.StateFulfilled
		row.CallbackSucceeded = true
		if status == statusCallbackFailed {
			row.State = ledger.StateFailed
			row.CallbackSucceeded = false
		}
		row.Randomness = word(randomness)
		row.ActualGasUsed, _ = bigToUint64("actualGasUsed", gasUsed)
	default:
		return nil, fmt.Errorf("unknown status %d", status)
	}
	return row, nil
}

// =============================================================================
// Event Log Parsers
// =============================================================================

type requestedLog struct {
	RequestId        *big.Int
	Requester        common.Address
	Deadline         uint64
	CallbackGasLimit *big.Int
	FeePaid          *big.Int
	BeaconKeyId      *big.Int
}

type resolvedLog struct {
	RequestId     *big.Int
	Randomness    *big.Int
	ActualGasUsed *big.Int
}

var errUnknownEvent = errors.New("unknown oracle event")

// eventKind maps a log's first topic to the ledger event kind.
func eventKind(log types.Log) (string, ledger.EventKind, error) {
	if len(log.Topics) == 0 {
		return "", 0, errUnknownEvent
	}
	for _, name := range []string{eventRequested, eventFulfilled, eventCallbackFailed} {
		if oracleABI.Events[name].ID == log.Topics[0] {
			switch name {
			case eventRequested:
				return name, ledger.EventRequested, nil
			case eventFulfilled:
				return name, ledger.EventFulfilled, nil
			default:
				return name, ledger.EventCallbackFailed, nil
			}
		}
	}
	return "", 0, errUnknownEvent
}

// parseOracleLog decodes a log into a ledger event. A log that matches an
// oracle event but cannot be decoded yields an event with DecodeErr set so the
// ledger can drop and count it.
func (c *Client) parseOracleLog(log types.Log) (ledger.Event, error) {
	name, kind, err := eventKind(log)
	if err != nil {
		return ledger.Event{}, err
	}
	ev := ledger.Event{
		Kind:        kind,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}
	if len(log.Topics) > 1 {
		if id := log.Topics[1].Big(); id.IsUint64() {
			ev.RequestID = id.Uint64()
		}
	}
	if log.Removed {
		ev.DecodeErr = errors.New("log removed by reorg")
		return ev, nil
	}

	switch kind {
	case ledger.EventRequested:
		var out requestedLog
		if err := c.contract.UnpackLog(&out, name, log); err != nil {
			ev.DecodeErr = fmt.Errorf("unpack %s: %w", name, err)
			return ev, nil
		}
		ev.Requester = out.Requester
		ev.Deadline = int64(out.Deadline)
		ev.FeePaid = out.FeePaid
		if ev.CallbackGasBudget, err = bigToUint64("callbackGasLimit", out.CallbackGasLimit); err != nil {
			ev.DecodeErr = err
		}
		if ev.BeaconKeyID, err = bigToUint64("beaconKeyId", out.BeaconKeyId); err != nil {
			ev.DecodeErr = err
		}
	default:
		var out resolvedLog
		if err := c.contract.UnpackLog(&out, name, log); err != nil {
			ev.DecodeErr = fmt.Errorf("unpack %s: %w", name, err)
			return ev, nil
		}
		ev.Randomness = word(out.Randomness)
		ev.ActualGasUsed, _ = bigToUint64("actualGasUsed", out.ActualGasUsed)
	}
	return ev, nil
}
