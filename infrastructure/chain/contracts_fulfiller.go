package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/R3E-Network/beacon_operator/internal/executor"
)

// =============================================================================
// Fulfillment Writer
// =============================================================================

// WriterConfig configures a Writer.
type WriterConfig struct {
	PrivateKey string
	ChainID    int64
	// GasLimitBuffer is added to the estimate so the callback keeps its budget.
	GasLimitBuffer uint64
	PollInterval   time.Duration
}

// Writer submits fulfillRandomness transactions from a single operator key.
type Writer struct {
	client  *Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	buffer  uint64
	poll    time.Duration
}

var _ executor.ChainWriter = (*Writer)(nil)

// NewWriter builds a Writer around an existing Client.
func NewWriter(client *Client, cfg WriterConfig) (*Writer, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("chain: operator private key is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain: invalid chain id %d", cfg.ChainID)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Writer{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		buffer:  cfg.GasLimitBuffer,
		poll:    cfg.PollInterval,
	}, nil
}

// From returns the operator account.
func (w *Writer) From() common.Address {
	return w.from
}

// SubmitFulfillment estimates, signs and broadcasts the fulfillment. A revert
// during estimation is returned as *executor.RevertError.
func (w *Writer) SubmitFulfillment(ctx context.Context, p executor.FulfillmentParams) (executor.TxHandle, error) {
	data, err := packFulfill(p)
	if err != nil {
		return executor.TxHandle{}, err
	}

	to := w.client.address
	gas, err := w.client.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &to, Data: data})
	if err != nil {
		if rev := revertFromError(err); rev != nil {
			return executor.TxHandle{}, rev
		}
		return executor.TxHandle{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return executor.TxHandle{}, fmt.Errorf("chain: transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = gas + w.buffer

	tx, err := w.client.contract.RawTransact(opts, data)
	if err != nil {
		if rev := revertFromError(err); rev != nil {
			return executor.TxHandle{}, rev
		}
		return executor.TxHandle{}, fmt.Errorf("chain: send fulfillment: %w", err)
	}
	return executor.TxHandle{Hash: tx.Hash(), Nonce: tx.Nonce()}, nil
}

// WaitConfirmed polls for the receipt until it has the requested depth. A
// failed receipt is replayed at its block to recover the revert reason.
// Transport errors do not end the wait; only ctx does, and the last such error
// is reported alongside ctx.Err().
func (w *Writer) WaitConfirmed(ctx context.Context, h executor.TxHandle, confirmations uint64) (*executor.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	hash := h.Hash
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.client.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			head, herr := w.client.backend.BlockNumber(ctx)
			if herr != nil {
				lastErr = w.transient(ctx, hash, fmt.Errorf("read head: %w", herr))
				break
			}
			mined := receipt.BlockNumber.Uint64()
			if head+1 >= mined+confirmations {
				if receipt.Status == types.ReceiptStatusFailed {
					rev := w.replayRevert(ctx, hash, receipt.BlockNumber)
					rev.TxHash = hash.Hex()
					return nil, rev
				}
				return &executor.Receipt{TxHash: hash, BlockNumber: mined, GasUsed: receipt.GasUsed}, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = w.transient(ctx, hash, fmt.Errorf("receipt: %w", err))
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("chain: wait for %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Writer) transient(ctx context.Context, hash common.Hash, err error) error {
	w.client.logger.WithContext(ctx).WithError(err).WithField("tx_hash", hash.Hex()).Debug("confirmation poll failed, retrying")
	return err
}

func (w *Writer) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) *executor.RevertError {
	tx, _, err := w.client.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return &executor.RevertError{}
	}
	msg := ethereum.CallMsg{From: w.from, To: tx.To(), Gas: tx.Gas(), Data: tx.Data()}
	_, err = w.client.backend.CallContract(ctx, msg, block)
	if rev := revertFromError(err); rev != nil {
		return rev
	}
	return &executor.RevertError{}
}

func packFulfill(p executor.FulfillmentParams) ([]byte, error) {
	if p.Signature[0] == nil || p.Signature[1] == nil {
		return nil, errors.New("chain: fulfillment signature is incomplete")
	}
	data, err := oracleABI.Pack("fulfillRandomness",
		new(big.Int).SetUint64(p.RequestID),
		p.Requester,
		new(big.Int).SetUint64(p.BeaconKeyID),
		p.Round,
		new(big.Int).SetUint64(p.CallbackGasBudget),
		p.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("chain: pack fulfillRandomness: %w", err)
	}
	return data, nil
}

// revertFromError extracts a revert from a node error. It returns nil when the
// error does not describe an execution revert.
func revertFromError(err error) *executor.RevertError {
	if err == nil {
		return nil
	}
	var rev *executor.RevertError
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				rev = &executor.RevertError{Data: data}
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					rev.Message = reason
				}
			}
		}
	}
	msg := err.Error()
	if rev == nil && !strings.Contains(msg, "revert") {
		return nil
	}
	if rev == nil {
		rev = &executor.RevertError{}
	}
	if rev.Message == "" {
		rev.Message = strings.TrimPrefix(msg, "execution reverted: ")
	}
	return rev
}
