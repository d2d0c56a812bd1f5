// Package chain adapts an EVM randomness oracle contract to the operator's
// chain reader, event source and chain writer collaborators.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/logging"
)

// =============================================================================
// Oracle Contract ABI
// =============================================================================

// OracleABI is the subset of the randomness oracle interface the operator uses.
const OracleABI = `[
  {"type":"function","name":"getRequest","stateMutability":"view",
   "inputs":[{"name":"requestId","type":"uint256"}],
   "outputs":[
     {"name":"requester","type":"address"},
     {"name":"deadline","type":"uint64"},
     {"name":"callbackGasLimit","type":"uint256"},
     {"name":"feePaid","type":"uint256"},
     {"name":"beaconKeyId","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"randomness","type":"uint256"},
     {"name":"actualGasUsed","type":"uint256"}]},
  {"type":"function","name":"nextRequestId","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxCallbackGasLimit","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxDeadlineDelta","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"fulfillRandomness","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"uint256"},
     {"name":"requester","type":"address"},
     {"name":"beaconKeyId","type":"uint256"},
     {"name":"round","type":"uint64"},
     {"name":"callbackGasLimit","type":"uint256"},
     {"name":"signature","type":"uint256[2]"}],
   "outputs":[]},
  {"type":"event","name":"RandomnessRequested","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"requester","type":"address","indexed":true},
     {"name":"deadline","type":"uint64","indexed":false},
     {"name":"callbackGasLimit","type":"uint256","indexed":false},
     {"name":"feePaid","type":"uint256","indexed":false},
     {"name":"beaconKeyId","type":"uint256","indexed":false}]},
  {"type":"event","name":"RandomnessFulfilled","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"randomness","type":"uint256","indexed":false},
     {"name":"actualGasUsed","type":"uint256","indexed":false}]},
  {"type":"event","name":"RandomnessCallbackFailed","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"randomness","type":"uint256","indexed":false},
     {"name":"actualGasUsed","type":"uint256","indexed":false}]}
]`

const (
	eventRequested      = "RandomnessRequested"
	eventFulfilled      = "RandomnessFulfilled"
	eventCallbackFailed = "RandomnessCallbackFailed"
)

// Request status codes stored by the contract.
const (
	statusNone uint8 = iota
	statusPending
	statusFulfilled
	statusCallbackFailed
)

var oracleABI = mustParseABI(OracleABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse oracle ABI: %v", err))
	}
	return parsed
}

// =============================================================================
// Client
// =============================================================================

// Backend is the node access the adapter needs; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Config configures a Client.
type Config struct {
	RPCURL        string
	OracleAddress string
	Logger        *logging.Logger
}

// Client reads from and calls the oracle contract.
type Client struct {
	backend  Backend
	address  common.Address
	contract *bind.BoundContract
	logger   *logging.Logger
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: rpc url is required")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	return NewClient(eth, cfg)
}

// NewClient binds the oracle contract on an existing backend.
func NewClient(backend Backend, cfg Config) (*Client, error) {
	if !common.IsHexAddress(cfg.OracleAddress) {
		return nil, fmt.Errorf("chain: invalid oracle address %q", cfg.OracleAddress)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	address := common.HexToAddress(cfg.OracleAddress)
	return &Client{
		backend:  backend,
		address:  address,
		contract: bind.NewBoundContract(address, oracleABI, backend, backend, backend),
		logger:   logger,
	}, nil
}

// Address returns the oracle contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// =============================================================================
// Chain Reader
// =============================================================================

// Limits are the contract-enforced bounds on new requests.
type Limits struct {
	MaxCallbackGasBudget uint64        `json:"max_callback_gas_budget"`
	MaxDeadlineDelta     time.Duration `json:"max_deadline_delta"`
}

// GetContractLimits reads the request bounds.
func (c *Client) GetContractLimits(ctx context.Context) (Limits, error) {
	gas, err := c.callBig(ctx, "maxCallbackGasLimit")
	if err != nil {
		return Limits{}, err
	}
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "maxDeadlineDelta"); err != nil {
		return Limits{}, fmt.Errorf("chain: maxDeadlineDelta: %w", err)
	}
	delta, err := parseUint64(out, 0)
	if err != nil {
		return Limits{}, fmt.Errorf("chain: maxDeadlineDelta: %w", err)
	}
	if !gas.IsUint64() {
		return Limits{}, fmt.Errorf("chain: maxCallbackGasLimit out of range: %s", gas)
	}
	return Limits{
		MaxCallbackGasBudget: gas.Uint64(),
		MaxDeadlineDelta:     time.Duration(delta) * time.Second,
	}, nil
}

// NextRequestID returns the id the next request will receive.
func (c *Client) NextRequestID(ctx context.Context) (uint64, error) {
	next, err := c.callBig(ctx, "nextRequestId")
	if err != nil {
		return 0, err
	}
	if !next.IsUint64() {
		return 0, fmt.Errorf("chain: nextRequestId out of range: %s", next)
	}
	return next.Uint64(), nil
}

// GetRequestSnapshot reads the current on-chain state of each id. Ids the
// contract does not know are skipped.
func (c *Client) GetRequestSnapshot(ctx context.Context, ids []uint64) ([]*ledger.Request, error) {
	rows := make([]*ledger.Request, 0, len(ids))
	for _, id := range ids {
		var out []interface{}
		err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getRequest", new(big.Int).SetUint64(id))
		if err != nil {
			return rows, fmt.Errorf("chain: getRequest(%d): %w", id, err)
		}
		row, err := parseRequestRow(id, out)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("request_id", id).Warn("skipping undecodable request row")
			continue
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (c *Client) callBig(ctx context.Context, method string) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, fmt.Errorf("chain: %s: %w", method, err)
	}
	v, err := parseBig(out, 0)
	if err != nil {
		return nil, fmt.Errorf("chain: %s: %w", method, err)
	}
	return v, nil
}
