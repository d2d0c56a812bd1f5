package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/beacon_operator/internal/executor"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

const (
	testOracle = "0x00000000000000000000000000000000000000aa"
	testKey    = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
)

var testRequester = common.HexToAddress("0x00000000000000000000000000000000000000bb")

type row struct {
	deadline   uint64
	gas        int64
	fee        int64
	keyID      int64
	status     uint8
	randomness int64
	gasUsed    int64
}

type dataError struct {
	msg  string
	data string
}

func (e *dataError) Error() string          { return e.msg }
func (e *dataError) ErrorData() interface{} { return e.data }

// fakeBackend serves oracle calls from in-memory state. Unused methods panic
// through the nil embedded interface.
type fakeBackend struct {
	Backend

	mu        sync.Mutex
	rows      map[uint64]row
	next      uint64
	head      uint64
	logs      []types.Log
	filters   []ethereum.FilterQuery
	estimate  error
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	replayErr error
	// flaky fails this many receipt and head reads before serving them.
	flaky int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[uint64]row{}, receipts: map[common.Hash]*types.Receipt{}}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := oracleABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "nextRequestId":
		return method.Outputs.Pack(new(big.Int).SetUint64(f.next))
	case "maxCallbackGasLimit":
		return method.Outputs.Pack(big.NewInt(2_500_000))
	case "maxDeadlineDelta":
		return method.Outputs.Pack(uint64(86400))
	case "getRequest":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		r := f.rows[args[0].(*big.Int).Uint64()]
		requester := testRequester
		if r.status == statusNone {
			requester = common.Address{}
		}
		return method.Outputs.Pack(requester, r.deadline, big.NewInt(r.gas), big.NewInt(r.fee),
			big.NewInt(r.keyID), r.status, big.NewInt(r.randomness), big.NewInt(r.gasUsed))
	case "fulfillRandomness":
		return nil, f.replayErr
	}
	return nil, errors.New("unexpected method")
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimate != nil {
		return 0, f.estimate
	}
	return 100_000, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flaky > 0 {
		f.flaky--
		return 0, errors.New("connection reset by peer")
	}
	return f.head, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flaky > 0 {
		f.flaky--
		return nil, errors.New("connection reset by peer")
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	c, err := NewClient(backend, Config{OracleAddress: testOracle})
	require.NoError(t, err)
	return c
}

func requestedLogAt(t *testing.T, id, block uint64) types.Log {
	t.Helper()
	ev := oracleABI.Events[eventRequested]
	data, err := ev.Inputs.NonIndexed().Pack(uint64(1030), big.NewInt(200_000), big.NewInt(10_000_000), big.NewInt(1))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testOracle),
		Topics:      []common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(id)), common.BytesToHash(testRequester.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x01"),
	}
}

func resolvedLogAt(t *testing.T, name string, id, block uint64) types.Log {
	t.Helper()
	ev := oracleABI.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(0xbeef), big.NewInt(50_000))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testOracle),
		Topics:      []common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(id))},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x02"),
	}
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestNewClient_RejectsBadAddress(t *testing.T) {
	_, err := NewClient(newFakeBackend(), Config{OracleAddress: "not-an-address"})
	assert.Error(t, err)
}

func TestGetContractLimits(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	limits, err := c.GetContractLimits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000), limits.MaxCallbackGasBudget)
	assert.Equal(t, 24*time.Hour, limits.MaxDeadlineDelta)
}

func TestGetRequestSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.next = 4
	backend.rows[1] = row{deadline: 1030, gas: 200_000, fee: 10_000_000, keyID: 1, status: statusPending}
	backend.rows[2] = row{deadline: 1060, gas: 100_000, fee: 5, keyID: 1, status: statusFulfilled, randomness: 7, gasUsed: 42}
	backend.rows[3] = row{deadline: 1060, gas: 100_000, fee: 5, keyID: 1, status: statusCallbackFailed, randomness: 9}
	c := newTestClient(t, backend)

	next, err := c.NextRequestID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)

	rows, err := c.GetRequestSnapshot(context.Background(), []uint64{1, 2, 3, 99})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, ledger.StatePending, rows[0].State)
	assert.Equal(t, testRequester, rows[0].Requester)
	assert.Equal(t, int64(1030), rows[0].Deadline)
	assert.Equal(t, uint64(200_000), rows[0].CallbackGasBudget)
	assert.Equal(t, big.NewInt(10_000_000), rows[0].FeePaid)

	assert.Equal(t, ledger.StateFulfilled, rows[1].State)
	assert.True(t, rows[1].CallbackSucceeded)
	assert.Equal(t, uint64(42), rows[1].ActualGasUsed)
	assert.Len(t, rows[1].Randomness, 32)
	assert.Equal(t, byte(7), rows[1].Randomness[31])

	assert.Equal(t, ledger.StateFailed, rows[2].State)
	assert.False(t, rows[2].CallbackSucceeded)
}

func TestParseOracleLog(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	ev, err := c.parseOracleLog(requestedLogAt(t, 5, 10))
	require.NoError(t, err)
	require.NoError(t, ev.DecodeErr)
	assert.Equal(t, ledger.EventRequested, ev.Kind)
	assert.Equal(t, uint64(5), ev.RequestID)
	assert.Equal(t, testRequester, ev.Requester)
	assert.Equal(t, int64(1030), ev.Deadline)
	assert.Equal(t, uint64(200_000), ev.CallbackGasBudget)
	assert.Equal(t, uint64(1), ev.BeaconKeyID)

	ev, err = c.parseOracleLog(resolvedLogAt(t, eventCallbackFailed, 5, 11))
	require.NoError(t, err)
	assert.Equal(t, ledger.EventCallbackFailed, ev.Kind)
	assert.Equal(t, uint64(50_000), ev.ActualGasUsed)
	assert.Equal(t, []byte{0xbe, 0xef}, ev.Randomness[30:])

	truncated := resolvedLogAt(t, eventFulfilled, 6, 12)
	truncated.Data = truncated.Data[:10]
	ev, err = c.parseOracleLog(truncated)
	require.NoError(t, err)
	assert.Error(t, ev.DecodeErr)
	assert.Equal(t, uint64(6), ev.RequestID)

	removed := requestedLogAt(t, 7, 13)
	removed.Removed = true
	ev, err = c.parseOracleLog(removed)
	require.NoError(t, err)
	assert.Error(t, ev.DecodeErr)

	_, err = c.parseOracleLog(types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}})
	assert.ErrorIs(t, err, errUnknownEvent)
}

func TestEventListener_PollsInRanges(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 25
	backend.logs = []types.Log{
		requestedLogAt(t, 1, 3),
		resolvedLogAt(t, eventFulfilled, 1, 12),
		{Topics: []common.Hash{common.HexToHash("0x99")}, BlockNumber: 14},
		requestedLogAt(t, 2, 25),
	}
	l := NewEventListener(newTestClient(t, backend), ListenerConfig{StartBlock: 1, MaxRange: 10})

	out := make(chan ledger.Event, 10)
	require.NoError(t, l.Poll(context.Background(), out))
	close(out)

	var kinds []ledger.EventKind
	for ev := range out {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []ledger.EventKind{ledger.EventRequested, ledger.EventFulfilled, ledger.EventRequested}, kinds)
	assert.Equal(t, uint64(26), l.NextBlock())
	require.Len(t, backend.filters, 3)
	assert.Equal(t, uint64(11), backend.filters[1].FromBlock.Uint64())
	assert.Equal(t, uint64(20), backend.filters[1].ToBlock.Uint64())
	assert.Len(t, backend.filters[0].Topics[0], 3)

	// Nothing new: no further queries.
	require.NoError(t, l.Poll(context.Background(), make(chan ledger.Event, 1)))
	assert.Len(t, backend.filters, 3)
}

func TestEventListener_FeedsLedger(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 5
	backend.logs = []types.Log{requestedLogAt(t, 1, 2), resolvedLogAt(t, eventFulfilled, 1, 4)}
	l := NewEventListener(newTestClient(t, backend), ListenerConfig{StartBlock: 1})

	out := make(chan ledger.Event, 4)
	require.NoError(t, l.Poll(context.Background(), out))
	close(out)

	led := ledger.New(ledger.Config{Clock: roundclock.Clock{GenesisTime: 1000, Period: 30}})
	require.NoError(t, led.Run(context.Background(), out))
	r, ok := led.Get(1)
	require.True(t, ok)
	assert.Equal(t, ledger.StateFulfilled, r.State)
	assert.Equal(t, testRequester, r.Requester)
}

func testParams() executor.FulfillmentParams {
	return executor.FulfillmentParams{
		RequestID:         1,
		Requester:         testRequester,
		BeaconKeyID:       1,
		Round:             2,
		CallbackGasBudget: 200_000,
		Signature:         [2]*big.Int{big.NewInt(1), big.NewInt(2)},
	}
}

func newTestWriter(t *testing.T, backend *fakeBackend) *Writer {
	t.Helper()
	w, err := NewWriter(newTestClient(t, backend), WriterConfig{
		PrivateKey:     "0x" + testKey,
		ChainID:        1337,
		GasLimitBuffer: 50_000,
		PollInterval:   time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestNewWriter_Validation(t *testing.T) {
	c := newTestClient(t, newFakeBackend())
	_, err := NewWriter(c, WriterConfig{ChainID: 1})
	assert.Error(t, err)
	_, err = NewWriter(c, WriterConfig{PrivateKey: testKey})
	assert.Error(t, err)
	_, err = NewWriter(c, WriterConfig{PrivateKey: "zz", ChainID: 1})
	assert.Error(t, err)
}

func TestSubmitFulfillment(t *testing.T) {
	backend := newFakeBackend()
	w := newTestWriter(t, backend)

	h, err := w.SubmitFulfillment(context.Background(), testParams())
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash(), h.Hash)
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testOracle), *tx.To())

	args, err := oracleABI.Methods["fulfillRandomness"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), args[3])
	assert.Equal(t, testRequester, args[1])
}

func TestSubmitFulfillment_EstimationRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = &dataError{msg: "execution reverted: already fulfilled", data: revertData(t, "already fulfilled")}
	w := newTestWriter(t, backend)

	_, err := w.SubmitFulfillment(context.Background(), testParams())
	var rev *executor.RevertError
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "already fulfilled", rev.Message)
	assert.ErrorIs(t, err, executor.ErrReverted)
	assert.Empty(t, backend.sent)
}

func TestSubmitFulfillment_TransportError(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = errors.New("connection refused")
	w := newTestWriter(t, backend)

	_, err := w.SubmitFulfillment(context.Background(), testParams())
	require.Error(t, err)
	assert.NotErrorIs(t, err, executor.ErrReverted)
}

func TestSubmitFulfillment_IncompleteSignature(t *testing.T) {
	w := newTestWriter(t, newFakeBackend())
	p := testParams()
	p.Signature[1] = nil
	_, err := w.SubmitFulfillment(context.Background(), p)
	assert.Error(t, err)
}

func TestWaitConfirmed(t *testing.T) {
	backend := newFakeBackend()
	w := newTestWriter(t, backend)
	h, err := w.SubmitFulfillment(context.Background(), testParams())
	require.NoError(t, err)

	backend.mu.Lock()
	backend.head = 10
	backend.receipts[h.Hash] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10), GasUsed: 90_000,
	}
	backend.mu.Unlock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.mu.Lock()
		backend.head = 11
		backend.mu.Unlock()
	}()

	receipt, err := w.WaitConfirmed(context.Background(), h, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), receipt.BlockNumber)
	assert.Equal(t, uint64(90_000), receipt.GasUsed)
	assert.Equal(t, h.Hash, receipt.TxHash)
}

func TestWaitConfirmed_FailedReceiptReplaysReason(t *testing.T) {
	backend := newFakeBackend()
	backend.replayErr = &dataError{msg: "execution reverted", data: revertData(t, "round mismatch")}
	w := newTestWriter(t, backend)
	h, err := w.SubmitFulfillment(context.Background(), testParams())
	require.NoError(t, err)

	backend.head = 20
	backend.receipts[h.Hash] = &types.Receipt{
		Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(20),
	}

	_, err = w.WaitConfirmed(context.Background(), h, 1)
	var rev *executor.RevertError
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "round mismatch", rev.Message)
	assert.Equal(t, h.Hash.Hex(), rev.TxHash)
}

func TestWaitConfirmed_ContextDeadline(t *testing.T) {
	w := newTestWriter(t, newFakeBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := w.WaitConfirmed(ctx, executor.TxHandle{Hash: common.HexToHash("0x01")}, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitConfirmed_PollsThroughTransientErrors(t *testing.T) {
	backend := newFakeBackend()
	w := newTestWriter(t, backend)
	h, err := w.SubmitFulfillment(context.Background(), testParams())
	require.NoError(t, err)

	backend.mu.Lock()
	backend.head = 10
	backend.flaky = 5
	backend.receipts[h.Hash] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10), GasUsed: 90_000,
	}
	backend.mu.Unlock()

	receipt, err := w.WaitConfirmed(context.Background(), h, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), receipt.BlockNumber)
}

func TestWaitConfirmed_TransientErrorsUntilDeadline(t *testing.T) {
	backend := newFakeBackend()
	backend.flaky = 1 << 30
	w := newTestWriter(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.WaitConfirmed(ctx, executor.TxHandle{Hash: common.HexToHash("0x01")}, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestRevertFromError(t *testing.T) {
	assert.Nil(t, revertFromError(nil))
	assert.Nil(t, revertFromError(errors.New("dial tcp: i/o timeout")))

	rev := revertFromError(errors.New("execution reverted: request unknown"))
	require.NotNil(t, rev)
	assert.Equal(t, "request unknown", rev.Message)
}
