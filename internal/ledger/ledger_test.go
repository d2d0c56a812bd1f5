package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

var (
	testClock     = roundclock.Clock{GenesisTime: 1000, Period: 30}
	testRequester = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testNow       = time.Unix(10_000, 0)
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(Config{
		Clock: testClock,
		Now:   func() time.Time { return testNow },
	})
}

func requestedEvent(id uint64, deadline int64) Event {
	return Event{
		Kind:              EventRequested,
		RequestID:         id,
		Requester:         testRequester,
		Deadline:          deadline,
		CallbackGasBudget: 100_000,
		FeePaid:           big.NewInt(5_000_000),
		BeaconKeyID:       1,
		TxHash:            common.BytesToHash([]byte{byte(id)}),
		BlockNumber:       10,
	}
}

func fulfilledEvent(id uint64) Event {
	return Event{
		Kind:          EventFulfilled,
		RequestID:     id,
		Randomness:    bytes.Repeat([]byte{0xab}, 32),
		ActualGasUsed: 42_000,
		TxHash:        common.BytesToHash([]byte{0xf0, byte(id)}),
		BlockNumber:   20,
	}
}

func pendingRow(id uint64, deadline int64) *Request {
	return &Request{
		ID:                id,
		Requester:         testRequester,
		Deadline:          deadline,
		CallbackGasBudget: 100_000,
		FeePaid:           big.NewInt(5_000_000),
		BeaconKeyID:       1,
		State:             StatePending,
	}
}

func TestApplyEvent_RequestedFixesRound(t *testing.T) {
	l := newTestLedger(t)

	require.True(t, l.ApplyEvent(requestedEvent(1, 1030)))

	r, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatePending, r.State)
	assert.Equal(t, uint64(2), r.Round)
	assert.Equal(t, big.NewInt(50), r.FeePerGas())
	assert.Nil(t, r.Randomness)
}

func TestApplyEvent_Idempotent(t *testing.T) {
	l := newTestLedger(t)

	require.True(t, l.ApplyEvent(requestedEvent(3, 2000)))
	assert.False(t, l.ApplyEvent(requestedEvent(3, 2000)))

	require.True(t, l.ApplyEvent(fulfilledEvent(3)))
	once, _ := l.Get(3)
	assert.False(t, l.ApplyEvent(fulfilledEvent(3)))
	twice, _ := l.Get(3)

	assert.Equal(t, once, twice)
	assert.Equal(t, StateFulfilled, twice.State)
}

func TestApplyEvent_FulfilledBeforeRequested(t *testing.T) {
	l := newTestLedger(t)

	require.True(t, l.ApplyEvent(fulfilledEvent(7)))
	require.True(t, l.ApplyEvent(requestedEvent(7, 2000)))

	r, ok := l.Get(7)
	require.True(t, ok)
	assert.Equal(t, StateFulfilled, r.State)
	assert.Equal(t, testRequester, r.Requester)
	assert.Equal(t, int64(2000), r.Deadline)
	assert.Equal(t, testClock.RoundForTimestamp(2000), r.Round)
	assert.NotEmpty(t, r.Randomness)
}

func TestApplyEvent_FirstTerminalStateWins(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(4, 2000))
	l.ApplyEvent(fulfilledEvent(4))

	failed := fulfilledEvent(4)
	failed.Kind = EventCallbackFailed
	assert.False(t, l.ApplyEvent(failed))

	r, _ := l.Get(4)
	assert.Equal(t, StateFulfilled, r.State)
	assert.True(t, r.CallbackSucceeded)
}

func TestApplyEvent_CallbackFailed(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(9, 2000))

	ev := fulfilledEvent(9)
	ev.Kind = EventCallbackFailed
	require.True(t, l.ApplyEvent(ev))

	r, _ := l.Get(9)
	assert.Equal(t, StateFailed, r.State)
	assert.False(t, r.CallbackSucceeded)
	assert.Equal(t, uint64(42_000), r.ActualGasUsed)
	assert.Equal(t, ev.TxHash, r.FulfillmentTxHash)
}

func TestApplySnapshot_StalePendingAfterFulfilled(t *testing.T) {
	l := newTestLedger(t)

	require.True(t, l.ApplyEvent(fulfilledEvent(5)))
	changed := l.ApplySnapshot([]*Request{pendingRow(5, 2000)})

	// The static fields are filled in, but the state does not regress.
	assert.Equal(t, 1, changed)
	r, _ := l.Get(5)
	assert.Equal(t, StateFulfilled, r.State)

	assert.Equal(t, 0, l.ApplySnapshot([]*Request{pendingRow(5, 2000)}))
	r, _ = l.Get(5)
	assert.Equal(t, StateFulfilled, r.State)
}

func TestApplySnapshot_AdvancesState(t *testing.T) {
	l := newTestLedger(t)
	l.ApplySnapshot([]*Request{pendingRow(11, 2000)})

	row := pendingRow(11, 2000)
	row.State = StateFailed
	row.Randomness = []byte{1, 2, 3}
	row.FulfillmentTxHash = common.HexToHash("0x01")
	assert.Equal(t, 1, l.ApplySnapshot([]*Request{row}))

	r, _ := l.Get(11)
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, []byte{1, 2, 3}, r.Randomness)
	assert.Equal(t, row.FulfillmentTxHash, r.FulfillmentTxHash)
}

func TestApplySnapshot_RoundNotOverwritten(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(12, 1030))

	row := pendingRow(12, 1030)
	row.Round = 99
	l.ApplySnapshot([]*Request{row})

	r, _ := l.Get(12)
	assert.Equal(t, uint64(2), r.Round)
}

func TestMalformedInputsAreDropped(t *testing.T) {
	logger := logging.NewDiscard()
	logger.SetLevel(logrus.WarnLevel)
	hook := logtest.NewLocal(logger.Logger)

	l := New(Config{Clock: testClock, Logger: logger, Now: func() time.Time { return testNow }})

	bad := []Event{
		{Kind: EventRequested, RequestID: 0},
		{Kind: EventRequested, RequestID: 1},
		{Kind: EventFulfilled, RequestID: 2},
		{Kind: EventKind(99), RequestID: 3},
		{Kind: EventRequested, RequestID: 4, DecodeErr: errors.New("bad log")},
	}
	for _, ev := range bad {
		assert.False(t, l.ApplyEvent(ev))
	}

	terminalWithoutRandomness := pendingRow(6, 2000)
	terminalWithoutRandomness.State = StateFulfilled
	rows := []*Request{nil, {ID: 0}, {ID: 5, State: StatePending}, terminalWithoutRandomness, pendingRow(8, 2000)}
	assert.Equal(t, 1, l.ApplySnapshot(rows))

	assert.Len(t, hook.AllEntries(), len(bad)+4)
	assert.Equal(t, Stats{Pending: 1}, l.Stats())
}

func TestListPending(t *testing.T) {
	l := newTestLedger(t)
	now := time.Unix(5000, 0)

	l.ApplyEvent(requestedEvent(3, 4000))
	l.ApplyEvent(requestedEvent(1, 4999))
	l.ApplyEvent(requestedEvent(2, 5000)) // deadline not strictly before now
	l.ApplyEvent(requestedEvent(4, 6000))
	l.ApplyEvent(requestedEvent(5, 3000))
	l.ApplyEvent(fulfilledEvent(5))

	ids := func(rs []*Request) []uint64 {
		out := make([]uint64, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []uint64{1, 3}, ids(l.ListPending(now)))
	assert.Equal(t, []uint64{1, 2, 3, 4}, ids(l.ListOutstanding()))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids(l.ListByRequester(testRequester)))
	assert.Empty(t, l.ListByRequester(common.HexToAddress("0x01")))
	assert.Equal(t, uint64(5), l.HighestID())
}

func TestGet_ReturnsCopy(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(1, 2000))

	r, _ := l.Get(1)
	r.State = StateFailed
	r.FeePaid.SetInt64(1)

	again, _ := l.Get(1)
	assert.Equal(t, StatePending, again.State)
	assert.Equal(t, int64(5_000_000), again.FeePaid.Int64())
}

func TestLocalOutcomeOverlay(t *testing.T) {
	now := testNow
	l := New(Config{
		Clock:      testClock,
		OverlayTTL: time.Minute,
		Now:        func() time.Time { return now },
	})
	l.ApplyEvent(requestedEvent(1, 2000))
	l.ApplyEvent(requestedEvent(2, 2000))

	tx := common.HexToHash("0xbeef")
	l.RecordLocalOutcome(LocalOutcome{TxHash: tx, RequestID: 1})

	pending := l.ListPending(now)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].ID)

	out, ok := l.LocalOutcomeFor(1)
	require.True(t, ok)
	assert.Equal(t, tx, out.TxHash)

	// Expired overlays stop hiding the request.
	now = now.Add(2 * time.Minute)
	assert.Len(t, l.ListPending(now), 2)
	_, ok = l.LocalOutcomeFor(1)
	assert.False(t, ok)
}

func TestLocalOutcomeReconciledByEvent(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(1, 2000))
	l.RecordLocalOutcome(LocalOutcome{TxHash: common.HexToHash("0x01"), RequestID: 1})
	assert.Equal(t, 1, l.Stats().Overlay)

	l.ApplyEvent(fulfilledEvent(1))
	assert.Equal(t, 0, l.Stats().Overlay)

	// A local outcome for an already resolved request is ignored.
	l.RecordLocalOutcome(LocalOutcome{TxHash: common.HexToHash("0x02"), RequestID: 1})
	assert.Equal(t, 0, l.Stats().Overlay)
}

func TestEvictResolvedBefore(t *testing.T) {
	now := testNow
	l := New(Config{Clock: testClock, Now: func() time.Time { return now }})

	l.ApplyEvent(requestedEvent(1, 2000))
	l.ApplyEvent(fulfilledEvent(1))
	now = now.Add(time.Hour)
	l.ApplyEvent(requestedEvent(2, 2000))
	l.ApplyEvent(fulfilledEvent(2))
	l.ApplyEvent(requestedEvent(3, 2000))

	evicted := l.EvictResolvedBefore(testNow.Add(30 * time.Minute))
	assert.Equal(t, 1, evicted)

	_, ok := l.Get(1)
	assert.False(t, ok)
	_, ok = l.Get(2)
	assert.True(t, ok)
	_, ok = l.Get(3)
	assert.True(t, ok)
}

func TestEvictedRequestIsNotResurrected(t *testing.T) {
	now := testNow
	l := New(Config{Clock: testClock, Now: func() time.Time { return now }})

	l.ApplyEvent(requestedEvent(1, 2000))
	l.ApplyEvent(fulfilledEvent(1))
	now = now.Add(time.Hour)
	require.Equal(t, 1, l.EvictResolvedBefore(now))
	assert.True(t, l.WasEvicted(1))

	// A redelivered Requested event and a lagging snapshot row arrive late.
	assert.False(t, l.ApplyEvent(requestedEvent(1, 2000)))
	l.ApplySnapshot([]*Request{pendingRow(1, 2000)})

	_, ok := l.Get(1)
	assert.False(t, ok)
	assert.Empty(t, l.ListPending(now))
}

func TestClearLocalOutcome(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(1, 2000))
	tx := common.HexToHash("0x01")
	l.RecordLocalOutcome(LocalOutcome{TxHash: tx, RequestID: 1})
	require.Empty(t, l.ListPending(testNow))

	l.ClearLocalOutcome(tx)
	assert.Len(t, l.ListPending(testNow), 1)
	_, ok := l.LocalOutcomeFor(1)
	assert.False(t, ok)
}

func TestChangesCoalesced(t *testing.T) {
	l := newTestLedger(t)
	l.ApplyEvent(requestedEvent(1, 2000))
	l.ApplyEvent(requestedEvent(2, 2000))

	select {
	case <-l.Changes():
	default:
		t.Fatal("expected a change notification")
	}
	select {
	case <-l.Changes():
		t.Fatal("notifications should be coalesced")
	default:
	}

	l.ApplyEvent(requestedEvent(2, 2000))
	select {
	case <-l.Changes():
		t.Fatal("no-op event must not notify")
	default:
	}
}

func TestRun_DrainsChannel(t *testing.T) {
	l := newTestLedger(t)
	events := make(chan Event, 4)
	events <- requestedEvent(1, 2000)
	events <- fulfilledEvent(1)
	events <- fulfilledEvent(1)
	close(events)

	require.NoError(t, l.Run(context.Background(), events))
	r, _ := l.Get(1)
	assert.Equal(t, StateFulfilled, r.State)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx, make(chan Event)), context.Canceled)
}

func TestConcurrentSnapshotsAndEvents(t *testing.T) {
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := uint64(1); i <= 50; i++ {
		wg.Add(3)
		go func(id uint64) {
			defer wg.Done()
			l.ApplyEvent(requestedEvent(id, 2000))
		}(i)
		go func(id uint64) {
			defer wg.Done()
			l.ApplyEvent(fulfilledEvent(id))
		}(i)
		go func(id uint64) {
			defer wg.Done()
			l.ApplySnapshot([]*Request{pendingRow(id, 2000)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Stats{Fulfilled: 50}, l.Stats())
}

func TestMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Each op is 0 = Requested, 1 = Fulfilled, 2 = CallbackFailed, 3 = pending snapshot row.
	properties.Property("state never regresses and duplicates converge", prop.ForAll(
		func(ops []int) bool {
			l := New(Config{Clock: testClock, Now: func() time.Time { return testNow }})
			doubled := New(Config{Clock: testClock, Now: func() time.Time { return testNow }})

			last := StateNonexistent
			for _, op := range ops {
				for _, target := range []*Ledger{l, doubled} {
					applyOp(target, op)
				}
				applyOp(doubled, op)

				r, ok := l.Get(1)
				if !ok {
					return false
				}
				if r.State.order() < last.order() {
					return false
				}
				if last.IsTerminal() && r.State != last {
					return false
				}
				if r.State.IsTerminal() != (len(r.Randomness) > 0) {
					return false
				}
				last = r.State
			}

			a, _ := l.Get(1)
			b, _ := doubled.Get(1)
			return a.State == b.State && a.Round == b.Round
		},
		gen.SliceOfN(8, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func applyOp(l *Ledger, op int) {
	switch op {
	case 0:
		l.ApplyEvent(requestedEvent(1, 2000))
	case 1:
		l.ApplyEvent(fulfilledEvent(1))
	case 2:
		ev := fulfilledEvent(1)
		ev.Kind = EventCallbackFailed
		l.ApplyEvent(ev)
	case 3:
		l.ApplySnapshot([]*Request{pendingRow(1, 2000)})
	}
}
