package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/beacon_operator/internal/ledger"
)

// =============================================================================
// Oracle Event Listener
// =============================================================================

// ListenerConfig configures an EventListener.
type ListenerConfig struct {
	StartBlock   uint64
	PollInterval time.Duration
	// MaxRange bounds the block span of one eth_getLogs query.
	MaxRange uint64
}

// EventListener follows oracle logs by polling eth_getLogs and pushes decoded
// events into a channel. Delivery is at-least-once: a range is re-read after a
// failed push or query.
type EventListener struct {
	client   *Client
	cfg      ListenerConfig
	next     uint64
	lastHead uint64
}

// NewEventListener creates a listener starting at cfg.StartBlock, or at the
// current head when StartBlock is zero.
func NewEventListener(client *Client, cfg ListenerConfig) *EventListener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 2000
	}
	return &EventListener{client: client, cfg: cfg, next: cfg.StartBlock}
}

// Run polls until ctx is done. It never closes out.
func (l *EventListener) Run(ctx context.Context, out chan<- ledger.Event) error {
	if l.next == 0 {
		head, err := l.client.backend.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("chain: read head: %w", err)
		}
		l.next = head
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := l.Poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.client.logger.WithContext(ctx).WithError(err).WithField("from_block", l.next).Warn("event poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads logs from the next unread block up to the current head.
func (l *EventListener) Poll(ctx context.Context, out chan<- ledger.Event) error {
	head, err := l.client.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain: read head: %w", err)
	}
	l.lastHead = head

	for l.next <= head {
		to := l.next + l.cfg.MaxRange - 1
		if to > head {
			to = head
		}
		logs, err := l.client.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(l.next),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{l.client.address},
			Topics: [][]common.Hash{{
				oracleABI.Events[eventRequested].ID,
				oracleABI.Events[eventFulfilled].ID,
				oracleABI.Events[eventCallbackFailed].ID,
			}},
		})
		if err != nil {
			return fmt.Errorf("chain: filter logs %d-%d: %w", l.next, to, err)
		}

		for _, log := range logs {
			ev, err := l.client.parseOracleLog(log)
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		l.next = to + 1
	}
	return nil
}

// NextBlock returns the first block not yet read.
func (l *EventListener) NextBlock() uint64 {
	return l.next
}
