package bundler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the tracking state of a submitted operation.
type State int

const (
	StateSubmitted State = iota
	StatePolling
	StateMined
	StateTimedOut
	StateError
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateMined:
		return "mined"
	case StateTimedOut:
		return "timed_out"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UserOpResponse tracks one submitted operation.
//
// Wait may be called any number of times. A mined receipt is cached and
// returned again; a wait that timed out or failed leaves nothing cached, so
// the next Wait polls afresh.
type UserOpResponse struct {
	Hash   common.Hash
	client *Client

	waitMu sync.Mutex

	mu      sync.Mutex
	state   State
	receipt *Receipt
}

// State returns the current tracking state.
func (r *UserOpResponse) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *UserOpResponse) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *UserOpResponse) cached() *Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receipt
}

// Wait polls for the receipt until it is mined and, when confirmations is
// positive, until the head is at least confirmations blocks past it.
//
// It returns a *TimeoutError when the chain's max poll duration elapses and
// the bundler's error as soon as any request fails. Requests are not
// retried.
func (r *UserOpResponse) Wait(ctx context.Context, confirmations uint64) (*Receipt, error) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	if rcpt := r.cached(); rcpt != nil && confirmations == 0 {
		return rcpt, nil
	}

	start := time.Now()
	polling := r.client.polling
	ticker := time.NewTicker(polling.Interval)
	defer ticker.Stop()
	timer := time.NewTimer(polling.MaxDuration)
	defer timer.Stop()

	r.setState(StatePolling)
	for {
		rcpt, err := r.poll(ctx, confirmations)
		if err != nil && ctx.Err() != nil {
			r.setState(StateSubmitted)
			return nil, ctx.Err()
		}
		if err != nil {
			r.setState(StateError)
			recordOutcome(StateError)
			logger.Warn("Receipt polling failed", "hash", r.Hash, "err", err)
			return nil, err
		}
		if rcpt != nil {
			r.mu.Lock()
			r.state = StateMined
			r.receipt = rcpt
			r.mu.Unlock()
			recordOutcome(StateMined)
			logger.Debug("User operation mined", "hash", r.Hash, "success", rcpt.Success,
				"block", rcpt.BlockNumber(), "elapsed", time.Since(start))
			return rcpt, nil
		}

		select {
		case <-ctx.Done():
			r.setState(StateSubmitted)
			return nil, ctx.Err()
		case <-timer.C:
			r.setState(StateTimedOut)
			recordOutcome(StateTimedOut)
			return nil, &TimeoutError{UserOpHash: r.Hash, Elapsed: time.Since(start), Method: receiptMethod}
		case <-ticker.C:
		}
	}
}

// poll returns the receipt once it satisfies confirmations, nil otherwise.
func (r *UserOpResponse) poll(ctx context.Context, confirmations uint64) (*Receipt, error) {
	rcpt, err := r.client.GetUserOperationReceipt(ctx, r.Hash)
	if err != nil || rcpt == nil {
		return nil, err
	}
	mined := rcpt.BlockNumber()
	if mined == nil {
		return nil, nil
	}
	if confirmations == 0 {
		return rcpt, nil
	}

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	depth := new(big.Int).Sub(new(big.Int).SetUint64(head), mined)
	if depth.Cmp(new(big.Int).SetUint64(confirmations)) >= 0 {
		return rcpt, nil
	}
	return nil, nil
}

// WaitForTxHash polls eth_getUserOperationByHash until the bundler reports
// the transaction that includes the operation.
func (r *UserOpResponse) WaitForTxHash(ctx context.Context) (common.Hash, error) {
	start := time.Now()
	polling := r.client.polling
	ticker := time.NewTicker(polling.Interval)
	defer ticker.Stop()
	timer := time.NewTimer(polling.MaxDuration)
	defer timer.Stop()

	for {
		op, err := r.client.GetUserOperationByHash(ctx, r.Hash)
		if err != nil && ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}
		if err != nil {
			return common.Hash{}, err
		}
		if op != nil && op.TransactionHash != (common.Hash{}) {
			return op.TransactionHash, nil
		}

		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-timer.C:
			return common.Hash{}, &TimeoutError{UserOpHash: r.Hash, Elapsed: time.Since(start), Method: "eth_getUserOperationByHash"}
		case <-ticker.C:
		}
	}
}
