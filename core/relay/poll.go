package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relay/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

// Outcome is the result of waiting for a receipt.
type Outcome struct {
	Status          Status
	TransactionHash *common.Hash
	Receipt         *bundler.UserOperationReceipt
	Error           *relayerr.Error

	state State
}

// Poll asks the bundler for the receipt of bundlerOpID at a fixed interval until one shows up
// or timeout elapses. Running out of time, or ctx ending, gives a pending outcome: the
// operation may still be included later, so it is never reported as failed.
func (r *Relayer) Poll(ctx context.Context, bundlerOpID string, timeout time.Duration) *Outcome {
	return r.poll(ctx, bundlerOpID, timeout, time.Time{})
}

func (r *Relayer) poll(ctx context.Context, bundlerOpID string, timeout time.Duration, submittedAt time.Time) *Outcome {
	if timeout <= 0 {
		timeout = r.config.PollTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.bundler.GetUserOperationReceipt(pollCtx, bundlerOpID)
		if err != nil {
			r.logger.Debug("receipt lookup failed, retrying", "bundlerOperationId", bundlerOpID, "error", err)
		} else if receipt != nil {
			return r.settle(receipt, submittedAt)
		}

		select {
		case <-pollCtx.Done():
			return &Outcome{
				Status: StatusPending,
				state:  StatePending,
				Error: relayerr.New(relayerr.KindSubmissionTimeout, relayerr.StagePoll,
					fmt.Sprintf("no receipt after %s", timeout), nil).
					WithDetail("bundlerOperationId", bundlerOpID),
			}
		case <-ticker.C:
		}
	}
}

func (r *Relayer) settle(receipt *bundler.UserOperationReceipt, submittedAt time.Time) *Outcome {
	txHash := receipt.TransactionHash()
	out := &Outcome{TransactionHash: &txHash, Receipt: receipt}

	if !receipt.Success {
		out.Status = StatusFailed
		out.state = StateFailed
		reason := receipt.Reason
		if reason == "" {
			reason = "operation reverted"
		}
		out.Error = relayerr.New(relayerr.KindExecutionReverted, relayerr.StageExecution, reason, nil).
			WithDetail("txHash", txHash.Hex())
		return out
	}

	out.Status = StatusConfirmed
	out.state = StateConfirmed
	if !submittedAt.IsZero() {
		r.metrics.ObserveConfirmationSeconds(time.Since(submittedAt).Seconds())
	}
	return out
}
