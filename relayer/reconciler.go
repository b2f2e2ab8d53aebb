package relayer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relay/core/relay"
	"github.com/AvaProtocol/ap-relay/model"
	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

// Reconciler settles submissions that were answered as pending, by asking the bundler for
// their receipt again.
type Reconciler struct {
	store   *SubmissionStore
	relayer Relayer
	// how long one check waits for a receipt
	checkTimeout time.Duration
	// a record without any operation id older than this never reached the bundler, one with
	// an id but still no receipt is handed to an operator
	staleAfter time.Duration
	logger     logger.Logger
}

func NewReconciler(store *SubmissionStore, r Relayer, checkTimeout, staleAfter time.Duration, log logger.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		relayer:      r,
		checkTimeout: checkTimeout,
		staleAfter:   staleAfter,
		logger:       logger.EnsureLogger(log),
	}
}

// Run checks every pending record once and returns how many got settled.
func (r *Reconciler) Run(ctx context.Context) int {
	records, err := r.store.ListPending()
	if err != nil {
		r.logger.Error("cannot list pending submissions", "error", err)
		return 0
	}

	settled := 0
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if r.check(ctx, record) {
			settled++
		}
	}

	if len(records) > 0 {
		r.logger.Info("reconciled pending submissions", "pending", len(records), "settled", settled)
	}
	return settled
}

func (r *Reconciler) check(ctx context.Context, record *model.SubmissionRecord) bool {
	id := record.BundlerOperationID
	if id == "" && record.OperationHash != (common.Hash{}) {
		id = record.OperationHash.Hex()
	}

	if id == "" {
		if time.Since(time.UnixMilli(record.UpdatedAt)) < r.staleAfter {
			// still being relayed
			return false
		}
		record.Settle(model.SubmissionFailed, nil, relayerr.New(relayerr.KindBundlerRejected, relayerr.StageSubmit,
			"relay stopped before the operation was submitted", nil))
		return r.save(record)
	}

	out := r.relayer.Poll(ctx, id, r.checkTimeout)
	switch out.Status {
	case relay.StatusConfirmed:
		record.Settle(model.SubmissionConfirmed, out.TransactionHash, nil)
	case relay.StatusFailed:
		record.Settle(model.SubmissionFailed, out.TransactionHash, out.Error)
	default:
		if time.Since(time.UnixMilli(record.UpdatedAt)) < r.staleAfter {
			return false
		}
		r.logger.Warn("no receipt for submission, needs reconciliation",
			"idempotencyKey", record.IdempotencyKey, "operationId", id, "sender", record.Sender.Hex())
		record.Settle(model.SubmissionUnresolved, nil, nil)
	}
	return r.save(record)
}

func (r *Reconciler) save(record *model.SubmissionRecord) bool {
	if err := r.store.Save(record); err != nil {
		r.logger.Error("cannot settle submission", "idempotencyKey", record.IdempotencyKey, "error", err)
		return false
	}
	r.logger.Info("submission settled", "idempotencyKey", record.IdempotencyKey, "status", record.Status)
	return true
}
