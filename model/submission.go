package model

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionFailed    SubmissionStatus = "failed"
	// the bundler never produced a receipt within the reconciliation window. Not failed: the
	// operation may still land, an operator has to look at the chain.
	SubmissionUnresolved SubmissionStatus = "needs-reconciliation"
)

// SubmissionRecord is the durable trace of one relay request, keyed by its idempotency key.
type SubmissionRecord struct {
	// a sortable unique id, creation order is preserved
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Requester      string         `json:"requester,omitempty"`
	Sender         common.Address `json:"sender"`
	Nonce          string         `json:"nonce,omitempty"`

	OperationHash      common.Hash  `json:"operationHash"`
	BundlerOperationID string       `json:"bundlerOperationId,omitempty"`
	TransactionHash    *common.Hash `json:"txHash,omitempty"`

	Status      SubmissionStatus `json:"status"`
	FailedStage string           `json:"failedStage,omitempty"`
	Error       *relayerr.Error  `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Generate a sorted id
func GenerateSubmissionID() string {
	return ulid.Make().String()
}

func NewSubmissionRecord(idempotencyKey, requester string, sender common.Address) *SubmissionRecord {
	now := time.Now().UnixMilli()
	return &SubmissionRecord{
		ID:             GenerateSubmissionID(),
		IdempotencyKey: idempotencyKey,
		Requester:      requester,
		Sender:         sender,
		Status:         SubmissionSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *SubmissionRecord) IsPending() bool {
	return r.Status == SubmissionPending || r.Status == SubmissionSubmitted
}

// Settle records the final state learned from a receipt.
func (r *SubmissionRecord) Settle(status SubmissionStatus, txHash *common.Hash, err *relayerr.Error) {
	r.Status = status
	r.TransactionHash = txHash
	r.Error = err
	r.FailedStage = ""
	if status == SubmissionFailed && err != nil {
		r.FailedStage = string(err.Stage)
	}
	r.UpdatedAt = time.Now().UnixMilli()
}

// Return a compact json ready to persist to storage
func (r *SubmissionRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func (r *SubmissionRecord) FromStorageData(body []byte) error {
	return json.Unmarshal(body, r)
}
