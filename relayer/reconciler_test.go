package relayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/core/relay"
	"github.com/AvaProtocol/ap-relay/core/testutil"
	"github.com/AvaProtocol/ap-relay/model"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

func pendingRecord(t *testing.T, store *SubmissionStore, key string) *model.SubmissionRecord {
	t.Helper()
	r := model.NewSubmissionRecord(key, aliceSubject, testSender)
	r.BundlerOperationID = testOpHash.Hex()
	r.OperationHash = testOpHash
	r.Settle(model.SubmissionPending, nil, nil)
	require.NoError(t, store.Save(r))
	return r
}

func newReconcilerHarness(t *testing.T) (*Reconciler, *SubmissionStore, *fakeRelayer) {
	db := testutil.TestMustDB()
	t.Cleanup(func() { db.Close() })
	store := NewSubmissionStore(db)
	r := &fakeRelayer{}
	return NewReconciler(store, r, 10*time.Millisecond, time.Minute, nil), store, r
}

func TestReconcilerSettlesConfirmed(t *testing.T) {
	rc, store, r := newReconcilerHarness(t)
	pendingRecord(t, store, "a")

	tx := testTxHash
	r.outcome = &relay.Outcome{Status: relay.StatusConfirmed, TransactionHash: &tx}

	assert.Equal(t, 1, rc.Run(context.Background()))
	assert.Equal(t, []string{testOpHash.Hex()}, r.polled)

	record, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionConfirmed, record.Status)
	assert.Equal(t, testTxHash, *record.TransactionHash)

	n, err := store.CountPending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcilerSettlesReverted(t *testing.T) {
	rc, store, r := newReconcilerHarness(t)
	pendingRecord(t, store, "a")

	tx := testTxHash
	r.outcome = &relay.Outcome{
		Status:          relay.StatusFailed,
		TransactionHash: &tx,
		Error:           relayerr.New(relayerr.KindExecutionReverted, relayerr.StageExecution, "reverted", nil),
	}

	assert.Equal(t, 1, rc.Run(context.Background()))
	record, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionFailed, record.Status)
	assert.Equal(t, "execution", record.FailedStage)
}

func TestReconcilerKeepsPending(t *testing.T) {
	rc, store, _ := newReconcilerHarness(t)
	pendingRecord(t, store, "a")

	assert.Equal(t, 0, rc.Run(context.Background()))
	record, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionPending, record.Status)
}

func TestReconcilerHandsOffStaleRecordsWithID(t *testing.T) {
	rc, store, r := newReconcilerHarness(t)
	stale := pendingRecord(t, store, "stale")
	stale.UpdatedAt = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, store.Save(stale))
	pendingRecord(t, store, "fresh")

	assert.Equal(t, 1, rc.Run(context.Background()))
	assert.Len(t, r.polled, 2)

	record, err := store.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionUnresolved, record.Status)
	assert.Empty(t, record.FailedStage)
	assert.Nil(t, record.Error)
	assert.Equal(t, testOpHash.Hex(), record.BundlerOperationID)

	record, err = store.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionPending, record.Status)

	n, err := store.CountPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// handed off records are not polled again
	r.polled = nil
	assert.Equal(t, 0, rc.Run(context.Background()))
	assert.Len(t, r.polled, 1)
}

func TestReconcilerRecordsWithoutOperationID(t *testing.T) {
	rc, store, r := newReconcilerHarness(t)

	inFlight := model.NewSubmissionRecord("fresh", aliceSubject, testSender)
	require.NoError(t, store.Save(inFlight))

	stale := model.NewSubmissionRecord("stale", aliceSubject, testSender)
	stale.UpdatedAt = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, store.Save(stale))

	assert.Equal(t, 1, rc.Run(context.Background()))
	assert.Empty(t, r.polled)

	record, err := store.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionFailed, record.Status)
	assert.Equal(t, "submit", record.FailedStage)

	record, err = store.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionSubmitted, record.Status)
}
