package relayer

import (
	"fmt"
	"sync"

	"github.com/AvaProtocol/ap-relay/model"
	"github.com/AvaProtocol/ap-relay/storage"
	"github.com/AvaProtocol/ap-relay/storage/schema"
)

// SubmissionStore persists submission records by idempotency key. Records that are not
// settled yet are also indexed under the pending prefix so the reconciler can find them.
type SubmissionStore struct {
	db storage.Storage

	// serializes Reserve so two requests with the same key can't both pass the existence
	// check
	mu sync.Mutex
}

func NewSubmissionStore(db storage.Storage) *SubmissionStore {
	return &SubmissionStore{db: db}
}

// Reserve stores record unless one already exists for its idempotency key. The existing
// record is returned in that case.
func (s *SubmissionStore) Reserve(record *model.SubmissionRecord) (*model.SubmissionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := s.Save(record); err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *SubmissionStore) Get(idempotencyKey string) (*model.SubmissionRecord, error) {
	key := schema.SubmissionKey(idempotencyKey)
	ok, err := s.db.Exist(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	data, err := s.db.GetKey(key)
	if err != nil {
		return nil, err
	}
	record := &model.SubmissionRecord{}
	if err := record.FromStorageData(data); err != nil {
		return nil, fmt.Errorf("corrupted submission record %s: %w", idempotencyKey, err)
	}
	return record, nil
}

// Save writes the record and keeps the pending index in step with its status.
func (s *SubmissionStore) Save(record *model.SubmissionRecord) error {
	data, err := record.ToJSON()
	if err != nil {
		return err
	}

	pendingKey := schema.PendingSubmissionKey(record.IdempotencyKey)
	if record.IsPending() {
		return s.db.BatchWrite(map[string][]byte{
			string(schema.SubmissionKey(record.IdempotencyKey)): data,
			string(pendingKey): []byte(record.ID),
		})
	}

	if err := s.db.Set(schema.SubmissionKey(record.IdempotencyKey), data); err != nil {
		return err
	}
	return s.db.Delete(pendingKey)
}

// ListPending returns every record still waiting for a receipt.
func (s *SubmissionStore) ListPending() ([]*model.SubmissionRecord, error) {
	keys, err := s.db.ListKeys(schema.PendingSubmissionPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]*model.SubmissionRecord, 0, len(keys))
	for _, k := range keys {
		record, err := s.Get(schema.IdempotencyKeyFromPending(k))
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// CountPending implements metrics.PendingCounter
func (s *SubmissionStore) CountPending() (int, error) {
	keys, err := s.db.ListKeys(schema.PendingSubmissionPrefix())
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
