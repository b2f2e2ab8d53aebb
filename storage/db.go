package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = badger.ErrKeyNotFound

type Config struct {
	Path string
	// InMemory keeps everything in RAM, used by tests
	InMemory bool
}

type Storage interface {
	Close() error

	Exist(key []byte) (bool, error)
	GetKey(key []byte) ([]byte, error)
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)
	ListKeys(prefix string) ([]string, error)

	BatchWrite(updates map[string][]byte) error
	Set(key, value []byte) error
	Delete(key []byte) error

	// Counters are signed so a reconciled counter can sit at -1, meaning the next
	// increment hands out 0.
	GetCounter(key []byte) (int64, bool, error)
	IncCounter(key []byte) (int64, error)
	SetCounter(key []byte, value int64) error

	// Backup streams every version newer than since to w and returns the version to pass next time.
	Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error)
	Load(ctx context.Context, r io.Reader) error

	DbPath() string
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
}

// Create storage at the particular path
func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

// Create storage with the given config
func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(
		opts.WithSyncWrites(!c.InMemory).WithLogger(nil),
	)

	if err != nil {
		return nil, err
	}

	return &BadgerStorage{
		config: c,
		db:     db,
	}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) BatchWrite(updates map[string][]byte) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	for k, v := range updates {
		err := txn.Set([]byte(k), v)
		if err == badger.ErrTxnTooBig {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			err = txn.Set([]byte(k), v)
		}
		if err != nil {
			return err
		}
	}

	return txn.Commit()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetByPrefix return a list of key/value item whose key prefix matches
func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 30
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			result = append(result, &KeyValueItem{
				Key:   item.KeyCopy(nil),
				Value: v,
			})
		}
		return nil
	})

	return result, err
}

// ListKeys returns the keys with the prefix without loading values
func (s *BadgerStorage) ListKeys(prefix string) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})

	return keys, err
}

func (s *BadgerStorage) Exist(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})

	return value, err
}

func (s *BadgerStorage) DbPath() string {
	return s.config.Path
}

func Destroy(s *BadgerStorage) error {
	s.Close()
	if s.config.InMemory {
		return nil
	}
	return os.RemoveAll(s.config.Path)
}

func parseCounter(val []byte) (int64, error) {
	v, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return v, nil
}

// GetCounter retrieves a counter value. The bool is false when the counter was never set.
func (s *BadgerStorage) GetCounter(key []byte) (int64, bool, error) {
	var counter int64
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			counter, err = parseCounter(val)
			return err
		})
	})

	if err != nil {
		return 0, false, err
	}

	return counter, found, nil
}

// IncCounter increments a counter by 1 inside a single transaction and returns the new value.
// A missing counter starts at 0, so the first increment returns 1.
// Badger transactions are serializable: a concurrent increment on the same key makes one of
// the commits fail with ErrConflict, in which case we retry.
func (s *BadgerStorage) IncCounter(key []byte) (int64, error) {
	for {
		var newValue int64

		err := s.db.Update(func(txn *badger.Txn) error {
			var current int64

			item, err := txn.Get(key)
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err == nil {
				err = item.Value(func(val []byte) error {
					current, err = parseCounter(val)
					return err
				})
				if err != nil {
					return err
				}
			}

			newValue = current + 1
			// Stored as a decimal string so we can inspect it easily in console
			return txn.Set(key, []byte(strconv.FormatInt(newValue, 10)))
		})

		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return 0, err
		}
		return newValue, nil
	}
}

// SetCounter overwrites a counter value.
func (s *BadgerStorage) SetCounter(key []byte, value int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(strconv.FormatInt(value, 10)))
	})
}

func (s *BadgerStorage) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	return s.db.Backup(w, since)
}

func (s *BadgerStorage) Load(ctx context.Context, r io.Reader) error {
	return s.db.Load(r, 16)
}
