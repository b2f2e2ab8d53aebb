package nonce

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/AvaProtocol/ap-relay/storage"
	"github.com/AvaProtocol/ap-relay/storage/schema"
)

// CounterStore is the durable counter shared by every relay instance. A counter holds the
// last sequence issued for (sender, key). Increment is the only way to issue a sequence;
// Set exists for reconciliation alone.
type CounterStore interface {
	// Increment atomically adds one and returns the new value.
	Increment(ctx context.Context, sender common.Address, key *big.Int) (int64, error)
	Set(ctx context.Context, sender common.Address, key *big.Int, value int64) error
	// Get returns the current value, false when the counter was never written.
	Get(ctx context.Context, sender common.Address, key *big.Int) (int64, bool, error)
}

// BadgerCounterStore keeps counters in the local badger database. Suitable for a single
// relay process.
type BadgerCounterStore struct {
	db storage.Storage
}

func NewBadgerCounterStore(db storage.Storage) *BadgerCounterStore {
	return &BadgerCounterStore{db: db}
}

func (s *BadgerCounterStore) Increment(ctx context.Context, sender common.Address, key *big.Int) (int64, error) {
	return s.db.IncCounter(schema.NonceCounterKey(sender, key))
}

func (s *BadgerCounterStore) Set(ctx context.Context, sender common.Address, key *big.Int, value int64) error {
	return s.db.SetCounter(schema.NonceCounterKey(sender, key), value)
}

func (s *BadgerCounterStore) Get(ctx context.Context, sender common.Address, key *big.Int) (int64, bool, error) {
	return s.db.GetCounter(schema.NonceCounterKey(sender, key))
}

const redisKeyFmt = "relay:nonce:%s:%s"

// RedisCounterStore keeps counters in Redis so several relay instances can share one sender.
// INCR is atomic on the server.
type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func redisKey(sender common.Address, key *big.Int) string {
	if key == nil {
		key = big.NewInt(0)
	}
	return fmt.Sprintf(redisKeyFmt, strings.ToLower(sender.Hex()), key.Text(16))
}

func (s *RedisCounterStore) Increment(ctx context.Context, sender common.Address, key *big.Int) (int64, error) {
	n, err := s.rdb.Incr(ctx, redisKey(sender, key)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr nonce: %w", err)
	}
	return n, nil
}

func (s *RedisCounterStore) Set(ctx context.Context, sender common.Address, key *big.Int, value int64) error {
	if err := s.rdb.Set(ctx, redisKey(sender, key), value, 0).Err(); err != nil {
		return fmt.Errorf("set nonce: %w", err)
	}
	return nil
}

func (s *RedisCounterStore) Get(ctx context.Context, sender common.Address, key *big.Int) (int64, bool, error) {
	n, err := s.rdb.Get(ctx, redisKey(sender, key)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get nonce: %w", err)
	}
	return n, true, nil
}
