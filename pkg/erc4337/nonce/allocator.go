// Package nonce hands out EntryPoint nonces for senders shared by many concurrent requests.
//
// Sequences always come from an atomic durable counter that is reconciled against the
// chain before its first use in a process. The strategy only picks the key: the counter
// strategy uses one configured key, key partitioning derives a key from the purpose of a
// request so unrelated requests use disjoint sequence streams.
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

type Strategy string

const (
	StrategyCounter      Strategy = "counter"
	StrategyKeyPartition Strategy = "partition"
)

func ParseStrategy(v string) (Strategy, error) {
	switch Strategy(v) {
	case StrategyCounter, StrategyKeyPartition:
		return Strategy(v), nil
	case "":
		return StrategyCounter, nil
	}
	return "", fmt.Errorf("unknown nonce strategy %q", v)
}

// Reader reads the authoritative nonce from the EntryPoint. *aa.EntryPoint satisfies it.
type Reader interface {
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
}

// Purpose identifies why a nonce is needed. Only key partitioning uses it.
type Purpose struct {
	Requester string
	At        time.Time
}

type Allocation struct {
	Strategy Strategy
	Key      *big.Int
	Sequence uint64
	// Nonce is the full EntryPoint nonce, key << 64 | sequence
	Nonce *big.Int
}

type Config struct {
	Strategy Strategy
	// CounterKey is the key used by the counter strategy, 0 when nil
	CounterKey      *big.Int
	PartitionWindow time.Duration
}

type session struct {
	mu         sync.Mutex
	reconciled bool
}

type Allocator struct {
	reader Reader
	store  CounterStore
	config Config
	logger logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewAllocator(reader Reader, store CounterStore, config Config, log logger.Logger) (*Allocator, error) {
	if reader == nil {
		return nil, fmt.Errorf("nonce reader is required")
	}
	if config.Strategy == "" {
		config.Strategy = StrategyCounter
	}
	if store == nil {
		return nil, fmt.Errorf("nonce allocation requires a counter store")
	}
	if config.CounterKey == nil {
		config.CounterKey = big.NewInt(0)
	}
	if config.PartitionWindow <= 0 {
		config.PartitionWindow = DefaultPartitionWindow
	}

	return &Allocator{
		reader:   reader,
		store:    store,
		config:   config,
		logger:   logger.EnsureLogger(log),
		sessions: make(map[string]*session),
	}, nil
}

func (a *Allocator) Strategy() Strategy {
	return a.config.Strategy
}

func sessionKey(sender common.Address, key *big.Int) string {
	return strings.ToLower(sender.Hex()) + ":" + key.Text(16)
}

func (a *Allocator) session(sender common.Address, key *big.Int) *session {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := sessionKey(sender, key)
	s, ok := a.sessions[k]
	if !ok {
		s = &session{}
		a.sessions[k] = s
	}
	return s
}

// Allocate returns the next nonce for sender using the configured strategy.
func (a *Allocator) Allocate(ctx context.Context, sender common.Address, purpose Purpose) (*Allocation, error) {
	switch a.config.Strategy {
	case StrategyKeyPartition:
		return a.Partitioned(ctx, sender, purpose)
	default:
		return a.Next(ctx, sender, a.config.CounterKey)
	}
}

// Partitioned derives a key from purpose and issues the next sequence on it. Requests of
// the same requester inside one window share the key and get distinct sequences.
func (a *Allocator) Partitioned(ctx context.Context, sender common.Address, purpose Purpose) (*Allocation, error) {
	at := purpose.At
	if at.IsZero() {
		at = time.Now()
	}
	key := DeriveKey(purpose.Requester, at, a.config.PartitionWindow)
	return a.issue(ctx, StrategyKeyPartition, sender, key)
}

// Next issues the next sequence on key from the durable counter. The counter is reconciled
// with the chain the first time (sender, key) is used by this allocator.
func (a *Allocator) Next(ctx context.Context, sender common.Address, key *big.Int) (*Allocation, error) {
	return a.issue(ctx, StrategyCounter, sender, key)
}

func (a *Allocator) issue(ctx context.Context, strategy Strategy, sender common.Address, key *big.Int) (*Allocation, error) {
	if a.store == nil {
		return nil, relayerr.NonceUnavailable("no counter store configured", nil)
	}
	if key == nil {
		key = big.NewInt(0)
	}

	s := a.session(sender, key)
	s.mu.Lock()
	if !s.reconciled {
		if err := a.reconcile(ctx, sender, key); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.reconciled = true
	}
	s.mu.Unlock()

	seq, err := a.store.Increment(ctx, sender, key)
	if err != nil {
		return nil, relayerr.NonceUnavailable("cannot increment nonce counter", err)
	}
	if seq < 0 {
		return nil, relayerr.NonceUnavailable(fmt.Sprintf("nonce counter is negative after increment: %d", seq), nil)
	}

	return a.allocation(strategy, key, uint64(seq))
}

func (a *Allocator) allocation(strategy Strategy, key *big.Int, seq uint64) (*Allocation, error) {
	full, err := userop.EncodeNonce(key, seq)
	if err != nil {
		return nil, err
	}
	return &Allocation{
		Strategy: strategy,
		Key:      new(big.Int).Set(key),
		Sequence: seq,
		Nonce:    full,
	}, nil
}

// Reconcile forces the counter for (sender, key) back in line with the chain.
func (a *Allocator) Reconcile(ctx context.Context, sender common.Address, key *big.Int) error {
	if a.store == nil {
		return nil
	}
	if key == nil {
		key = big.NewInt(0)
	}

	s := a.session(sender, key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := a.reconcile(ctx, sender, key); err != nil {
		s.reconciled = false
		return err
	}
	s.reconciled = true
	return nil
}

// Invalidate makes the next allocation on (sender, key) reconcile first. Called when the
// bundler rejects a nonce.
func (a *Allocator) Invalidate(sender common.Address, key *big.Int) {
	if key == nil {
		key = big.NewInt(0)
	}
	s := a.session(sender, key)
	s.mu.Lock()
	s.reconciled = false
	s.mu.Unlock()
}

// reconcile sets the counter to onchain-1 so the next increment yields the chain's value.
// Fails closed when the chain can't be read.
func (a *Allocator) reconcile(ctx context.Context, sender common.Address, key *big.Int) error {
	onchain, err := a.reader.GetNonce(ctx, sender, key)
	if err != nil {
		return relayerr.NonceUnavailable("cannot reconcile nonce counter with chain", err).
			WithDetail("sender", sender.Hex())
	}
	_, seq := userop.DecodeNonce(onchain)
	want := int64(seq) - 1

	current, found, err := a.store.Get(ctx, sender, key)
	if err != nil {
		return relayerr.NonceUnavailable("cannot read nonce counter", err)
	}
	if found && current == want {
		return nil
	}

	if err := a.store.Set(ctx, sender, key, want); err != nil {
		return relayerr.NonceUnavailable("cannot correct nonce counter", err)
	}

	if found {
		a.logger.Warn("nonce counter out of sync with chain, corrected",
			"sender", sender.Hex(), "key", key.Text(16), "counter", current, "onchain", seq, "corrected", want)
	} else {
		a.logger.Info("nonce counter seeded from chain",
			"sender", sender.Hex(), "key", key.Text(16), "onchain", seq)
	}
	return nil
}
