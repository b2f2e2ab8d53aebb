package aa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

type Evidence string

const (
	EvidenceMatchesBookkeeping Evidence = "matches-bookkeeping"
	EvidenceHasCode            Evidence = "has-on-chain-code"
	EvidenceHoldsBalance       Evidence = "holds-expected-balance"
)

const (
	DefaultMaxSalt     = 256
	DefaultChunkSize   = 16
	DefaultConcurrency = 4
	DefaultBudget      = 3 * time.Second
)

// Candidate is a smart account address tied to an owner through a factory scheme.
type Candidate struct {
	Owner    common.Address `json:"owner"`
	Scheme   SchemeKind     `json:"scheme"`
	Factory  common.Address `json:"factory"`
	Salt     *big.Int       `json:"salt"`
	Address  common.Address `json:"address"`
	Evidence []Evidence     `json:"evidence"`
	// Balances found at a foreign address, keyed by token address ("native" for the coin)
	Balances map[string]string `json:"balances,omitempty"`
}

func (c *Candidate) HasEvidence(e Evidence) bool {
	return lo.Contains(c.Evidence, e)
}

type ResolverConfig struct {
	Schemes     []FactoryScheme
	MaxSalt     int64
	ChunkSize   int
	Concurrency int
	Budget      time.Duration
	// Tokens checked for balance evidence at an address that cannot be derived
	Tokens []common.Address
}

// Resolver recovers the smart account controlled by an owner when bookkeeping can't be
// trusted. It only reads chain state.
type Resolver struct {
	chain  ChainReader
	config ResolverConfig
	cache  *bigcache.BigCache
	logger logger.Logger
}

func NewResolver(chain ChainReader, config ResolverConfig, cache *bigcache.BigCache, log logger.Logger) *Resolver {
	if len(config.Schemes) == 0 {
		config.Schemes = DefaultSchemes()
	}
	if config.MaxSalt <= 0 {
		config.MaxSalt = DefaultMaxSalt
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Budget <= 0 {
		config.Budget = DefaultBudget
	}

	return &Resolver{
		chain:  chain,
		config: config,
		cache:  cache,
		logger: logger.EnsureLogger(log),
	}
}

func cacheKey(owner common.Address, bookkeeping *common.Address) string {
	key := strings.ToLower(owner.Hex())
	if bookkeeping != nil {
		key += ":" + strings.ToLower(bookkeeping.Hex())
	}
	return key
}

func (r *Resolver) fromCache(key string) *Candidate {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(key)
	if err != nil {
		return nil
	}
	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	return &c
}

func (r *Resolver) remember(key string, c *Candidate) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := r.cache.Set(key, raw); err != nil {
		r.logger.Warn("cannot cache resolved account", "key", key, "error", err)
	}
}

func (r *Resolver) candidate(ctx context.Context, owner common.Address, scheme FactoryScheme, salt *big.Int, addr common.Address, matched bool) (*Candidate, error) {
	c := &Candidate{
		Owner:   owner,
		Scheme:  scheme.Kind,
		Factory: scheme.Factory,
		Salt:    new(big.Int).Set(salt),
		Address: addr,
	}
	if matched {
		c.Evidence = append(c.Evidence, EvidenceMatchesBookkeeping)
	}

	deployed, err := IsDeployed(ctx, r.chain, addr)
	if err != nil {
		return nil, fmt.Errorf("getCode %s: %w", addr.Hex(), err)
	}
	if deployed {
		c.Evidence = append(c.Evidence, EvidenceHasCode)
	}
	return c, nil
}

// Resolve returns the smart account of owner. Without a bookkeeping address it returns the
// salt 0 account of the first scheme, preferring one that is already deployed. With a
// bookkeeping address it looks for the (scheme, salt) that derives it: salt 0 first, then a
// bounded parallel search. When nothing derives it but funds sit there, the candidate is
// returned together with a ResolutionForeign error.
func (r *Resolver) Resolve(ctx context.Context, owner common.Address, bookkeeping *common.Address) (*Candidate, error) {
	key := cacheKey(owner, bookkeeping)
	if c := r.fromCache(key); c != nil {
		return c, nil
	}

	var (
		first   *Candidate
		healthy []FactoryScheme
		failed  []error
	)
	for _, scheme := range r.config.Schemes {
		addr, err := scheme.AddressOf(ctx, r.chain, owner, big.NewInt(0))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("cannot derive account address, skipping factory scheme",
				"scheme", scheme.String(), "owner", owner.Hex(), "error", err)
			failed = append(failed, fmt.Errorf("derive %s address: %w", scheme, err))
			continue
		}
		healthy = append(healthy, scheme)

		matched := bookkeeping != nil && addr == *bookkeeping
		if bookkeeping != nil && !matched {
			continue
		}

		c, err := r.candidate(ctx, owner, scheme, big.NewInt(0), addr, matched)
		if err != nil {
			return nil, err
		}
		if matched || c.HasEvidence(EvidenceHasCode) {
			r.remember(key, c)
			return c, nil
		}
		if first == nil {
			first = c
		}
	}

	if len(healthy) == 0 && len(failed) > 0 {
		return nil, errors.Join(failed...)
	}

	if bookkeeping == nil {
		if first == nil {
			return nil, relayerr.ResolutionNotFound("no factory scheme configured")
		}
		r.remember(key, first)
		return first, nil
	}

	found, err := r.search(ctx, owner, *bookkeeping, healthy)
	if err != nil {
		return nil, err
	}
	if found != nil {
		r.remember(key, found)
		return found, nil
	}

	return r.foreign(ctx, owner, *bookkeeping)
}

type saltMatch struct {
	scheme FactoryScheme
	salt   *big.Int
}

// search scans salts 1..MaxSalt for the given schemes in chunks, at most Concurrency chunks
// at a time, and stops on the first match or when the budget runs out.
func (r *Resolver) search(ctx context.Context, owner, target common.Address, schemes []FactoryScheme) (*Candidate, error) {
	budgetCtx, cancelBudget := context.WithTimeout(ctx, r.config.Budget)
	defer cancelBudget()
	searchCtx, stop := context.WithCancel(budgetCtx)
	defer stop()

	salts := make([]int64, 0, r.config.MaxSalt)
	for s := int64(1); s <= r.config.MaxSalt; s++ {
		salts = append(salts, s)
	}

	var (
		mu       sync.Mutex
		match    *saltMatch
		firstErr error
		started  = time.Now()
	)

	g := new(errgroup.Group)
	g.SetLimit(r.config.Concurrency)

	for _, chunk := range lo.Chunk(salts, r.config.ChunkSize) {
		if searchCtx.Err() != nil {
			break
		}
		chunk := chunk
		g.Go(func() error {
			for _, scheme := range schemes {
				for _, s := range chunk {
					if searchCtx.Err() != nil {
						return nil
					}
					salt := big.NewInt(s)
					addr, err := scheme.AddressOf(searchCtx, r.chain, owner, salt)
					if err != nil {
						if searchCtx.Err() == nil {
							mu.Lock()
							if firstErr == nil {
								firstErr = err
							}
							mu.Unlock()
						}
						continue
					}
					if addr == target {
						mu.Lock()
						if match == nil {
							match = &saltMatch{scheme: scheme, salt: salt}
						}
						mu.Unlock()
						stop()
						return nil
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if match != nil {
		r.logger.Info("resolved smart account by salt search",
			"owner", owner.Hex(), "address", target.Hex(), "scheme", match.scheme.String(),
			"salt", match.salt.String(), "elapsed", time.Since(started).String())
		return r.candidate(ctx, owner, match.scheme, match.salt, target, true)
	}

	if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("salt search budget exhausted", "owner", owner.Hex(), "address", target.Hex(), "budget", r.config.Budget.String())
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else if firstErr != nil {
		return nil, fmt.Errorf("salt search incomplete: %w", firstErr)
	}
	return nil, nil
}

// foreign checks whether value sits at an address the owner can't derive.
func (r *Resolver) foreign(ctx context.Context, owner, addr common.Address) (*Candidate, error) {
	balances := map[string]string{}

	native, err := r.chain.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", addr.Hex(), err)
	}
	if native != nil && native.Sign() > 0 {
		balances["native"] = native.String()
	}

	for _, token := range r.config.Tokens {
		balance, err := TokenBalance(ctx, r.chain, token, addr)
		if err != nil {
			r.logger.Warn("cannot read token balance", "token", token.Hex(), "holder", addr.Hex(), "error", err)
			continue
		}
		if balance.Sign() > 0 {
			balances[strings.ToLower(token.Hex())] = balance.String()
		}
	}

	if len(balances) == 0 {
		return nil, relayerr.ResolutionNotFound(
			fmt.Sprintf("%s is not derivable from owner %s and holds no funds", addr.Hex(), owner.Hex())).
			WithDetail("address", addr.Hex()).
			WithDetail("maxSalt", r.config.MaxSalt)
	}

	c := &Candidate{
		Owner:    owner,
		Address:  addr,
		Evidence: []Evidence{EvidenceHoldsBalance},
		Balances: balances,
	}
	return c, relayerr.ResolutionForeign(
		fmt.Sprintf("%s holds funds but is not controlled by owner %s", addr.Hex(), owner.Hex())).
		WithDetail("address", addr.Hex()).
		WithDetail("balances", balances)
}
