package aa

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeChain answers the view calls used by this package from in-memory maps. Factory
// addresses default to keccak(factory, owner, salt) unless overridden.
type fakeChain struct {
	mu        sync.Mutex
	overrides map[string]common.Address
	code      map[common.Address][]byte
	balances  map[common.Address]*big.Int
	tokens    map[common.Address]map[common.Address]*big.Int
	nonces    map[string]*big.Int
	// contracts without code answer every call with empty output
	empty map[common.Address]bool
	delay time.Duration
	calls atomic.Int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		overrides: map[string]common.Address{},
		code:      map[common.Address][]byte{},
		balances:  map[common.Address]*big.Int{},
		tokens:    map[common.Address]map[common.Address]*big.Int{},
		nonces:    map[string]*big.Int{},
		empty:     map[common.Address]bool{},
	}
}

func overrideKey(factory, owner common.Address, salt *big.Int) string {
	return fmt.Sprintf("%s:%s:%s", factory.Hex(), owner.Hex(), salt.String())
}

func derivedAddress(factory, owner common.Address, salt *big.Int) common.Address {
	return PredictCreate2(factory, salt, crypto.Keccak256Hash(owner.Bytes()))
}

func (f *fakeChain) addressOf(factory, owner common.Address, salt *big.Int) common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.overrides[overrideKey(factory, owner, salt)]; ok {
		return addr
	}
	return derivedAddress(factory, owner, salt)
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	empty := f.empty[*msg.To]
	f.mu.Unlock()
	if empty {
		return []byte{}, nil
	}

	selector, args := msg.Data[:4], msg.Data[4:]
	switch {
	case bytes.Equal(selector, ownerSaltFactoryABI.Methods["getAddress"].ID):
		in, err := ownerSaltFactoryABI.Methods["getAddress"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		addr := f.addressOf(*msg.To, in[0].(common.Address), in[1].(*big.Int))
		return ownerSaltFactoryABI.Methods["getAddress"].Outputs.Pack(addr)

	case bytes.Equal(selector, ownersArrayFactoryABI.Methods["getAddress"].ID):
		in, err := ownersArrayFactoryABI.Methods["getAddress"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		owner := common.BytesToAddress(in[0].([][]byte)[0])
		addr := f.addressOf(*msg.To, owner, in[1].(*big.Int))
		return ownersArrayFactoryABI.Methods["getAddress"].Outputs.Pack(addr)

	case bytes.Equal(selector, entryPointABI.Methods["getNonce"].ID):
		in, err := entryPointABI.Methods["getNonce"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		n, ok := f.nonces[fmt.Sprintf("%s:%s", in[0].(common.Address).Hex(), in[1].(*big.Int).String())]
		f.mu.Unlock()
		if !ok {
			n = big.NewInt(0)
		}
		return entryPointABI.Methods["getNonce"].Outputs.Pack(n)

	case bytes.Equal(selector, erc20ABI.Methods["balanceOf"].ID):
		in, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		balance := big.NewInt(0)
		if holders, ok := f.tokens[*msg.To]; ok {
			if b, ok := holders[in[0].(common.Address)]; ok {
				balance = b
			}
		}
		f.mu.Unlock()
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(balance)
	}

	return nil, fmt.Errorf("unexpected call selector 0x%x", selector)
}

func (f *fakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[account], nil
}

func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}
