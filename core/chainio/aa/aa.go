// Package aa holds the account abstraction primitives the relay needs on chain: nonce
// reads from the EntryPoint, call composition for SimpleAccount style wallets, factory
// schemes and the smart account resolver.
package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ChainReader is the read-only chain access used here. *ethclient.Client satisfies it.
type ChainReader interface {
	ethereum.ContractCaller
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EntryPoint reads nonces from the EntryPoint contract.
type EntryPoint struct {
	caller  ethereum.ContractCaller
	address common.Address
}

func NewEntryPoint(caller ethereum.ContractCaller, address common.Address) *EntryPoint {
	return &EntryPoint{caller: caller, address: address}
}

func (e *EntryPoint) Address() common.Address {
	return e.address
}

// GetNonce returns the full nonce (key << 64 | sequence) the EntryPoint expects next for
// sender under key.
func (e *EntryPoint) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = big.NewInt(0)
	}

	var nonce *big.Int
	if err := callView(ctx, e.caller, e.address, entryPointABI, "getNonce", &nonce, sender, key); err != nil {
		return nil, fmt.Errorf("getNonce(%s, %s): %w", sender.Hex(), key.Text(16), err)
	}
	return nonce, nil
}

// IsDeployed reports whether account has code. The builder only attaches initCode when it
// doesn't.
func IsDeployed(ctx context.Context, chain ChainReader, account common.Address) (bool, error) {
	code, err := chain.CodeAt(ctx, account, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// TokenBalance returns the ERC20 balance of holder.
func TokenBalance(ctx context.Context, caller ethereum.ContractCaller, token, holder common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := callView(ctx, caller, token, erc20ABI, "balanceOf", &balance, holder); err != nil {
		return nil, err
	}
	return balance, nil
}
