package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// minimum tip that bundlers accept without complaining
	minSuggestedTip = big.NewInt(2_000_000_000)
)

// FeeSource is the subset of ethclient.Client used to read network fees.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// NetworkFee is the network's own view of current fees, before any relay policy.
type NetworkFee struct {
	BaseFee *big.Int
	Tip     *big.Int
	MaxFee  *big.Int
}

// SuggestFee reads the latest base fee and suggested tip. MaxFee leaves room for the base fee
// to double between blocks: 2*baseFee + tip. Legacy chains without a base fee use the tip.
func SuggestFee(ctx context.Context, client FeeSource) (*NetworkFee, error) {
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	if tip.Cmp(minSuggestedTip) < 0 {
		tip = new(big.Int).Set(minSuggestedTip)
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	fee := &NetworkFee{Tip: tip}
	if header.BaseFee == nil {
		fee.BaseFee = big.NewInt(0)
		fee.MaxFee = new(big.Int).Set(tip)
		return fee, nil
	}

	fee.BaseFee = new(big.Int).Set(header.BaseFee)
	fee.MaxFee = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return fee, nil
}
