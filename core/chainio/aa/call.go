package aa

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// callView packs method(args...), runs it with eth_call against the latest block and
// unpacks the single return value into out.
func callView(ctx context.Context, caller ethereum.ContractCaller, to common.Address, contractABI abi.ABI, method string, out interface{}, args ...interface{}) error {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	output, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return fmt.Errorf("%s returned no data from %s", method, to.Hex())
	}

	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return fmt.Errorf("%s returned %d values", method, len(values))
	}

	return contractABI.Methods[method].Outputs.Copy(out, values)
}
