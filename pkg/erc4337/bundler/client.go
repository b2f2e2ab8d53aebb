// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
)

const DefaultRequestTimeout = 15 * time.Second

// BundlerClient talks to an ERC-4337 bundler over JSON-RPC.
type BundlerClient struct {
	client  *rpc.Client
	url     string
	timeout time.Duration
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL. Every call is
// bounded by timeout; a zero timeout uses DefaultRequestTimeout.
func NewBundlerClient(url string, timeout time.Duration) (*BundlerClient, error) {
	// DialHTTP works with plain HTTP bundler endpoints that reject websocket upgrades
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("Error creating bundler client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &BundlerClient{client: c, url: url, timeout: timeout}, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

func (bc *BundlerClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, bc.timeout)
	defer cancel()
	return bc.client.CallContext(ctx, result, method, args...)
}

// SendUserOperation submits a signed operation and returns the bundler's operation hash,
// the durable identifier used to look up the receipt later.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (string, error) {
	var opHash string
	// some bundlers only accept the checksummed EntryPoint address
	if err := bc.call(ctx, &opHash, "eth_sendUserOperation", op, entrypoint.Hex()); err != nil {
		return "", classify(err)
	}
	if opHash == "" {
		return "", fmt.Errorf("eth_sendUserOperation returned an empty operation hash")
	}
	return opHash, nil
}

// EstimateUserOperationGas asks the bundler for gas limits. The operation should carry a
// placeholder signature.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*GasEstimation, error) {
	var result gasEstimationJSON
	if err := bc.call(ctx, &result, "eth_estimateUserOperationGas", op, entrypoint.Hex()); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas RPC response error: %w", classify(err))
	}
	return result.toEstimation(), nil
}

// GetUserOperationReceipt returns nil without error while the operation isn't included yet.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash string) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := bc.call(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, classify(err)
	}
	return receipt, nil
}

// SupportedEntryPoints lists the EntryPoint addresses the bundler accepts.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entrypoints []common.Address
	if err := bc.call(ctx, &entrypoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return entrypoints, nil
}

func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := bc.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&id), nil
}
