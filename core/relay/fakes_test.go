package relay

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/core/chainio/signer"
	"github.com/AvaProtocol/ap-relay/pkg/eip1559"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/nonce"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/sponsor"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
)

const ownerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	sender     = common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a")
	paymaster  = common.HexToAddress("0x00000f79b7faf42eebadba19acc07cd08af44789")
	chainID    = big.NewInt(11155111)
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

type fakeBundler struct {
	mu       sync.Mutex
	sent     []*userop.UserOperation
	sendErrs []error
	opID     string
	// receipts become visible after receiptAfter lookups
	receipts     map[string]*bundler.UserOperationReceipt
	receiptAfter int
	lookups      int
	estimate     *bundler.GasEstimation
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{opID: "0xbundlerop", receipts: map[string]*bundler.UserOperationReceipt{}}
}

func (b *fakeBundler) SendUserOperation(ctx context.Context, op *userop.UserOperation, ep common.Address) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, op.Copy())
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		if len(b.sendErrs) > 1 {
			b.sendErrs = b.sendErrs[1:]
		}
		if err != nil {
			return "", err
		}
	}
	return b.opID, nil
}

func (b *fakeBundler) GetUserOperationReceipt(ctx context.Context, hash string) (*bundler.UserOperationReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++
	if b.lookups <= b.receiptAfter {
		return nil, nil
	}
	return b.receipts[hash], nil
}

func (b *fakeBundler) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, ep common.Address) (*bundler.GasEstimation, error) {
	if b.estimate == nil {
		return nil, context.DeadlineExceeded
	}
	return b.estimate, nil
}

func (b *fakeBundler) sentOps() []*userop.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*userop.UserOperation{}, b.sent...)
}

func receipt(success bool, reason string) *bundler.UserOperationReceipt {
	r := &bundler.UserOperationReceipt{Success: success, Reason: reason}
	r.Receipt.TransactionHash = common.HexToHash("0x7a11")
	return r
}

type fakeSponsor struct {
	mu    sync.Mutex
	calls []*userop.UserOperation
	err   error
	// fees, when set, are quoted back as the paymaster's own pricing
	fees *eip1559.Fees
}

func (s *fakeSponsor) Sponsor(ctx context.Context, op *userop.UserOperation, ep common.Address) (*sponsor.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op.Copy())
	if s.err != nil {
		return nil, s.err
	}
	quote := &sponsor.Quote{
		PaymasterAndData:   append(paymaster.Bytes(), 0xaa, 0xbb),
		PreVerificationGas: big.NewInt(60000),
	}
	if s.fees != nil {
		quote.MaxFeePerGas = s.fees.MaxFeePerGas
		quote.MaxPriorityFeePerGas = s.fees.MaxPriorityFeePerGas
	}
	return quote, nil
}

type fakeNonces struct {
	mu          sync.Mutex
	next        uint64
	err         error
	invalidated int
}

func (n *fakeNonces) Allocate(ctx context.Context, s common.Address, p nonce.Purpose) (*nonce.Allocation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	seq := n.next
	n.next++
	return &nonce.Allocation{Strategy: nonce.StrategyCounter, Key: big.NewInt(0), Sequence: seq, Nonce: new(big.Int).SetUint64(seq)}, nil
}

func (n *fakeNonces) Invalidate(s common.Address, key *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invalidated++
}

type fakeFeeSource struct{}

func (fakeFeeSource) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return gwei(2), nil
}

func (fakeFeeSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: gwei(10)}, nil
}

type harness struct {
	relayer *Relayer
	bundler *fakeBundler
	sponsor *fakeSponsor
	nonces  *fakeNonces
	owner   *signer.LocalSigner
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	owner, err := signer.FromPrivateKeyHex(ownerKey)
	require.NoError(t, err)
	fees, err := eip1559.NewController(eip1559.Policy{BufferPercent: decimal.NewFromInt(20)})
	require.NoError(t, err)

	h := &harness{
		bundler: newFakeBundler(),
		sponsor: &fakeSponsor{},
		nonces:  &fakeNonces{next: 7},
		owner:   owner,
	}

	cfg := Config{
		EntryPoint:   entryPoint,
		ChainID:      chainID,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  300 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.relayer, err = New(cfg, Deps{
		Bundler:   h.bundler,
		Sponsor:   h.sponsor,
		Nonces:    h.nonces,
		Fees:      fees,
		FeeSource: fakeFeeSource{},
		Signer:    owner,
	})
	require.NoError(t, err)
	return h
}
