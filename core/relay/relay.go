// Package relay drives a sponsored user operation from composition to a confirmed, pending or
// failed result.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/chainio/signer"
	"github.com/AvaProtocol/ap-relay/metrics"
	"github.com/AvaProtocol/ap-relay/pkg/eip1559"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/nonce"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/sponsor"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 60 * time.Second
)

type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (string, error)
	GetUserOperationReceipt(ctx context.Context, hash string) (*bundler.UserOperationReceipt, error)
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*bundler.GasEstimation, error)
}

type Sponsor interface {
	Sponsor(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*sponsor.Quote, error)
}

type NonceAllocator interface {
	Allocate(ctx context.Context, sender common.Address, purpose nonce.Purpose) (*nonce.Allocation, error)
	Invalidate(sender common.Address, key *big.Int)
}

type Config struct {
	EntryPoint   common.Address
	ChainID      *big.Int
	PollInterval time.Duration
	PollTimeout  time.Duration
	// EstimateGas asks the bundler for gas limits when a request carries no gas hints
	EstimateGas bool
}

type Deps struct {
	Bundler   Bundler
	Sponsor   Sponsor
	Nonces    NonceAllocator
	Fees      *eip1559.Controller
	FeeSource eip1559.FeeSource
	// Signer signs for requests that don't bring their own owner signer
	Signer  signer.Signer
	Metrics metrics.RelayMetrics
	Logger  logger.Logger
}

type Relayer struct {
	config    Config
	bundler   Bundler
	sponsor   Sponsor
	nonces    NonceAllocator
	fees      *eip1559.Controller
	feeSource eip1559.FeeSource
	signer    signer.Signer
	metrics   metrics.RelayMetrics
	logger    logger.Logger
}

func New(config Config, deps Deps) (*Relayer, error) {
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if config.EntryPoint == (common.Address{}) {
		return nil, fmt.Errorf("entrypoint address is required")
	}
	if deps.Bundler == nil || deps.Sponsor == nil || deps.Nonces == nil || deps.Fees == nil || deps.FeeSource == nil {
		return nil, fmt.Errorf("bundler, sponsor, nonce allocator, fee controller and fee source are required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopMetrics{}
	}

	return &Relayer{
		config:    config,
		bundler:   deps.Bundler,
		sponsor:   deps.Sponsor,
		nonces:    deps.Nonces,
		fees:      deps.Fees,
		feeSource: deps.FeeSource,
		signer:    deps.Signer,
		metrics:   deps.Metrics,
		logger:    logger.EnsureLogger(deps.Logger),
	}, nil
}

func (r *Relayer) Config() Config {
	return r.config
}

type Request struct {
	Sender common.Address
	// Calls are composed into callData in order. Ignored when CallData is set.
	Calls    []aa.Call
	CallData []byte
	// InitCode deploys the account with the first operation
	InitCode       []byte
	Gas            userop.GasHints
	Owner          signer.Signer
	IdempotencyKey string
	Purpose        nonce.Purpose
}

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Result is what a caller gets back. A pending result always carries the bundler operation
// id so confirmation can be checked later.
type Result struct {
	Status             Status          `json:"status"`
	TransactionHash    *common.Hash    `json:"txHash,omitempty"`
	BundlerOperationID string          `json:"bundlerOperationId,omitempty"`
	OperationHash      common.Hash     `json:"operationHash"`
	Nonce              *big.Int        `json:"-"`
	Attempts           int             `json:"attempts"`
	Error              *relayerr.Error `json:"error,omitempty"`
	Trace              []State         `json:"trace,omitempty"`
}

func (res *Result) fail(err error, kind relayerr.Kind, stage relayerr.Stage, message string) *Result {
	res.Status = StatusFailed
	if e, ok := relayerr.As(err); ok {
		res.Error = e
	} else {
		res.Error = relayerr.New(kind, stage, message, err)
	}
	return res
}

// Relay composes, sponsors, signs and submits one operation, then waits for its receipt up to
// the poll timeout.
func (r *Relayer) Relay(ctx context.Context, req Request) *Result {
	res := r.relay(ctx, req)

	var stage string
	if res.Error != nil && res.Status == StatusFailed {
		stage = string(res.Error.Stage)
	}
	r.metrics.IncRelayResult(string(res.Status), stage)

	if res.Status == StatusFailed {
		r.logger.Warn("operation failed", "sender", req.Sender.Hex(), "idempotencyKey", req.IdempotencyKey, "error", res.Error)
	} else {
		r.logger.Info("operation relayed", "sender", req.Sender.Hex(), "idempotencyKey", req.IdempotencyKey,
			"status", res.Status, "bundlerOperationId", res.BundlerOperationID, "attempts", res.Attempts)
	}
	return res
}

func (r *Relayer) relay(ctx context.Context, req Request) *Result {
	res := &Result{}

	owner := req.Owner
	if owner == nil {
		owner = r.signer
	}
	if owner == nil {
		return res.fail(relayerr.Encoding(relayerr.StageSign, "no signer for sender %s", req.Sender.Hex()), "", "", "")
	}

	callData := req.CallData
	if len(callData) == 0 {
		var err error
		if callData, err = aa.Compose(req.Calls); err != nil {
			return res.fail(err, relayerr.KindEncoding, relayerr.StageCompose, "cannot compose calls")
		}
	}

	alloc, err := r.nonces.Allocate(ctx, req.Sender, req.Purpose)
	if err != nil {
		return res.fail(err, relayerr.KindNonceUnavailable, relayerr.StageNonce, "cannot allocate nonce")
	}
	res.Nonce = alloc.Nonce

	op, err := userop.Build(userop.BuildParams{
		Sender:   req.Sender,
		Nonce:    alloc.Nonce,
		InitCode: req.InitCode,
		CallData: callData,
		Gas:      req.Gas,
	})
	if err != nil {
		return res.fail(err, relayerr.KindEncoding, relayerr.StageBuild, "cannot build operation")
	}

	estimate, err := eip1559.SuggestFee(ctx, r.feeSource)
	if err != nil {
		return res.fail(err, relayerr.KindEncoding, relayerr.StageFees, "cannot read network fees")
	}
	fees, err := r.fees.InitialFees(estimate)
	if err != nil {
		return res.fail(err, relayerr.KindEncoding, relayerr.StageFees, "cannot derive fees")
	}
	setFees(op, fees)

	if r.config.EstimateGas && noGasHints(req.Gas) {
		r.estimateGas(ctx, op)
	}

	m := newMachine()
	defer func() { res.Trace = m.Trace() }()

	reallocated := false
	bumps := 0
	for {
		res.Attempts++

		signed, opHash, err := r.prepare(ctx, m, op, owner)
		if err != nil {
			m.to(StateFailed)
			return res.fail(err, relayerr.KindEncoding, relayerr.StageSign, "cannot prepare operation")
		}
		res.OperationHash = opHash

		m.to(StateSubmitted)
		submittedAt := time.Now()
		opID, err := r.Submit(ctx, signed)

		switch {
		case err == nil:
			res.BundlerOperationID = opID
		case errors.Is(err, relayerr.ErrSubmissionTimeout):
			// eth_sendUserOperation returns the operation hash, so the bundler may hold it
			// under that id even though the answer was lost
			res.BundlerOperationID = opHash.Hex()
		case errors.Is(err, relayerr.ErrReplacementRejected):
			m.to(StateReplacementRejected)
			bumps++
			next, bumpErr := r.fees.Bump(feesOf(signed), replacementHint(err), bumps)
			if bumpErr != nil {
				m.to(StateFailed)
				return res.fail(bumpErr, relayerr.KindFeeEscalationExhausted, relayerr.StageFees, "")
			}
			r.metrics.IncFeeBump()
			r.logger.Info("replacement underpriced, bumping fees",
				"sender", req.Sender.Hex(), "attempt", bumps, "previous", feesOf(signed).String(), "next", next.String())

			op = op.Copy()
			setFees(op, next)
			m.to(StateBuilt)
			continue
		case errors.Is(err, relayerr.ErrNonceUnavailable) && !reallocated:
			reallocated = true
			r.metrics.IncNonceReallocation()
			r.logger.Warn("bundler rejected nonce, re-allocating", "sender", req.Sender.Hex(), "nonce", alloc.Nonce.String())

			r.nonces.Invalidate(req.Sender, alloc.Key)
			alloc, err = r.nonces.Allocate(ctx, req.Sender, req.Purpose)
			if err != nil {
				m.to(StateFailed)
				return res.fail(err, relayerr.KindNonceUnavailable, relayerr.StageNonce, "cannot re-allocate nonce")
			}
			res.Nonce = alloc.Nonce

			op = op.Copy()
			op.Nonce = alloc.Nonce
			m.to(StateBuilt)
			continue
		default:
			m.to(StateFailed)
			return res.fail(err, relayerr.KindBundlerRejected, relayerr.StageSubmit, "bundler rejected operation")
		}

		polled := r.poll(ctx, res.BundlerOperationID, r.config.PollTimeout, submittedAt)
		m.to(polled.state)
		res.Status = polled.Status
		res.TransactionHash = polled.TransactionHash
		res.Error = polled.Error
		return res
	}
}

// prepare moves a built operation through sponsorship and signing. op itself is never
// modified.
func (r *Relayer) prepare(ctx context.Context, m *machine, op *userop.UserOperation, owner signer.Signer) (*userop.UserOperation, common.Hash, error) {
	quote, err := r.sponsor.Sponsor(ctx, op, r.config.EntryPoint)
	if err != nil {
		r.metrics.IncSponsorRequest("rejected")
		if _, ok := relayerr.As(err); !ok {
			err = relayerr.SponsorRejected("sponsor request failed", err)
		}
		return nil, common.Hash{}, err
	}

	sponsored := op.Copy()
	quote.Apply(sponsored)
	// the paymaster may price the operation itself, its fees are kept only if they pass policy
	if err := r.fees.Check(feesOf(sponsored)); err != nil {
		r.metrics.IncSponsorRequest("rejected")
		r.logger.Warn("sponsor quote fees outside fee policy", "sender", op.Sender.Hex(), "error", err)
		return nil, common.Hash{}, relayerr.SponsorRejected("sponsor returned fees outside the fee policy", err).
			WithDetail("maxFeePerGas", sponsored.MaxFeePerGas.String()).
			WithDetail("maxPriorityFeePerGas", sponsored.MaxPriorityFeePerGas.String())
	}
	r.metrics.IncSponsorRequest("accepted")
	m.to(StateSponsored)

	opHash, err := userop.Hash(sponsored, r.config.EntryPoint, r.config.ChainID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	sig, err := owner.SignUserOp(ctx, opHash)
	if err != nil {
		if _, ok := relayerr.As(err); !ok {
			err = relayerr.New(relayerr.KindEncoding, relayerr.StageSign, "signer failed", err)
		}
		return nil, common.Hash{}, err
	}
	sponsored.Signature = sig
	m.to(StateSigned)

	return sponsored, opHash, nil
}

// Submit sends a signed operation and classifies the bundler's answer into relay errors.
func (r *Relayer) Submit(ctx context.Context, op *userop.UserOperation) (string, error) {
	opID, err := r.bundler.SendUserOperation(ctx, op, r.config.EntryPoint)
	if err == nil {
		return opID, nil
	}

	switch {
	case bundler.IsReplacementUnderpriced(err):
		return "", relayerr.ReplacementRejected("bundler rejected replacement as underpriced", err)
	case bundler.IsInvalidNonce(err):
		return "", relayerr.New(relayerr.KindNonceUnavailable, relayerr.StageSubmit, "bundler rejected the nonce", err).
			WithDetail("nonce", op.Nonce.String())
	case isTimeout(err):
		return "", relayerr.New(relayerr.KindSubmissionTimeout, relayerr.StageSubmit, "no answer from bundler", err)
	}
	return "", relayerr.New(relayerr.KindBundlerRejected, relayerr.StageSubmit, "bundler rejected operation", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *Relayer) estimateGas(ctx context.Context, op *userop.UserOperation) {
	draft := op.Copy()
	draft.Signature = userop.DummySignature()

	est, err := r.bundler.EstimateUserOperationGas(ctx, draft, r.config.EntryPoint)
	if err != nil {
		r.logger.Warn("gas estimation failed, using default limits", "sender", op.Sender.Hex(), "error", err)
		return
	}
	if positive(est.CallGasLimit) {
		op.CallGasLimit = new(big.Int).Set(est.CallGasLimit)
	}
	if positive(est.VerificationGasLimit) {
		op.VerificationGasLimit = new(big.Int).Set(est.VerificationGasLimit)
	}
	if positive(est.PreVerificationGas) {
		op.PreVerificationGas = new(big.Int).Set(est.PreVerificationGas)
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func noGasHints(g userop.GasHints) bool {
	return g.CallGasLimit == nil && g.VerificationGasLimit == nil && g.PreVerificationGas == nil
}

func setFees(op *userop.UserOperation, f eip1559.Fees) {
	op.MaxFeePerGas = new(big.Int).Set(f.MaxFeePerGas)
	op.MaxPriorityFeePerGas = new(big.Int).Set(f.MaxPriorityFeePerGas)
}

func feesOf(op *userop.UserOperation) eip1559.Fees {
	return eip1559.Fees{MaxFeePerGas: op.MaxFeePerGas, MaxPriorityFeePerGas: op.MaxPriorityFeePerGas}
}

func replacementHint(err error) *eip1559.Fees {
	maxFee, priority, ok := bundler.ReplacementHint(err)
	if !ok {
		return nil
	}
	return &eip1559.Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}
}
