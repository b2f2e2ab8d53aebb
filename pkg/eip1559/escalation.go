package eip1559

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

const (
	DefaultMaxAttempts = 5
	MinBufferPercent   = 20
)

var (
	// mempool replacement rules want at least a 10% increase, bundlers commonly ask for more
	DefaultBumpFactor = decimal.RequireFromString("1.2")
	one               = big.NewInt(1)
)

// Fees are the two EIP-1559 fields of a user operation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (f Fees) String() string {
	return fmt.Sprintf("maxFee=%s priority=%s", f.MaxFeePerGas, f.MaxPriorityFeePerGas)
}

type Policy struct {
	// BufferPercent is added on top of the network suggestion. Must be at least 20.
	BufferPercent decimal.Decimal
	// PriorityFloor and MaxFeeFloor are the minimum values bundlers accept.
	PriorityFloor *big.Int
	MaxFeeFloor   *big.Int
	// Ceiling bounds both fields so sponsorship cost stays bounded. Nil means no ceiling.
	Ceiling    *big.Int
	BumpFactor decimal.Decimal
	// MaxAttempts bounds the submissions of one operation, the first one included.
	MaxAttempts int
}

// Controller is the single place fee fields are derived and escalated.
type Controller struct {
	policy Policy
	buffer decimal.Decimal
}

func NewController(p Policy) (*Controller, error) {
	if p.BufferPercent.LessThan(decimal.NewFromInt(MinBufferPercent)) {
		return nil, fmt.Errorf("fee buffer must be at least %d%%, got %s%%", MinBufferPercent, p.BufferPercent)
	}
	if p.BumpFactor.IsZero() {
		p.BumpFactor = DefaultBumpFactor
	}
	if p.BumpFactor.LessThan(DefaultBumpFactor) {
		return nil, fmt.Errorf("bump factor must be at least %s, got %s", DefaultBumpFactor, p.BumpFactor)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.PriorityFloor == nil {
		p.PriorityFloor = big.NewInt(0)
	}
	if p.MaxFeeFloor == nil {
		p.MaxFeeFloor = big.NewInt(0)
	}
	if p.PriorityFloor.Cmp(p.MaxFeeFloor) > 0 {
		return nil, fmt.Errorf("priority fee floor %s is above max fee floor %s", p.PriorityFloor, p.MaxFeeFloor)
	}
	if p.Ceiling != nil && p.Ceiling.Cmp(p.MaxFeeFloor) < 0 {
		return nil, fmt.Errorf("fee ceiling %s is below max fee floor %s", p.Ceiling, p.MaxFeeFloor)
	}

	return &Controller{
		policy: p,
		buffer: decimal.NewFromInt(1).Add(p.BufferPercent.Div(decimal.NewFromInt(100))),
	}, nil
}

func (c *Controller) MaxAttempts() int {
	return c.policy.MaxAttempts
}

func scale(v *big.Int, factor decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(factor).Floor().BigInt()
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// InitialFees applies the buffer, floor and ceiling to a network estimate.
func (c *Controller) InitialFees(estimate *NetworkFee) (Fees, error) {
	if estimate == nil || estimate.MaxFee == nil || estimate.Tip == nil {
		return Fees{}, relayerr.Encoding(relayerr.StageFees, "network fee estimate is incomplete")
	}

	priority := maxBig(scale(estimate.Tip, c.buffer), c.policy.PriorityFloor)
	maxFee := maxBig(scale(estimate.MaxFee, c.buffer), c.policy.MaxFeeFloor)
	maxFee = maxBig(maxFee, priority)

	if c.policy.Ceiling != nil {
		maxFee = minBig(maxFee, c.policy.Ceiling)
	}
	priority = minBig(priority, maxFee)

	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
}

// Check rejects fees set outside the controller, such as a paymaster quote, that break
// maxFee >= priority or go above the ceiling.
func (c *Controller) Check(f Fees) error {
	if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("incomplete fees: %s", f)
	}
	if f.MaxFeePerGas.Cmp(f.MaxPriorityFeePerGas) < 0 {
		return fmt.Errorf("max fee %s is below priority fee %s", f.MaxFeePerGas, f.MaxPriorityFeePerGas)
	}
	if c.policy.Ceiling != nil && f.MaxFeePerGas.Cmp(c.policy.Ceiling) > 0 {
		return fmt.Errorf("max fee %s exceeds ceiling %s", f.MaxFeePerGas, c.policy.Ceiling)
	}
	return nil
}

// Bump computes the fees for fee bump number `attempt` (1-based), which would be submission
// attempt+1. With a hint (the fees of the operation currently occupying the nonce) the hint
// is escalated, otherwise the previous attempt's fees are. Each field becomes
// base*factor + 1 wei.
func (c *Controller) Bump(previous Fees, hint *Fees, attempt int) (Fees, error) {
	if attempt >= c.policy.MaxAttempts {
		return Fees{}, relayerr.FeeEscalationExhausted(attempt-1,
			fmt.Sprintf("replacement still rejected after %d attempts", c.policy.MaxAttempts))
	}

	base := previous
	if hint != nil && hint.MaxFeePerGas != nil && hint.MaxPriorityFeePerGas != nil {
		base = *hint
	}
	if base.MaxFeePerGas == nil || base.MaxPriorityFeePerGas == nil {
		return Fees{}, relayerr.Encoding(relayerr.StageFees, "cannot bump incomplete fees")
	}

	priority := new(big.Int).Add(scale(base.MaxPriorityFeePerGas, c.policy.BumpFactor), one)
	maxFee := new(big.Int).Add(scale(base.MaxFeePerGas, c.policy.BumpFactor), one)

	priority = maxBig(priority, c.policy.PriorityFloor)
	maxFee = maxBig(maxFee, c.policy.MaxFeeFloor)
	maxFee = maxBig(maxFee, priority)

	if c.policy.Ceiling != nil && maxFee.Cmp(c.policy.Ceiling) > 0 {
		return Fees{}, relayerr.FeeEscalationExhausted(attempt-1,
			fmt.Sprintf("bumped max fee %s exceeds ceiling %s", maxFee, c.policy.Ceiling)).
			WithDetail("ceiling", c.policy.Ceiling.String())
	}

	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}, nil
}
