package userop

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

var (
	DefaultCallGasLimit            = big.NewInt(200000)
	DefaultVerificationGasLimit    = big.NewInt(1000000)
	DefaultPreVerificationGas      = big.NewInt(50000)
	DeploymentVerificationGasLimit = big.NewInt(3000000)
	maxNonceKey                    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1))
	maxNonceSequence               = new(big.Int).SetUint64(^uint64(0))
	dummySignatureHex              = "0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c"
)

// GasHints are optional caller-provided gas limits. Nil fields use the defaults.
type GasHints struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

type BuildParams struct {
	Sender   common.Address
	Nonce    *big.Int
	InitCode []byte
	CallData []byte
	Gas      GasHints
}

// Build assembles an unsigned, unsponsored operation. Fee fields are zero until the fee
// controller fills them in.
func Build(p BuildParams) (*UserOperation, error) {
	if p.Sender == (common.Address{}) {
		return nil, relayerr.Encoding(relayerr.StageBuild, "sender address is empty")
	}
	if err := checkUint256("nonce", p.Nonce); err != nil {
		return nil, err
	}
	if len(p.CallData) == 0 {
		return nil, relayerr.Encoding(relayerr.StageBuild, "callData is empty")
	}
	if len(p.InitCode) > 0 && len(p.InitCode) < common.AddressLength {
		return nil, relayerr.Encoding(relayerr.StageBuild, "initCode is shorter than a factory address")
	}

	verificationDefault := DefaultVerificationGasLimit
	if len(p.InitCode) > 0 {
		verificationDefault = DeploymentVerificationGasLimit
	}

	return &UserOperation{
		Sender:               p.Sender,
		Nonce:                copyBig(p.Nonce),
		InitCode:             copyBytes(p.InitCode),
		CallData:             copyBytes(p.CallData),
		CallGasLimit:         orDefault(p.Gas.CallGasLimit, DefaultCallGasLimit),
		VerificationGasLimit: orDefault(p.Gas.VerificationGasLimit, verificationDefault),
		PreVerificationGas:   orDefault(p.Gas.PreVerificationGas, DefaultPreVerificationGas),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(0),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}, nil
}

func orDefault(v, def *big.Int) *big.Int {
	if v == nil || v.Sign() <= 0 {
		return new(big.Int).Set(def)
	}
	return new(big.Int).Set(v)
}

// ParseAddress accepts only a 0x-prefixed 20 byte hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, relayerr.Encoding(relayerr.StageBuild, "address %q lacks 0x prefix", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, relayerr.Encoding(relayerr.StageBuild, "malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

// EncodeNonce packs a 192 bit key and 64 bit sequence into the EntryPoint nonce.
func EncodeNonce(key *big.Int, seq uint64) (*big.Int, error) {
	if key == nil {
		key = big.NewInt(0)
	}
	if key.Sign() < 0 || key.Cmp(maxNonceKey) > 0 {
		return nil, relayerr.Encoding(relayerr.StageNonce, "nonce key does not fit in 192 bits")
	}
	n := new(big.Int).Lsh(key, 64)
	return n.Or(n, new(big.Int).SetUint64(seq)), nil
}

// DecodeNonce splits an EntryPoint nonce into key and sequence.
func DecodeNonce(n *big.Int) (*big.Int, uint64) {
	if n == nil {
		return big.NewInt(0), 0
	}
	key := new(big.Int).Rsh(n, 64)
	seq := new(big.Int).And(n, maxNonceSequence)
	return key, seq.Uint64()
}

// DummySignature is a well formed 65 byte signature that recovers to no owner. Paymasters
// simulate validation with it before the real signature exists.
func DummySignature() []byte {
	return hexutil.MustDecode(dummySignatureHex)
}
