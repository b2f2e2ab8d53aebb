package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	// sender, nonce, keccak(initCode), keccak(callData), callGasLimit, verificationGasLimit,
	// preVerificationGas, maxFeePerGas, maxPriorityFeePerGas, keccak(paymasterAndData)
	packArgs = abi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: bytes32Type},
		{Type: bytes32Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: bytes32Type},
	}

	// keccak(pack(op)), entryPoint, chainId
	hashArgs = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// checkUint256 rejects values the ABI encoder would silently wrap
func checkUint256(field string, v *big.Int) error {
	if v == nil {
		return relayerr.Encoding(relayerr.StageBuild, "%s is missing", field)
	}
	if v.Sign() < 0 {
		return relayerr.Encoding(relayerr.StageBuild, "%s is negative: %s", field, v.String())
	}
	if v.Cmp(maxUint256) > 0 {
		return relayerr.Encoding(relayerr.StageBuild, "%s overflows uint256", field)
	}
	return nil
}

func keccak(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(b))
	return out
}

// Pack ABI-encodes every field except the signature, with dynamic byte fields replaced by
// their keccak256 digest.
func Pack(op *UserOperation) ([]byte, error) {
	fields := []struct {
		name  string
		value *big.Int
	}{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range fields {
		if err := checkUint256(f.name, f.value); err != nil {
			return nil, err
		}
	}

	packed, err := packArgs.Pack(
		op.Sender,
		op.Nonce,
		keccak(op.InitCode),
		keccak(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		keccak(op.PaymasterAndData),
	)
	if err != nil {
		return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageBuild, "cannot pack user operation", err)
	}
	return packed, nil
}

// Hash computes the user operation hash for a given entrypoint and chain. It is a pure
// function of its inputs.
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if err := checkUint256("chainId", chainID); err != nil {
		return common.Hash{}, err
	}

	packed, err := Pack(op)
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := hashArgs.Pack(keccak(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, relayerr.New(relayerr.KindEncoding, relayerr.StageBuild, "cannot pack user operation hash", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// MustHash is Hash for call sites that already validated the operation.
func MustHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	h, err := Hash(op, entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return h
}
