package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SchemeKind is the closed set of factory deployment schemes the relay understands.
type SchemeKind string

const (
	// SchemeA deploys from an array of owner encodings and an integer salt
	SchemeA SchemeKind = "owners-array"
	// SchemeB deploys from a single owner address and an integer salt
	SchemeB SchemeKind = "owner-salt"
)

// FactoryScheme is a factory contract tagged with the way it derives account addresses.
type FactoryScheme struct {
	Kind    SchemeKind
	Factory common.Address
}

func (s FactoryScheme) String() string {
	return fmt.Sprintf("%s@%s", s.Kind, s.Factory.Hex())
}

func ParseSchemeKind(v string) (SchemeKind, error) {
	switch SchemeKind(v) {
	case SchemeA, SchemeB:
		return SchemeKind(v), nil
	}
	return "", fmt.Errorf("unknown factory scheme %q", v)
}

// DefaultSchemes are the factories tried when none are configured.
func DefaultSchemes() []FactoryScheme {
	return []FactoryScheme{
		{Kind: SchemeB, Factory: SimpleAccountFactoryAddress},
		{Kind: SchemeA, Factory: SmartWalletFactoryAddress},
	}
}

// ownerBytes is abi.encode(owner), the encoding the owners-array factory stores
func ownerBytes(owner common.Address) [][]byte {
	return [][]byte{common.LeftPadBytes(owner.Bytes(), 32)}
}

func (s FactoryScheme) pack(method string, owner common.Address, salt *big.Int) ([]byte, error) {
	switch s.Kind {
	case SchemeA:
		return ownersArrayFactoryABI.Pack(method, ownerBytes(owner), salt)
	case SchemeB:
		return ownerSaltFactoryABI.Pack(method, owner, salt)
	}
	return nil, fmt.Errorf("unknown factory scheme %q", s.Kind)
}

func (s FactoryScheme) unpackAddress(output []byte) (common.Address, error) {
	var (
		values []interface{}
		err    error
	)
	switch s.Kind {
	case SchemeA:
		values, err = ownersArrayFactoryABI.Unpack("getAddress", output)
	case SchemeB:
		values, err = ownerSaltFactoryABI.Unpack("getAddress", output)
	default:
		return common.Address{}, fmt.Errorf("unknown factory scheme %q", s.Kind)
	}
	if err != nil {
		return common.Address{}, err
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("getAddress returned %d values", len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getAddress returned %T", values[0])
	}
	return addr, nil
}

// InitCode returns factory ++ createAccount(...) for owner and salt.
func (s FactoryScheme) InitCode(owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := s.pack("createAccount", owner, salt)
	if err != nil {
		return nil, err
	}

	var data []byte
	data = append(data, s.Factory.Bytes()...)
	return append(data, calldata...), nil
}

// AddressOf asks the factory which address it would deploy for owner and salt.
func (s FactoryScheme) AddressOf(ctx context.Context, caller ethereum.ContractCaller, owner common.Address, salt *big.Int) (common.Address, error) {
	input, err := s.pack("getAddress", owner, salt)
	if err != nil {
		return common.Address{}, err
	}

	factory := s.Factory
	output, err := caller.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: input}, nil)
	if err != nil {
		return common.Address{}, err
	}
	return s.unpackAddress(output)
}

// PredictCreate2 computes the CREATE2 address for a deployer, an integer salt and the hash
// of the deployed init code, without touching the chain.
func PredictCreate2(deployer common.Address, salt *big.Int, initCodeHash common.Hash) common.Address {
	var s [32]byte
	salt.FillBytes(s[:])
	return crypto.CreateAddress2(deployer, s, initCodeHash.Bytes())
}
