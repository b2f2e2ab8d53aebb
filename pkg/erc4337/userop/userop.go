// Package userop models an ERC-4337 v0.6 UserOperation and computes the hash the
// EntryPoint recomputes when it validates the signature.
package userop

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is the meta-transaction relayed on behalf of a smart account.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// userOperationJSON is the hex wire form shared by bundlers and paymasters.
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(big.NewInt(0))
	}
	return (*hexutil.Big)(v)
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationJSON{
		Sender:               op.Sender,
		Nonce:                toHexBig(op.Nonce),
		InitCode:             nonNilBytes(op.InitCode),
		CallData:             nonNilBytes(op.CallData),
		CallGasLimit:         toHexBig(op.CallGasLimit),
		VerificationGasLimit: toHexBig(op.VerificationGasLimit),
		PreVerificationGas:   toHexBig(op.PreVerificationGas),
		MaxFeePerGas:         toHexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: toHexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNilBytes(op.PaymasterAndData),
		Signature:            nonNilBytes(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	op.Sender = raw.Sender
	op.Nonce = fromHexBig(raw.Nonce)
	op.InitCode = raw.InitCode
	op.CallData = raw.CallData
	op.CallGasLimit = fromHexBig(raw.CallGasLimit)
	op.VerificationGasLimit = fromHexBig(raw.VerificationGasLimit)
	op.PreVerificationGas = fromHexBig(raw.PreVerificationGas)
	op.MaxFeePerGas = fromHexBig(raw.MaxFeePerGas)
	op.MaxPriorityFeePerGas = fromHexBig(raw.MaxPriorityFeePerGas)
	op.PaymasterAndData = raw.PaymasterAndData
	op.Signature = raw.Signature
	return nil
}

// hexutil.Bytes encodes nil as "0x" already, but a non-nil empty slice reads better in logs
func nonNilBytes(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Copy returns a deep copy. A signed operation is never mutated in place: fee bumps
// work on a copy and re-sign it.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             copyBytes(op.InitCode),
		CallData:             copyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     copyBytes(op.PaymasterAndData),
		Signature:            copyBytes(op.Signature),
	}
}

// IsSponsored reports whether a paymaster has been attached.
func (op *UserOperation) IsSponsored() bool {
	return len(op.PaymasterAndData) >= common.AddressLength
}

// Paymaster returns the paymaster address embedded in PaymasterAndData.
func (op *UserOperation) Paymaster() common.Address {
	if !op.IsSponsored() {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}
