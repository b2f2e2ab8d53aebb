package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

type gasEstimationJSON struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

func (g gasEstimationJSON) toEstimation() *GasEstimation {
	return &GasEstimation{
		PreVerificationGas:   (*big.Int)(g.PreVerificationGas),
		VerificationGasLimit: (*big.Int)(g.VerificationGasLimit),
		CallGasLimit:         (*big.Int)(g.CallGasLimit),
	}
}
