package relayer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

type CallReq struct {
	To string `json:"to" validate:"required,eth_addr"`
	// wei, decimal or 0x prefixed hex
	Value string `json:"value"`
	Data  string `json:"data"`
}

type GasReq struct {
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
}

// OperationReq is the body of POST /v1/operations. Either calls or callData is required.
// Without a sender the smart account of the relay signer is resolved and deployed on first
// use.
type OperationReq struct {
	IdempotencyKey string    `json:"idempotencyKey" validate:"required,max=128"`
	Sender         string    `json:"sender" validate:"omitempty,eth_addr"`
	Calls          []CallReq `json:"calls" validate:"required_without=CallData,dive"`
	CallData       string    `json:"callData"`
	InitCode       string    `json:"initCode"`
	Gas            *GasReq   `json:"gas"`
}

var validate = validator.New()

// parsed form of OperationReq
type operation struct {
	idempotencyKey string
	sender         *common.Address
	calls          []aa.Call
	callData       []byte
	initCode       []byte
	gas            userop.GasHints
}

func (r *OperationReq) parse() (*operation, error) {
	if err := validate.Struct(r); err != nil {
		return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageCompose, "invalid request", err)
	}

	op := &operation{idempotencyKey: r.IdempotencyKey}
	if r.Sender != "" {
		sender := common.HexToAddress(r.Sender)
		op.sender = &sender
	}

	var err error
	for i, c := range r.Calls {
		call := aa.Call{Target: common.HexToAddress(c.To)}
		if call.Value, err = parseBig(c.Value); err != nil {
			return nil, relayerr.Encoding(relayerr.StageCompose, "calls[%d].value: %v", i, err)
		}
		if call.Data, err = parseBytes(c.Data); err != nil {
			return nil, relayerr.Encoding(relayerr.StageCompose, "calls[%d].data: %v", i, err)
		}
		op.calls = append(op.calls, call)
	}

	if op.callData, err = parseBytes(r.CallData); err != nil {
		return nil, relayerr.Encoding(relayerr.StageCompose, "callData: %v", err)
	}
	if op.initCode, err = parseBytes(r.InitCode); err != nil {
		return nil, relayerr.Encoding(relayerr.StageBuild, "initCode: %v", err)
	}

	if r.Gas != nil {
		fields := []struct {
			name string
			raw  string
			dst  **big.Int
		}{
			{"callGasLimit", r.Gas.CallGasLimit, &op.gas.CallGasLimit},
			{"verificationGasLimit", r.Gas.VerificationGasLimit, &op.gas.VerificationGasLimit},
			{"preVerificationGas", r.Gas.PreVerificationGas, &op.gas.PreVerificationGas},
		}
		for _, f := range fields {
			if *f.dst, err = parseBig(f.raw); err != nil {
				return nil, relayerr.Encoding(relayerr.StageBuild, "gas.%s: %v", f.name, err)
			}
		}
	}

	return op, nil
}

// parseBig accepts decimal or 0x hex. Empty is nil.
func parseBig(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return hexutil.DecodeBig(v)
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid number %q", v)
	}
	return n, nil
}

func parseBytes(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0x" {
		return nil, nil
	}
	return hexutil.Decode(v)
}
