package aa

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

// Call is one inner call executed by the smart account.
type Call struct {
	Target common.Address `json:"target" validate:"required"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return big.NewInt(0)
	}
	return c.Value
}

// PackExecute encodes a single execute(dest, value, func) call.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	return simpleAccountABI.Pack("execute", target, value, calldata)
}

// Compose turns an ordered list of calls into the account's callData. One call becomes
// execute, more become executeBatch in the same order. When every value is zero the plain
// executeBatch(address[],bytes[]) is used, otherwise the variant carrying values.
func Compose(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, relayerr.Encoding(relayerr.StageCompose, "no calls to compose")
	}
	for i, c := range calls {
		if c.Target == (common.Address{}) {
			return nil, relayerr.Encoding(relayerr.StageCompose, "call %d has no target", i)
		}
		if c.Value != nil && c.Value.Sign() < 0 {
			return nil, relayerr.Encoding(relayerr.StageCompose, "call %d has a negative value", i)
		}
	}

	if len(calls) == 1 {
		data, err := PackExecute(calls[0].Target, calls[0].value(), calls[0].Data)
		if err != nil {
			return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageCompose, "cannot pack execute", err)
		}
		return data, nil
	}

	targets := lo.Map(calls, func(c Call, _ int) common.Address { return c.Target })
	payloads := lo.Map(calls, func(c Call, _ int) []byte {
		if c.Data == nil {
			return []byte{}
		}
		return c.Data
	})
	values := lo.Map(calls, func(c Call, _ int) *big.Int { return c.value() })

	var (
		data []byte
		err  error
	)
	if lo.EveryBy(values, func(v *big.Int) bool { return v.Sign() == 0 }) {
		data, err = simpleAccountABI.Pack("executeBatch", targets, payloads)
	} else {
		data, err = valueBatchABI.Pack("executeBatch", targets, values, payloads)
	}
	if err != nil {
		return nil, relayerr.New(relayerr.KindEncoding, relayerr.StageCompose, "cannot pack executeBatch", err)
	}
	return data, nil
}

// DecodeCalls reverses Compose.
func DecodeCalls(callData []byte) ([]Call, error) {
	if len(callData) < 4 {
		return nil, fmt.Errorf("callData too short")
	}
	selector := callData[:4]

	execute := simpleAccountABI.Methods["execute"]
	batch := simpleAccountABI.Methods["executeBatch"]
	valueBatch := valueBatchABI.Methods["executeBatch"]

	switch {
	case bytes.Equal(selector, execute.ID):
		args, err := execute.Inputs.Unpack(callData[4:])
		if err != nil {
			return nil, err
		}
		return []Call{{
			Target: args[0].(common.Address),
			Value:  args[1].(*big.Int),
			Data:   args[2].([]byte),
		}}, nil

	case bytes.Equal(selector, batch.ID):
		args, err := batch.Inputs.Unpack(callData[4:])
		if err != nil {
			return nil, err
		}
		targets := args[0].([]common.Address)
		payloads := args[1].([][]byte)
		if len(targets) != len(payloads) {
			return nil, fmt.Errorf("executeBatch has %d targets and %d payloads", len(targets), len(payloads))
		}
		return lo.Map(targets, func(t common.Address, i int) Call {
			return Call{Target: t, Value: big.NewInt(0), Data: payloads[i]}
		}), nil

	case bytes.Equal(selector, valueBatch.ID):
		args, err := valueBatch.Inputs.Unpack(callData[4:])
		if err != nil {
			return nil, err
		}
		targets := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		payloads := args[2].([][]byte)
		if len(targets) != len(values) || len(targets) != len(payloads) {
			return nil, fmt.Errorf("executeBatch arrays differ in length")
		}
		return lo.Map(targets, func(t common.Address, i int) Call {
			return Call{Target: t, Value: values[i], Data: payloads[i]}
		}), nil
	}

	return nil, fmt.Errorf("unknown account method selector 0x%x", selector)
}
