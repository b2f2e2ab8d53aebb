package aa

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

var (
	tokenA = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	tokenB = common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14")
	tokenC = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

func TestComposeSingleCallUsesExecute(t *testing.T) {
	data, err := Compose([]Call{{Target: tokenA, Value: big.NewInt(5), Data: []byte{0xaa}}})
	require.NoError(t, err)
	assert.Equal(t, simpleAccountABI.Methods["execute"].ID, data[:4])

	calls, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, tokenA, calls[0].Target)
	assert.Equal(t, int64(5), calls[0].Value.Int64())
	assert.Equal(t, []byte{0xaa}, calls[0].Data)
}

func TestComposeBatchPreservesOrder(t *testing.T) {
	in := []Call{
		{Target: tokenA, Data: []byte("approve")},
		{Target: tokenB, Data: []byte("spend")},
		{Target: tokenC, Data: []byte("settle")},
	}

	data, err := Compose(in)
	require.NoError(t, err)
	assert.Equal(t, simpleAccountABI.Methods["executeBatch"].ID, data[:4])

	out, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].Target, out[i].Target, "call %d", i)
		assert.Equal(t, in[i].Data, out[i].Data, "call %d", i)
	}
}

func TestComposeBatchWithValues(t *testing.T) {
	in := []Call{
		{Target: tokenA, Value: big.NewInt(1), Data: []byte{1}},
		{Target: tokenA, Value: big.NewInt(0), Data: []byte{2}},
		{Target: tokenB, Value: big.NewInt(3)},
	}

	data, err := Compose(in)
	require.NoError(t, err)
	assert.Equal(t, valueBatchABI.Methods["executeBatch"].ID, data[:4])

	out, err := DecodeCalls(data)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int64{1, 0, 3}, []int64{out[0].Value.Int64(), out[1].Value.Int64(), out[2].Value.Int64()})
	assert.Equal(t, tokenA, out[1].Target)
	assert.Empty(t, out[2].Data)
}

func TestComposeRejectsBadInput(t *testing.T) {
	_, err := Compose(nil)
	assert.ErrorIs(t, err, relayerr.ErrEncoding)

	_, err = Compose([]Call{{Data: []byte{1}}})
	assert.ErrorIs(t, err, relayerr.ErrEncoding)

	_, err = Compose([]Call{{Target: tokenA, Value: big.NewInt(-1)}})
	assert.ErrorIs(t, err, relayerr.ErrEncoding)
	assert.Equal(t, relayerr.StageCompose, relayerr.StageOf(err))
}

func TestDecodeUnknownSelector(t *testing.T) {
	_, err := DecodeCalls([]byte{1, 2, 3, 4, 5})
	assert.Error(t, err)
}

func TestPredictCreate2(t *testing.T) {
	// EIP-1014 example 0
	got := PredictCreate2(common.Address{}, big.NewInt(0), crypto.Keccak256Hash([]byte{0x00}))
	assert.Equal(t, common.HexToAddress("0x4D1A2e2bB4F88F0250f26Ffff098B0b30B26BF38"), got)
}
