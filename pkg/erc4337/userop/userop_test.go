package userop

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testSender     = common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a")
)

func sampleOp() *UserOperation {
	nonce, _ := EncodeNonce(big.NewInt(7), 3)
	return &UserOperation{
		Sender:               testSender,
		Nonce:                nonce,
		InitCode:             common.FromHex("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e75fbfb9cf"),
		CallData:             common.FromHex("0xb61d27f6000000000000000000000000"),
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(1000000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(30000000000),
		MaxPriorityFeePerGas: big.NewInt(2000000000),
		PaymasterAndData:     common.FromHex("0xb985af9f6b36e0e8e5b6b4e1c4e2c9b6f0a1b2c3"),
		Signature:            common.FromHex("0x1234"),
	}
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// manualHash re-derives the operation hash with plain byte concatenation
func manualHash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	var packed []byte
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	var outer []byte
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, word(chainID)...)
	return crypto.Keccak256Hash(outer)
}

func TestHashIsDeterministic(t *testing.T) {
	op := sampleOp()

	h1, err := Hash(op, testEntryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	h2, err := Hash(op.Copy(), testEntryPoint, big.NewInt(11155111))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, manualHash(op, testEntryPoint, big.NewInt(11155111)), h1)
}

func TestHashIgnoresSignature(t *testing.T) {
	op := sampleOp()
	signed := op.Copy()
	signed.Signature = DummySignature()

	assert.Equal(t, MustHash(op, testEntryPoint, big.NewInt(1)), MustHash(signed, testEntryPoint, big.NewInt(1)))
}

func TestHashChangesWithEveryHashedField(t *testing.T) {
	base := MustHash(sampleOp(), testEntryPoint, big.NewInt(1))

	mutations := map[string]func(op *UserOperation){
		"sender":               func(op *UserOperation) { op.Sender = common.HexToAddress("0x01") },
		"nonce":                func(op *UserOperation) { op.Nonce = big.NewInt(1) },
		"initCode":             func(op *UserOperation) { op.InitCode = nil },
		"callData":             func(op *UserOperation) { op.CallData = []byte{0x01} },
		"callGasLimit":         func(op *UserOperation) { op.CallGasLimit = big.NewInt(1) },
		"verificationGasLimit": func(op *UserOperation) { op.VerificationGasLimit = big.NewInt(1) },
		"preVerificationGas":   func(op *UserOperation) { op.PreVerificationGas = big.NewInt(1) },
		"maxFeePerGas":         func(op *UserOperation) { op.MaxFeePerGas = big.NewInt(1) },
		"maxPriorityFeePerGas": func(op *UserOperation) { op.MaxPriorityFeePerGas = big.NewInt(1) },
		"paymasterAndData":     func(op *UserOperation) { op.PaymasterAndData = nil },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			op := sampleOp()
			mutate(op)
			assert.NotEqual(t, base, MustHash(op, testEntryPoint, big.NewInt(1)))
		})
	}

	assert.NotEqual(t, base, MustHash(sampleOp(), testEntryPoint, big.NewInt(2)))
	assert.NotEqual(t, base, MustHash(sampleOp(), common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), big.NewInt(1)))
}

func TestHashRejectsOverflowAndNegative(t *testing.T) {
	op := sampleOp()
	op.CallGasLimit = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := Hash(op, testEntryPoint, big.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, relayerr.ErrEncoding)

	op = sampleOp()
	op.MaxFeePerGas = big.NewInt(-1)
	_, err = Hash(op, testEntryPoint, big.NewInt(1))
	assert.ErrorIs(t, err, relayerr.ErrEncoding)

	op = sampleOp()
	op.Nonce = nil
	_, err = Hash(op, testEntryPoint, big.NewInt(1))
	assert.ErrorIs(t, err, relayerr.ErrEncoding)
}

func TestBuildFallsBackToDefaults(t *testing.T) {
	op, err := Build(BuildParams{
		Sender:   testSender,
		Nonce:    big.NewInt(0),
		CallData: []byte{0xb6, 0x1d, 0x27, 0xf6},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultCallGasLimit, op.CallGasLimit)
	assert.Equal(t, DefaultVerificationGasLimit, op.VerificationGasLimit)
	assert.Equal(t, DefaultPreVerificationGas, op.PreVerificationGas)
	assert.Equal(t, int64(0), op.MaxFeePerGas.Int64())
	assert.Empty(t, op.PaymasterAndData)
	assert.Empty(t, op.Signature)
}

func TestBuildUsesDeploymentGasWithInitCode(t *testing.T) {
	op, err := Build(BuildParams{
		Sender:   testSender,
		Nonce:    big.NewInt(0),
		InitCode: sampleOp().InitCode,
		CallData: []byte{0x01},
		Gas:      GasHints{CallGasLimit: big.NewInt(90000)},
	})
	require.NoError(t, err)

	assert.Equal(t, DeploymentVerificationGasLimit, op.VerificationGasLimit)
	assert.Equal(t, int64(90000), op.CallGasLimit.Int64())
}

func TestBuildRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		params BuildParams
	}{
		{"empty sender", BuildParams{Nonce: big.NewInt(0), CallData: []byte{1}}},
		{"missing nonce", BuildParams{Sender: testSender, CallData: []byte{1}}},
		{"empty calldata", BuildParams{Sender: testSender, Nonce: big.NewInt(0)}},
		{"short initcode", BuildParams{Sender: testSender, Nonce: big.NewInt(0), CallData: []byte{1}, InitCode: []byte{1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.params)
			assert.ErrorIs(t, err, relayerr.ErrEncoding)
		})
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a")
	require.NoError(t, err)
	assert.Equal(t, testSender, addr)

	for _, bad := range []string{"", "5Df343de7d99fd64b2479189692C1dAb8f46184a", "0x1234", "0xzz f343de7d99fd64b2479189692C1dAb8f46184a"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, relayerr.ErrEncoding, bad)
	}
}

func TestNonceRoundTrip(t *testing.T) {
	key := new(big.Int).SetBytes(common.FromHex("0xabcdef0123456789abcdef0123456789abcdef0123456789"))
	n, err := EncodeNonce(key, 42)
	require.NoError(t, err)

	gotKey, gotSeq := DecodeNonce(n)
	assert.Equal(t, 0, key.Cmp(gotKey))
	assert.Equal(t, uint64(42), gotSeq)

	_, err = EncodeNonce(new(big.Int).Lsh(big.NewInt(1), 192), 0)
	assert.ErrorIs(t, err, relayerr.ErrEncoding)
}

func TestDummySignatureShape(t *testing.T) {
	sig := DummySignature()
	assert.Len(t, sig, 65)
	assert.Equal(t, byte(0x1c), sig[64])
}

func TestJSONWireFormat(t *testing.T) {
	op := sampleOp()
	raw, err := json.Marshal(op)
	require.NoError(t, err)

	s := string(raw)
	assert.True(t, strings.Contains(s, `"callGasLimit":"0x30d40"`), s)
	assert.True(t, strings.Contains(s, `"signature":"0x1234"`), s)

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, MustHash(op, testEntryPoint, big.NewInt(1)), MustHash(&decoded, testEntryPoint, big.NewInt(1)))
}

func TestCopyIsDeep(t *testing.T) {
	op := sampleOp()
	cp := op.Copy()
	cp.MaxFeePerGas.SetInt64(1)
	cp.CallData[0] = 0xff

	assert.Equal(t, int64(30000000000), op.MaxFeePerGas.Int64())
	assert.Equal(t, byte(0xb6), op.CallData[0])
}
