package sponsor

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

var (
	entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	paymaster  = "0x1e1b71a50e5a6d4e3e2a7cb9c6a8b5e0e7c8d9f0"
)

type captured struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *captured, *atomic.Int32) {
	t.Helper()
	var req captured
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &req, hits
}

func testOp(t *testing.T) *userop.UserOperation {
	op, err := userop.Build(userop.BuildParams{
		Sender:   common.HexToAddress("0x5Df343de7d99fd64b2479189692C1dAb8f46184a"),
		Nonce:    big.NewInt(3),
		CallData: []byte{0xb6, 0x1d, 0x27, 0xf6},
	})
	require.NoError(t, err)
	op.MaxFeePerGas = big.NewInt(1000)
	op.MaxPriorityFeePerGas = big.NewInt(100)
	op.Signature = []byte{0x01, 0x02}
	op.PaymasterAndData = common.FromHex(paymaster + "dead")
	return op
}

func TestSponsorObjectResult(t *testing.T) {
	srv, req, _ := newServer(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{
		"paymasterAndData":"`+paymaster+`beef",
		"callGasLimit":"0x1000",
		"verificationGasLimit":"0x2000",
		"preVerificationGas":12345}}`)

	client, err := NewClient(Config{URL: srv.URL, PolicyID: "policy-1"}, nil)
	require.NoError(t, err)

	op := testOp(t)
	quote, err := client.Sponsor(context.Background(), op, entryPoint)
	require.NoError(t, err)

	assert.Equal(t, MethodSponsorUserOperation, req.Method)
	require.Len(t, req.Params, 3)

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(req.Params[0], &sent))
	assert.Equal(t, userop.DummySignature(), sent.Signature, "request must carry the placeholder signature")
	assert.Empty(t, sent.PaymasterAndData)
	assert.JSONEq(t, `{"policyId":"policy-1"}`, string(req.Params[2]))

	// the caller's operation is not touched by the request
	assert.Equal(t, []byte{0x01, 0x02}, op.Signature)

	quote.Apply(op)
	assert.Equal(t, common.FromHex(paymaster+"beef"), op.PaymasterAndData)
	assert.Equal(t, int64(0x1000), op.CallGasLimit.Int64())
	assert.Equal(t, int64(0x2000), op.VerificationGasLimit.Int64())
	assert.Equal(t, int64(12345), op.PreVerificationGas.Int64())
	assert.Equal(t, int64(1000), op.MaxFeePerGas.Int64(), "fees not returned are left alone")
}

func TestSponsorStringResult(t *testing.T) {
	srv, _, _ := newServer(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"`+paymaster+`01"}`)
	client, err := NewClient(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	op := testOp(t)
	gas := new(big.Int).Set(op.CallGasLimit)
	quote, err := client.Sponsor(context.Background(), op, entryPoint)
	require.NoError(t, err)

	quote.Apply(op)
	assert.Equal(t, common.FromHex(paymaster+"01"), op.PaymasterAndData)
	assert.Equal(t, gas, op.CallGasLimit)
}

func TestSponsorRejectionIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rpc error", http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":-32500,"message":"policy limit reached"}}`},
		{"http error with rpc body", http.StatusTooManyRequests, `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"rate limited"}}`},
		{"http error", http.StatusInternalServerError, `{}`},
		{"empty paymaster data", http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"0x"}`},
		{"null result", http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, hits := newServer(t, tt.status, tt.body)
			client, err := NewClient(Config{URL: srv.URL}, nil)
			require.NoError(t, err)

			quote, err := client.Sponsor(context.Background(), testOp(t), entryPoint)
			assert.Nil(t, quote)
			assert.ErrorIs(t, err, relayerr.ErrSponsorRejected)
			assert.Equal(t, relayerr.StageSponsor, relayerr.StageOf(err))
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestSponsorAlchemyRequestShape(t *testing.T) {
	srv, req, _ := newServer(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{
		"paymasterAndData":"`+paymaster+`",
		"callGasLimit":"0x1",
		"verificationGasLimit":"0x2",
		"preVerificationGas":"0x3",
		"maxFeePerGas":"0x4d2",
		"maxPriorityFeePerGas":"0x64"}}`)

	client, err := NewClient(Config{URL: srv.URL, Method: MethodAlchemyGasManager, PolicyID: "gm"}, nil)
	require.NoError(t, err)

	op := testOp(t)
	quote, err := client.Sponsor(context.Background(), op, entryPoint)
	require.NoError(t, err)

	assert.Equal(t, MethodAlchemyGasManager, req.Method)
	require.Len(t, req.Params, 1)
	var p struct {
		PolicyID       string        `json:"policyId"`
		EntryPoint     string        `json:"entryPoint"`
		DummySignature hexutil.Bytes `json:"dummySignature"`
	}
	require.NoError(t, json.Unmarshal(req.Params[0], &p))
	assert.Equal(t, "gm", p.PolicyID)
	assert.Equal(t, entryPoint.Hex(), p.EntryPoint)
	assert.Equal(t, userop.DummySignature(), []byte(p.DummySignature))

	quote.Apply(op)
	assert.Equal(t, int64(1234), op.MaxFeePerGas.Int64())
	assert.Equal(t, int64(100), op.MaxPriorityFeePerGas.Int64())
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "http://localhost", Method: "pm_unknown"}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{URL: "http://localhost", Method: MethodAlchemyGasManager}, nil)
	assert.Error(t, err)
}
