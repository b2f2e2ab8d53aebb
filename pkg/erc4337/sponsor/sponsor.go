// Package sponsor asks a paymaster service to pay for an operation's gas.
package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/ap-relay/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/pkg/relayerr"
)

const (
	MethodSponsorUserOperation = "pm_sponsorUserOperation"
	MethodAlchemyGasManager    = "alchemy_requestGasAndPaymasterAndData"

	DefaultTimeout = 10 * time.Second
)

type Config struct {
	URL      string
	Method   string
	PolicyID string
	Timeout  time.Duration
}

// Quote is what the paymaster returned for one build attempt. Nil gas fields were not
// returned and leave the operation untouched.
type Quote struct {
	PaymasterAndData     []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Apply writes the quote into op exactly as returned. The paymaster signature covers these
// fields so none of them may be adjusted afterwards.
func (q *Quote) Apply(op *userop.UserOperation) {
	op.PaymasterAndData = append([]byte{}, q.PaymasterAndData...)
	if q.CallGasLimit != nil {
		op.CallGasLimit = new(big.Int).Set(q.CallGasLimit)
	}
	if q.VerificationGasLimit != nil {
		op.VerificationGasLimit = new(big.Int).Set(q.VerificationGasLimit)
	}
	if q.PreVerificationGas != nil {
		op.PreVerificationGas = new(big.Int).Set(q.PreVerificationGas)
	}
	if q.MaxFeePerGas != nil {
		op.MaxFeePerGas = new(big.Int).Set(q.MaxFeePerGas)
	}
	if q.MaxPriorityFeePerGas != nil {
		op.MaxPriorityFeePerGas = new(big.Int).Set(q.MaxPriorityFeePerGas)
	}
}

type Client struct {
	httpClient *resty.Client
	cfg        Config
	logger     logger.Logger
}

func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sponsor url is required")
	}
	switch cfg.Method {
	case "":
		cfg.Method = MethodSponsorUserOperation
	case MethodSponsorUserOperation, MethodAlchemyGasManager:
	default:
		return nil, fmt.Errorf("unsupported sponsor method %q", cfg.Method)
	}
	if cfg.Method == MethodAlchemyGasManager && cfg.PolicyID == "" {
		return nil, fmt.Errorf("%s requires a policy id", MethodAlchemyGasManager)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		httpClient: client,
		cfg:        cfg,
		logger:     logger.EnsureLogger(log),
	}, nil
}

type jsonRPCRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type quoteFields struct {
	PaymasterAndData     string `mapstructure:"paymasterAndData"`
	CallGasLimit         string `mapstructure:"callGasLimit"`
	VerificationGasLimit string `mapstructure:"verificationGasLimit"`
	PreVerificationGas   string `mapstructure:"preVerificationGas"`
	MaxFeePerGas         string `mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas string `mapstructure:"maxPriorityFeePerGas"`
}

func (c *Client) params(op *userop.UserOperation, entryPoint common.Address) []interface{} {
	if c.cfg.Method == MethodAlchemyGasManager {
		return []interface{}{map[string]interface{}{
			"policyId":       c.cfg.PolicyID,
			"entryPoint":     entryPoint.Hex(),
			"dummySignature": hexutil.Encode(op.Signature),
			"userOperation": map[string]interface{}{
				"sender":   op.Sender.Hex(),
				"nonce":    (*hexutil.Big)(op.Nonce),
				"initCode": hexutil.Bytes(op.InitCode),
				"callData": hexutil.Bytes(op.CallData),
			},
			"overrides": map[string]interface{}{
				"maxFeePerGas":         (*hexutil.Big)(op.MaxFeePerGas),
				"maxPriorityFeePerGas": (*hexutil.Big)(op.MaxPriorityFeePerGas),
			},
		}}
	}

	params := []interface{}{op, entryPoint.Hex()}
	if c.cfg.PolicyID != "" {
		params = append(params, map[string]string{"policyId": c.cfg.PolicyID})
	}
	return params
}

// Sponsor requests paymasterAndData for op. The request carries a copy of op with a
// placeholder signature and no previous paymaster data. Every failure is a SponsorRejected
// error and is never retried here.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*Quote, error) {
	unsigned := op.Copy()
	unsigned.Signature = userop.DummySignature()
	unsigned.PaymasterAndData = []byte{}

	var response jsonRPCResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(jsonRPCRequest{Jsonrpc: "2.0", ID: 1, Method: c.cfg.Method, Params: c.params(unsigned, entryPoint)}).
		SetResult(&response).
		SetError(&response).
		Post(c.cfg.URL)
	if err != nil {
		return nil, relayerr.SponsorRejected("sponsor request failed", err)
	}

	if response.Error != nil {
		c.logger.Warn("sponsor rejected operation", "sender", op.Sender.Hex(), "code", response.Error.Code, "message", response.Error.Message)
		return nil, relayerr.SponsorRejected(response.Error.Message, nil).
			WithDetail("code", response.Error.Code).
			WithDetail("data", response.Error.Data)
	}
	if resp.IsError() {
		return nil, relayerr.SponsorRejected(fmt.Sprintf("sponsor responded with HTTP %d", resp.StatusCode()), nil).
			WithDetail("status", resp.StatusCode())
	}

	quote, err := decodeQuote(response.Result)
	if err != nil {
		return nil, relayerr.SponsorRejected("malformed sponsor result", err)
	}
	c.logger.Debug("operation sponsored", "sender", op.Sender.Hex(), "paymaster", common.BytesToAddress(quote.PaymasterAndData[:common.AddressLength]).Hex())
	return quote, nil
}

// decodeQuote accepts either a bare paymasterAndData hex string or an object carrying it
// together with gas limits.
func decodeQuote(raw json.RawMessage) (*Quote, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("empty result")
	}

	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	var fields quoteFields
	switch v := result.(type) {
	case string:
		fields.PaymasterAndData = v
	case map[string]interface{}:
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &fields,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected result type %T", result)
	}

	pmd, err := hexutil.Decode(fields.PaymasterAndData)
	if err != nil {
		return nil, fmt.Errorf("paymasterAndData: %w", err)
	}
	if len(pmd) < common.AddressLength {
		return nil, fmt.Errorf("paymasterAndData is shorter than a paymaster address")
	}

	q := &Quote{PaymasterAndData: pmd}
	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"callGasLimit", fields.CallGasLimit, &q.CallGasLimit},
		{"verificationGasLimit", fields.VerificationGasLimit, &q.VerificationGasLimit},
		{"preVerificationGas", fields.PreVerificationGas, &q.PreVerificationGas},
		{"maxFeePerGas", fields.MaxFeePerGas, &q.MaxFeePerGas},
		{"maxPriorityFeePerGas", fields.MaxPriorityFeePerGas, &q.MaxPriorityFeePerGas},
	} {
		if f.raw == "" {
			continue
		}
		n, ok := parseQuantity(f.raw)
		if !ok {
			return nil, fmt.Errorf("%s: invalid quantity %q", f.name, f.raw)
		}
		*f.dst = n
	}
	return q, nil
}

func parseQuantity(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}
