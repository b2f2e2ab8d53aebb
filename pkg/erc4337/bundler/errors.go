package bundler

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCError is a JSON-RPC error returned by the bundler.
type RPCError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// classify turns go-ethereum's rpc error into *RPCError so callers can inspect the data field.
func classify(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}

	out := &RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return strings.ToLower(err.Error())
}

// IsReplacementUnderpriced reports whether the bundler refused the operation because another
// one with a competitive fee already occupies the nonce.
func IsReplacementUnderpriced(err error) bool {
	msg := message(err)
	return strings.Contains(msg, "replacement underpriced") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "replacement op underpriced")
}

// IsInvalidNonce reports an EntryPoint AA25 rejection.
func IsInvalidNonce(err error) bool {
	msg := message(err)
	return strings.Contains(msg, "aa25") || strings.Contains(msg, "invalid account nonce")
}

var (
	maxFeeInMessage      = regexp.MustCompile(`(?i)maxFeePerGas\D{0,24}?(0x[0-9a-f]+|\d+)`)
	priorityFeeInMessage = regexp.MustCompile(`(?i)maxPriorityFeePerGas\D{0,24}?(0x[0-9a-f]+|\d+)`)
)

func parseQuantity(v interface{}) (*big.Int, bool) {
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		if strings.HasPrefix(x, "0x") || strings.HasPrefix(x, "0X") {
			return new(big.Int).SetString(x[2:], 16)
		}
		return new(big.Int).SetString(x, 10)
	case float64:
		n, _ := new(big.Float).SetFloat64(x).Int(nil)
		return n, true
	}
	return nil, false
}

func lookup(data map[string]interface{}, keys ...string) (*big.Int, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if n, ok := parseQuantity(v); ok {
				return n, true
			}
		}
	}
	return nil, false
}

// ReplacementHint extracts the fees of the operation currently pending at the nonce from a
// replacement underpriced rejection, either from the error data or the message.
func ReplacementHint(err error) (maxFee *big.Int, priorityFee *big.Int, ok bool) {
	if !IsReplacementUnderpriced(err) {
		return nil, nil, false
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if data, isMap := rpcErr.Data.(map[string]interface{}); isMap {
			maxFee, okMax := lookup(data, "currentMaxFeePerGas", "currentMaxFee", "maxFeePerGas")
			priorityFee, okPriority := lookup(data, "currentMaxPriorityFeePerGas", "currentMaxPriorityFee", "maxPriorityFeePerGas")
			if okMax && okPriority {
				return maxFee, priorityFee, true
			}
		}
	}

	m := maxFeeInMessage.FindStringSubmatch(err.Error())
	p := priorityFeeInMessage.FindStringSubmatch(err.Error())
	if m == nil || p == nil {
		return nil, nil, false
	}
	maxFee, okMax := parseQuantity(m[1])
	priorityFee, okPriority := parseQuantity(p[1])
	if !okMax || !okPriority {
		return nil, nil, false
	}
	return maxFee, priorityFee, true
}
