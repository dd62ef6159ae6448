package bundler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrMissingURL        = errors.New("bundler url is required")
	ErrMissingEntryPoint = errors.New("entry point address is required")
	ErrMissingChainID    = errors.New("chain id is required")
	ErrChainIDMismatch   = errors.New("bundler chain id does not match")
	ErrEmptyResult       = errors.New("bundler returned an empty result")
	ErrUnknownGasTier    = errors.New("unknown gas price tier")
)

// RPCError is an error response from the bundler. Reason holds the decoded
// revert reason when the bundler attached revert data.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Reason  string
	Data    any
}

func (e *RPCError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (code %d): %s", e.Method, e.Message, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

// TimeoutError reports that polling for an operation gave up. The operation
// may still be included later; query it again by hash.
type TimeoutError struct {
	UserOpHash common.Hash
	Elapsed    time.Duration
	Method     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for user operation %s; query %s with this hash to check its status",
		e.Elapsed.Round(time.Millisecond), e.UserOpHash.Hex(), e.Method)
}

// newRPCError converts a JSON-RPC error response. Transport errors are
// returned unchanged.
func newRPCError(method string, err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	out := &RPCError{
		Method:  method,
		Code:    rpcErr.ErrorCode(),
		Message: rpcErr.Error(),
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
		out.Reason = revertReason(out.Data)
	}
	if out.Reason == "" {
		out.Reason = revertReason(out.Message)
	}
	return out
}

// revertReason decodes an Error(string) revert from data, which may be hex
// revert bytes, a message embedding them, or an object carrying either.
func revertReason(data any) string {
	switch v := data.(type) {
	case string:
		i := strings.Index(v, "0x08c379a0")
		if i < 0 {
			return ""
		}
		hex := v[i:]
		if end := strings.IndexFunc(hex[2:], func(r rune) bool { return !isHex(r) }); end >= 0 {
			hex = hex[:end+2]
		}
		raw, err := hexutil.Decode(hex)
		if err != nil {
			return ""
		}
		reason, err := abi.UnpackRevert(raw)
		if err != nil {
			return ""
		}
		return reason
	case map[string]any:
		for _, k := range []string{"revertData", "reason", "data"} {
			if r := revertReason(v[k]); r != "" {
				return r
			}
		}
		if s, ok := v["reason"].(string); ok {
			return s
		}
	}
	return ""
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
