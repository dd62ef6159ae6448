package bundler_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/blndgs/sessionkit/bundler"
	"github.com/blndgs/sessionkit/bundler/bundlertest"
	"github.com/blndgs/sessionkit/userop"
)

var (
	entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	opHash     = common.HexToHash("0x8f5d4b4c7f4f2dbb5b9d6e6b0a3c1e0f0e2b9c1a7d3e5f60718293a4b5c6d7e8")
)

func fastPolling() bundler.PollingConfig {
	return bundler.PollingConfig{Interval: 10 * time.Millisecond, MaxDuration: 200 * time.Millisecond}
}

func newClient(t *testing.T, relay *bundlertest.Relay, mutate ...func(*bundler.Config)) *bundler.Client {
	t.Helper()
	cfg := bundler.Config{
		URL:        relay.URL(),
		EntryPoint: entryPoint,
		ChainID:    big.NewInt(137),
		Polling:    fastPolling(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := bundler.Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x01"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(2e9),
		MaxPriorityFeePerGas: big.NewInt(1e9),
		Signature:            []byte{0x01},
	}
}

func receiptJSON(block string) map[string]any {
	return map[string]any{
		"userOpHash":    opHash.Hex(),
		"entryPoint":    entryPoint.Hex(),
		"sender":        "0x0000000000000000000000000000000000000001",
		"nonce":         "0x0",
		"actualGasCost": "0x10",
		"actualGasUsed": "0x10",
		"success":       true,
		"receipt": map[string]any{
			"transactionHash": common.HexToHash("0xabc").Hex(),
			"blockNumber":     block,
			"status":          "0x1",
		},
	}
}

func TestConfigErrors(t *testing.T) {
	ctx := context.Background()
	_, err := bundler.Dial(ctx, bundler.Config{})
	require.ErrorIs(t, err, bundler.ErrMissingURL)

	relay := bundlertest.NewRelay(t)
	_, err = bundler.Dial(ctx, bundler.Config{URL: relay.URL(), ChainID: big.NewInt(1)})
	require.ErrorIs(t, err, bundler.ErrMissingEntryPoint)
	_, err = bundler.Dial(ctx, bundler.Config{URL: relay.URL(), EntryPoint: entryPoint})
	require.ErrorIs(t, err, bundler.ErrMissingChainID)
}

func TestVerifyChainID(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_chainId", "0x1")

	_, err := bundler.Dial(context.Background(), bundler.Config{
		URL: relay.URL(), EntryPoint: entryPoint, ChainID: big.NewInt(137), VerifyChainID: true,
	})
	require.ErrorIs(t, err, bundler.ErrChainIDMismatch)

	c := newClient(t, relay, func(cfg *bundler.Config) {
		cfg.ChainID = big.NewInt(1)
		cfg.VerifyChainID = true
	})
	require.Equal(t, fastPolling(), c.Polling())
}

func TestPollingDefaults(t *testing.T) {
	require.Equal(t, bundler.DefaultPolling, bundler.PollingFor(999999))
	require.Equal(t, 5*time.Second, bundler.DefaultPolling.Interval)
	require.Equal(t, 50*time.Second, bundler.DefaultPolling.MaxDuration)

	relay := bundlertest.NewRelay(t)
	c, err := bundler.Dial(context.Background(), bundler.Config{URL: relay.URL(), EntryPoint: entryPoint, ChainID: big.NewInt(8453)})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, bundler.ChainPolling[8453], c.Polling())
}

func TestEstimateUserOperationGas(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_estimateUserOperationGas", map[string]string{
		"preVerificationGas":   "0xc350",
		"verificationGasLimit": "0x186a0",
		"callGasLimit":         "0x30d40",
	})
	c := newClient(t, relay)

	op := signedOp()
	op.CallGasLimit = nil
	est, err := c.EstimateUserOperationGas(context.Background(), op)
	require.NoError(t, err)
	est.Apply(op)
	require.Equal(t, big.NewInt(200000), op.CallGasLimit)
	require.Equal(t, big.NewInt(100000), op.VerificationGasLimit)
	require.Equal(t, big.NewInt(50000), op.PreVerificationGas)

	params := relay.Params("eth_estimateUserOperationGas")
	require.Len(t, params, 1)
	require.Len(t, params[0], 2)
	var ep common.Address
	require.NoError(t, json.Unmarshal(params[0][1], &ep))
	require.Equal(t, entryPoint, ep)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(params[0][0], &wire))
	require.Equal(t, "0x0", wire["callGasLimit"])
}

func TestEstimateRevertReason(t *testing.T) {
	revert := crypto.Keccak256([]byte("Error(string)"))[:4]
	stringT, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	reason, err := abi.Arguments{{Type: stringT}}.Pack("insufficient allowance")
	require.NoError(t, err)
	data := "0x" + common.Bytes2Hex(append(revert, reason...))

	tests := []struct {
		name string
		err  *bundlertest.Error
	}{
		{"data string", &bundlertest.Error{Code: -32521, Message: "execution reverted", Data: data}},
		{"data object", &bundlertest.Error{Code: -32521, Message: "execution reverted", Data: map[string]any{"revertData": data}}},
		{"message", &bundlertest.Error{Code: -32500, Message: "AA23 reverted " + data}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := bundlertest.NewRelay(t)
			relay.Fail("eth_estimateUserOperationGas", tt.err)
			c := newClient(t, relay)

			_, err := c.EstimateUserOperationGas(context.Background(), signedOp())
			var rpcErr *bundler.RPCError
			require.ErrorAs(t, err, &rpcErr)
			require.Equal(t, tt.err.Code, rpcErr.Code)
			require.Equal(t, "eth_estimateUserOperationGas", rpcErr.Method)
			require.Equal(t, "insufficient allowance", rpcErr.Reason)
			require.Contains(t, err.Error(), "insufficient allowance")
		})
	}
}

func TestGasPrice(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	tiers := map[string]any{
		"slow":     map[string]string{"maxFeePerGas": "0x1", "maxPriorityFeePerGas": "0x1"},
		"standard": map[string]string{"maxFeePerGas": "0x2", "maxPriorityFeePerGas": "0x1"},
		"fast":     map[string]string{"maxFeePerGas": "0x3", "maxPriorityFeePerGas": "0x2"},
	}
	relay.Result(bundler.DefaultGasPriceMethod, tiers)
	relay.Result("custom_gasPrice", tiers)

	fees, err := newClient(t, relay).GasPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2), fees.MaxFeePerGas.ToInt())

	fast := newClient(t, relay, func(cfg *bundler.Config) {
		cfg.GasPriceMethod = "custom_gasPrice"
		cfg.GasTier = bundler.GasTierFast
	})
	fees, err = fast.GasPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(3), fees.MaxFeePerGas.ToInt())
	require.Equal(t, 1, relay.Calls("custom_gasPrice"))

	prices, err := fast.GasPrices(context.Background())
	require.NoError(t, err)
	_, err = prices.Tier("ludicrous")
	require.ErrorIs(t, err, bundler.ErrUnknownGasTier)
}

func TestSendUserOperationRequiresValidOp(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	c := newClient(t, relay)

	op := signedOp()
	op.Signature = nil
	_, err := c.SendUserOperation(context.Background(), op)
	require.ErrorIs(t, err, userop.ErrNoSignatureValue)
	require.Zero(t, relay.Calls("eth_sendUserOperation"))
}

func TestWaitResolvesAndIsIdempotent(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_sendUserOperation", opHash.Hex())
	var polls atomic.Int32
	relay.Handle("eth_getUserOperationReceipt", func([]json.RawMessage) (any, error) {
		if polls.Add(1) < 3 {
			return nil, nil
		}
		return receiptJSON("0x10"), nil
	})
	c := newClient(t, relay)

	resp, err := c.SendUserOperation(context.Background(), signedOp())
	require.NoError(t, err)
	require.Equal(t, opHash, resp.Hash)
	require.Equal(t, bundler.StateSubmitted, resp.State())

	first, err := resp.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, bundler.StateMined, resp.State())
	require.Equal(t, int64(16), first.BlockNumber().Int64())
	require.True(t, first.Success)

	calls := relay.Calls("eth_getUserOperationReceipt")
	second, err := resp.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, calls, relay.Calls("eth_getUserOperationReceipt"))
}

func TestWaitConfirmations(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_getUserOperationReceipt", receiptJSON("0x10"))
	var head atomic.Int64
	head.Store(0x10)
	relay.Handle("eth_blockNumber", func([]json.RawMessage) (any, error) {
		return "0x" + big.NewInt(head.Add(1)).Text(16), nil
	})
	c := newClient(t, relay)

	rcpt, err := c.Track(opHash).Wait(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	require.GreaterOrEqual(t, head.Load()-0x10, int64(3))
}

func receiptOutcome(outcome string) prometheus.Collector {
	return bundler.ReceiptOutcomesTotal.WithLabelValues(outcome)
}

func TestWaitTimeout(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_getUserOperationReceipt", nil)
	c := newClient(t, relay)
	before := testutil.ToFloat64(receiptOutcome("timed_out"))

	resp := c.Track(opHash)
	_, err := resp.Wait(context.Background(), 0)
	var timeout *bundler.TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, opHash, timeout.UserOpHash)
	require.GreaterOrEqual(t, timeout.Elapsed, fastPolling().MaxDuration)
	require.Contains(t, err.Error(), opHash.Hex())
	require.Contains(t, err.Error(), "eth_getUserOperationReceipt")
	require.Equal(t, bundler.StateTimedOut, resp.State())
	require.Equal(t, before+1, testutil.ToFloat64(receiptOutcome("timed_out")))

	// A later wait polls again instead of resolving with a stale result.
	_, err = resp.Wait(context.Background(), 0)
	require.ErrorAs(t, err, &timeout)

	relay.Result("eth_getUserOperationReceipt", receiptJSON("0x20"))
	rcpt, err := resp.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(32), rcpt.BlockNumber().Int64())
}

func TestWaitTransportErrorIsNotRetried(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Fail("eth_getUserOperationReceipt", &bundlertest.Error{Code: -32603, Message: "internal error"})
	c := newClient(t, relay)

	resp := c.Track(opHash)
	_, err := resp.Wait(context.Background(), 0)
	var rpcErr *bundler.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, bundler.StateError, resp.State())
	require.Equal(t, 1, relay.Calls("eth_getUserOperationReceipt"))
}

func TestWaitContextCancel(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_getUserOperationReceipt", nil)
	c := newClient(t, relay, func(cfg *bundler.Config) {
		cfg.Polling = bundler.PollingConfig{Interval: 10 * time.Millisecond, MaxDuration: time.Minute}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := c.Track(opHash)
	_, err := resp.Wait(ctx, 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, bundler.StateSubmitted, resp.State())
}

func TestWaitContextCancelDuringRequest(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Handle("eth_getUserOperationReceipt", func([]json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	c := newClient(t, relay, func(cfg *bundler.Config) {
		cfg.Polling = bundler.PollingConfig{Interval: 10 * time.Millisecond, MaxDuration: time.Minute}
	})
	before := testutil.ToFloat64(receiptOutcome("error"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := c.Track(opHash)
	_, err := resp.Wait(ctx, 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, bundler.StateSubmitted, resp.State())
	require.Equal(t, before, testutil.ToFloat64(receiptOutcome("error")))
}

func TestWaitForTxHash(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	var polls atomic.Int32
	relay.Handle("eth_getUserOperationByHash", func([]json.RawMessage) (any, error) {
		if polls.Add(1) < 2 {
			return nil, nil
		}
		return map[string]any{
			"entryPoint":      entryPoint.Hex(),
			"transactionHash": common.HexToHash("0xfeed").Hex(),
			"blockNumber":     "0x5",
		}, nil
	})
	c := newClient(t, relay)

	tx, err := c.Track(opHash).WaitForTxHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xfeed"), tx)
}

func TestSupportedEntryPoints(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_supportedEntryPoints", []string{entryPoint.Hex()})
	eps, err := newClient(t, relay).SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Address{entryPoint}, eps)
}

func TestRateLimitedClient(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("eth_chainId", "0x89")
	c := newClient(t, relay, func(cfg *bundler.Config) {
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.ChainID(context.Background())
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
