package paymaster_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blndgs/sessionkit/bundler/bundlertest"
	"github.com/blndgs/sessionkit/paymaster"
	"github.com/blndgs/sessionkit/userop"
)

var (
	entryPoint     = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	tokenPaymaster = common.HexToAddress("0x00000f7365cA6C59A2C93719ad53d567ed49c14C")
	usdc           = common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")
)

func newPaymaster(t *testing.T, relay *bundlertest.Relay) *paymaster.RPCPaymaster {
	t.Helper()
	client, err := rpc.DialContext(context.Background(), relay.URL())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return paymaster.NewRPCPaymaster(client, entryPoint)
}

func TestSponsorParamsValidate(t *testing.T) {
	quote := &paymaster.FeeQuote{Symbol: "USDC", TokenAddress: usdc, Decimal: 6, MaxGasFee: 0.5}
	tests := []struct {
		name   string
		params paymaster.SponsorParams
		want   error
	}{
		{"sponsored", paymaster.SponsorParams{Mode: paymaster.ModeSponsored}, nil},
		{"erc20 without quote", paymaster.SponsorParams{Mode: paymaster.ModeERC20, SpenderAddress: &tokenPaymaster}, paymaster.ErrMissingFeeQuote},
		{"erc20 without spender", paymaster.SponsorParams{Mode: paymaster.ModeERC20, FeeQuote: quote}, paymaster.ErrMissingSpender},
		{"erc20", paymaster.SponsorParams{Mode: paymaster.ModeERC20, FeeQuote: quote, SpenderAddress: &tokenPaymaster}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMaxGasFeeAmount(t *testing.T) {
	q := &paymaster.FeeQuote{Decimal: 6, MaxGasFee: 1.5}
	require.Equal(t, big.NewInt(1500000), q.MaxGasFeeAmount())

	q = &paymaster.FeeQuote{Decimal: 2, MaxGasFee: 0.001}
	require.Equal(t, big.NewInt(1), q.MaxGasFeeAmount(), "rounds up")
}

func TestGetPaymasterAndData(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("pm_sponsorUserOperation", map[string]any{
		"paymaster":                     tokenPaymaster.Hex(),
		"paymasterData":                 "0xdead",
		"paymasterVerificationGasLimit": "0x7530",
		"paymasterPostOpGasLimit":       "0x2710",
	})
	pm := newPaymaster(t, relay)

	op := &userop.UserOperation{Sender: common.HexToAddress("0x01"), Nonce: big.NewInt(0)}
	data, err := pm.GetPaymasterAndData(context.Background(), op, nil)
	require.NoError(t, err)
	data.Apply(op)
	require.Equal(t, tokenPaymaster, op.GetPaymaster())
	require.Equal(t, []byte{0xde, 0xad}, op.PaymasterData)
	require.Equal(t, big.NewInt(30000), op.PaymasterVerificationGasLimit)

	params := relay.Params("pm_sponsorUserOperation")[0]
	var sp paymaster.SponsorParams
	require.NoError(t, json.Unmarshal(params[2], &sp))
	require.Equal(t, paymaster.ModeSponsored, sp.Mode)

	_, err = pm.GetPaymasterAndData(context.Background(), op, &paymaster.SponsorParams{Mode: paymaster.ModeERC20})
	require.ErrorIs(t, err, paymaster.ErrMissingFeeQuote)
	require.Equal(t, 1, relay.Calls("pm_sponsorUserOperation"))
}

func TestGetFeeQuotesOrData(t *testing.T) {
	relay := bundlertest.NewRelay(t)
	relay.Result("pm_getFeeQuoteOrData", map[string]any{
		"mode":                  "ERC20",
		"tokenPaymasterAddress": tokenPaymaster.Hex(),
		"feeQuotes": []map[string]any{
			{"symbol": "USDC", "tokenAddress": usdc.Hex(), "decimal": 6, "maxGasFee": 0.25},
		},
	})
	pm := newPaymaster(t, relay)

	out, err := pm.GetFeeQuotesOrData(context.Background(), &userop.UserOperation{}, &paymaster.FeeQuotesParams{
		Mode:      paymaster.ModeERC20,
		TokenList: []common.Address{usdc},
	})
	require.NoError(t, err)
	require.Len(t, out.FeeQuotes, 1)
	require.Equal(t, usdc, out.FeeQuotes[0].TokenAddress)
	require.Equal(t, tokenPaymaster, *out.TokenPaymasterAddress)
	require.Equal(t, big.NewInt(250000), out.FeeQuotes[0].MaxGasFeeAmount())

	relay.Result("pm_getFeeQuoteOrData", nil)
	_, err = pm.GetFeeQuotesOrData(context.Background(), &userop.UserOperation{}, nil)
	require.ErrorIs(t, err, paymaster.ErrEmptyResponse)
}
