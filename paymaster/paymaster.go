// Package paymaster is the boundary to gas sponsorship services. A paymaster
// either sponsors an operation outright or quotes fees payable in ERC-20
// tokens that the account approves to the token paymaster.
package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blndgs/sessionkit/userop"
)

// Mode selects how gas is paid.
type Mode string

const (
	ModeSponsored Mode = "SPONSORED"
	ModeERC20     Mode = "ERC20"
)

var (
	ErrMissingFeeQuote = errors.New("fee quote is required for erc20 mode")
	ErrMissingSpender  = errors.New("token paymaster address is required for erc20 mode")
	ErrEmptyResponse   = errors.New("paymaster returned an empty response")
)

// FeeQuote prices an operation in one token.
type FeeQuote struct {
	Symbol            string         `json:"symbol"`
	TokenAddress      common.Address `json:"tokenAddress"`
	Decimal           int            `json:"decimal"`
	LogoURL           string         `json:"logoUrl,omitempty"`
	MaxGasFee         float64        `json:"maxGasFee"`
	MaxGasFeeUSD      float64        `json:"maxGasFeeUSD,omitempty"`
	PremiumPercentage float64        `json:"premiumPercentage,omitempty"`
	ValidUntil        uint64         `json:"validUntil,omitempty"`
}

// MaxGasFeeAmount returns MaxGasFee in the token's smallest unit, rounded up.
func (q *FeeQuote) MaxGasFeeAmount() *big.Int {
	f := new(big.Float).SetFloat64(q.MaxGasFee)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Decimal)), nil))
	f.Mul(f, scale)
	amount, acc := f.Int(nil)
	if acc == big.Below {
		amount.Add(amount, big.NewInt(1))
	}
	return amount
}

// SponsorParams is the request context for a sponsorship.
type SponsorParams struct {
	Mode Mode `json:"mode"`
	// FeeQuote selects the token when Mode is ModeERC20.
	FeeQuote *FeeQuote `json:"feeQuote,omitempty"`
	// SpenderAddress is the token paymaster the fee is approved to.
	SpenderAddress *common.Address `json:"spender,omitempty"`
	// CalculateGasLimits asks the paymaster to fill the gas limits.
	CalculateGasLimits bool `json:"calculateGasLimits,omitempty"`
}

// Validate checks ERC-20 mode has what it needs.
func (p *SponsorParams) Validate() error {
	if p.Mode != ModeERC20 {
		return nil
	}
	if p.FeeQuote == nil {
		return ErrMissingFeeQuote
	}
	if p.SpenderAddress == nil || *p.SpenderAddress == (common.Address{}) {
		return ErrMissingSpender
	}
	return nil
}

// SponsorData is the paymaster part of an operation, plus any gas limits the
// paymaster recalculated.
type SponsorData struct {
	Paymaster                     common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes  `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big   `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big   `json:"paymasterPostOpGasLimit"`
	CallGasLimit                  *hexutil.Big   `json:"callGasLimit,omitempty"`
	VerificationGasLimit          *hexutil.Big   `json:"verificationGasLimit,omitempty"`
	PreVerificationGas            *hexutil.Big   `json:"preVerificationGas,omitempty"`
}

// Apply writes the sponsorship into op.
func (d *SponsorData) Apply(op *userop.UserOperation) {
	pm := d.Paymaster
	op.Paymaster = &pm
	op.PaymasterData = append([]byte{}, d.PaymasterData...)
	set := func(dst **big.Int, v *hexutil.Big) {
		if v != nil {
			*dst = new(big.Int).Set(v.ToInt())
		}
	}
	set(&op.PaymasterVerificationGasLimit, d.PaymasterVerificationGasLimit)
	set(&op.PaymasterPostOpGasLimit, d.PaymasterPostOpGasLimit)
	set(&op.CallGasLimit, d.CallGasLimit)
	set(&op.VerificationGasLimit, d.VerificationGasLimit)
	set(&op.PreVerificationGas, d.PreVerificationGas)
}

// FeeQuotesParams asks for quotes in the listed tokens; empty means all.
type FeeQuotesParams struct {
	Mode      Mode             `json:"mode"`
	TokenList []common.Address `json:"tokenList"`
}

// FeeQuotesOrData is either a list of token quotes or, when the operation is
// sponsored, the sponsorship itself.
type FeeQuotesOrData struct {
	Mode                  Mode            `json:"mode"`
	FeeQuotes             []FeeQuote      `json:"feeQuotes,omitempty"`
	TokenPaymasterAddress *common.Address `json:"tokenPaymasterAddress,omitempty"`
	Sponsor               *SponsorData    `json:"sponsorData,omitempty"`
}

// Paymaster is a gas sponsorship service.
type Paymaster interface {
	GetPaymasterAndData(ctx context.Context, op *userop.UserOperation, params *SponsorParams) (*SponsorData, error)
	GetFeeQuotesOrData(ctx context.Context, op *userop.UserOperation, params *FeeQuotesParams) (*FeeQuotesOrData, error)
}

// RPCPaymaster calls a paymaster service over JSON-RPC.
type RPCPaymaster struct {
	client     *rpc.Client
	entryPoint common.Address
}

var _ Paymaster = (*RPCPaymaster)(nil)

// NewRPCPaymaster wraps client for entryPoint.
func NewRPCPaymaster(client *rpc.Client, entryPoint common.Address) *RPCPaymaster {
	return &RPCPaymaster{client: client, entryPoint: entryPoint}
}

func (p *RPCPaymaster) GetPaymasterAndData(ctx context.Context, op *userop.UserOperation, params *SponsorParams) (*SponsorData, error) {
	if params == nil {
		params = &SponsorParams{Mode: ModeSponsored}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var out *SponsorData
	if err := p.client.CallContext(ctx, &out, "pm_sponsorUserOperation", op, p.entryPoint, params); err != nil {
		return nil, fmt.Errorf("pm_sponsorUserOperation: %w", err)
	}
	if out == nil {
		return nil, ErrEmptyResponse
	}
	return out, nil
}

func (p *RPCPaymaster) GetFeeQuotesOrData(ctx context.Context, op *userop.UserOperation, params *FeeQuotesParams) (*FeeQuotesOrData, error) {
	if params == nil {
		params = &FeeQuotesParams{Mode: ModeERC20}
	}
	var out *FeeQuotesOrData
	if err := p.client.CallContext(ctx, &out, "pm_getFeeQuoteOrData", op, p.entryPoint, params); err != nil {
		return nil, fmt.Errorf("pm_getFeeQuoteOrData: %w", err)
	}
	if out == nil {
		return nil, ErrEmptyResponse
	}
	return out, nil
}
