package bundler

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"

	"github.com/blndgs/sessionkit/userop"
)

// GasEstimate is the eth_estimateUserOperationGas result.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// Apply copies the estimated limits into op.
func (g *GasEstimate) Apply(op *userop.UserOperation) {
	set := func(dst **big.Int, v *hexutil.Big) {
		if v != nil {
			*dst = new(big.Int).Set(v.ToInt())
		}
	}
	set(&op.PreVerificationGas, g.PreVerificationGas)
	set(&op.VerificationGasLimit, g.VerificationGasLimit)
	set(&op.CallGasLimit, g.CallGasLimit)
	if op.Paymaster != nil {
		set(&op.PaymasterVerificationGasLimit, g.PaymasterVerificationGasLimit)
		set(&op.PaymasterPostOpGasLimit, g.PaymasterPostOpGasLimit)
	}
}

// GasTier names a fee level of the gas price method.
type GasTier string

const (
	GasTierSlow     GasTier = "slow"
	GasTierStandard GasTier = "standard"
	GasTierFast     GasTier = "fast"
)

// GasFees is one fee level.
type GasFees struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPrices is the tiered gas price response.
type GasPrices struct {
	Slow     *GasFees `json:"slow"`
	Standard *GasFees `json:"standard"`
	Fast     *GasFees `json:"fast"`
}

// Tier returns the fees for tier.
func (p *GasPrices) Tier(tier GasTier) (*GasFees, error) {
	var fees *GasFees
	switch tier {
	case GasTierSlow:
		fees = p.Slow
	case GasTierStandard, "":
		fees = p.Standard
	case GasTierFast:
		fees = p.Fast
	default:
		return nil, ErrUnknownGasTier
	}
	if fees == nil || fees.MaxFeePerGas == nil || fees.MaxPriorityFeePerGas == nil {
		return nil, ErrEmptyResult
	}
	return fees, nil
}

// TxReceipt is the transaction receipt embedded in a user operation receipt.
type TxReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockHash       common.Hash     `json:"blockHash"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	GasUsed         *hexutil.Big    `json:"gasUsed"`
	Status          *hexutil.Uint64 `json:"status"`
}

// Receipt is the eth_getUserOperationReceipt result.
type Receipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     common.Address  `json:"paymaster"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Logs          json.RawMessage `json:"logs,omitempty"`
	Receipt       *TxReceipt      `json:"receipt"`
}

// BlockNumber returns the inclusion block, or nil if it is unknown.
func (r *Receipt) BlockNumber() *big.Int {
	if r.Receipt == nil || r.Receipt.BlockNumber == nil {
		return nil
	}
	return r.Receipt.BlockNumber.ToInt()
}

// UserOperationByHash is the eth_getUserOperationByHash result.
type UserOperationByHash struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	EntryPoint      common.Address        `json:"entryPoint"`
	TransactionHash common.Hash           `json:"transactionHash"`
	BlockHash       common.Hash           `json:"blockHash"`
	BlockNumber     *hexutil.Big          `json:"blockNumber"`
}

// PollingConfig paces receipt polling.
type PollingConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// DefaultPolling applies to chains missing from ChainPolling.
var DefaultPolling = PollingConfig{Interval: 5 * time.Second, MaxDuration: 50 * time.Second}

// ChainPolling holds per-chain polling defaults keyed by chain ID.
var ChainPolling = map[uint64]PollingConfig{
	1:        {Interval: 10 * time.Second, MaxDuration: 120 * time.Second},
	10:       {Interval: 2 * time.Second, MaxDuration: 50 * time.Second},
	56:       {Interval: 3 * time.Second, MaxDuration: 50 * time.Second},
	137:      {Interval: 3 * time.Second, MaxDuration: 60 * time.Second},
	8453:     {Interval: 2 * time.Second, MaxDuration: 50 * time.Second},
	42161:    {Interval: 1 * time.Second, MaxDuration: 50 * time.Second},
	11155111: {Interval: 5 * time.Second, MaxDuration: 90 * time.Second},
}

// PollingFor returns the polling defaults of chainID.
func PollingFor(chainID uint64) PollingConfig {
	if p, ok := ChainPolling[chainID]; ok {
		return p
	}
	return DefaultPolling
}
