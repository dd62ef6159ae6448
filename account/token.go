package account

import (
	"github.com/blndgs/sessionkit/paymaster"
	"github.com/blndgs/sessionkit/userop"
)

// BuildTokenPaymasterUserOp returns a copy of op whose calls start with an
// ERC-20 approve of the quoted fee to the token paymaster. The copy must be
// re-estimated and signed. A params without quote or spender is an error; if
// the calls cannot be re-encoded op is returned unchanged.
func (a *SmartAccount) BuildTokenPaymasterUserOp(op *userop.UserOperation, params *paymaster.SponsorParams) (*userop.UserOperation, error) {
	if params == nil {
		return nil, paymaster.ErrMissingFeeQuote
	}
	p := *params
	p.Mode = paymaster.ModeERC20
	if err := p.Validate(); err != nil {
		return nil, err
	}

	calls, err := DecodeCallData(op.CallData)
	if err != nil {
		logger.Error("Cannot decode calls for token approval, keeping operation", "sender", op.Sender, "err", err)
		return op, nil
	}

	amount := p.FeeQuote.MaxGasFeeAmount()
	approve, err := ERC20ABI.Pack("approve", *p.SpenderAddress, amount)
	if err != nil {
		logger.Error("Cannot encode token approval, keeping operation", "sender", op.Sender, "err", err)
		return op, nil
	}

	calls = append([]Call{{To: p.FeeQuote.TokenAddress, Data: approve}}, calls...)
	callData, err := EncodeCallData(calls, true)
	if err != nil {
		logger.Error("Cannot encode calls with token approval, keeping operation", "sender", op.Sender, "err", err)
		return op, nil
	}

	out := op.Clone()
	out.CallData = callData
	logger.Debug("Token approval added", "sender", op.Sender, "token", p.FeeQuote.TokenAddress,
		"spender", *p.SpenderAddress, "amount", amount)
	return out, nil
}
