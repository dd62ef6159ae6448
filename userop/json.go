package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

// wireUserOperation is the JSON-RPC shape of an operation: quantities are
// hex encoded and unset optional fields are omitted.
type wireUserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   *hexutil.Bytes  `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func toHexBig(b *big.Int) *hexutil.Big {
	if b == nil {
		return nil
	}
	return (*hexutil.Big)(b)
}

func fromHexBig(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return b.ToInt()
}

// MarshalJSON encodes the operation the way bundlers expect it on the wire.
// Unset gas quantities are sent as 0x0 so that estimation requests carry a
// complete object.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	orZero := func(b *big.Int) *hexutil.Big {
		if b == nil {
			return (*hexutil.Big)(new(big.Int))
		}
		return toHexBig(b)
	}

	aux := wireUserOperation{
		Sender:                        op.Sender,
		Nonce:                         orZero(op.Nonce),
		CallData:                      op.CallData,
		CallGasLimit:                  orZero(op.CallGasLimit),
		VerificationGasLimit:          orZero(op.VerificationGasLimit),
		PreVerificationGas:            orZero(op.PreVerificationGas),
		MaxFeePerGas:                  orZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          orZero(op.MaxPriorityFeePerGas),
		PaymasterVerificationGasLimit: toHexBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       toHexBig(op.PaymasterPostOpGasLimit),
		Signature:                     op.Signature,
	}
	if aux.CallData == nil {
		aux.CallData = hexutil.Bytes{}
	}
	if aux.Signature == nil {
		aux.Signature = hexutil.Bytes{}
	}
	if op.Factory != nil {
		aux.Factory = op.Factory
		fd := hexutil.Bytes(op.FactoryData)
		if fd == nil {
			fd = hexutil.Bytes{}
		}
		aux.FactoryData = &fd
	}
	if op.Paymaster != nil {
		aux.Paymaster = op.Paymaster
		pd := hexutil.Bytes(op.PaymasterData)
		if pd == nil {
			pd = hexutil.Bytes{}
		}
		aux.PaymasterData = &pd
	}

	return json.Marshal(aux)
}

// UnmarshalJSON does the reverse of MarshalJSON.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var aux wireUserOperation
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*op = UserOperation{
		Sender:                        aux.Sender,
		Nonce:                         fromHexBig(aux.Nonce),
		Factory:                       aux.Factory,
		CallData:                      aux.CallData,
		CallGasLimit:                  fromHexBig(aux.CallGasLimit),
		VerificationGasLimit:          fromHexBig(aux.VerificationGasLimit),
		PreVerificationGas:            fromHexBig(aux.PreVerificationGas),
		MaxFeePerGas:                  fromHexBig(aux.MaxFeePerGas),
		MaxPriorityFeePerGas:          fromHexBig(aux.MaxPriorityFeePerGas),
		Paymaster:                     aux.Paymaster,
		PaymasterVerificationGasLimit: fromHexBig(aux.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       fromHexBig(aux.PaymasterPostOpGasLimit),
		Signature:                     aux.Signature,
	}
	if aux.FactoryData != nil {
		op.FactoryData = *aux.FactoryData
	}
	if aux.PaymasterData != nil {
		op.PaymasterData = *aux.PaymasterData
	}
	return nil
}
