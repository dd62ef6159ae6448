// Package userop defines the ERC-4337 UserOperation submitted to a bundler,
// in the unpacked EntryPoint v0.7 shape used on the JSON-RPC wire.
//
// The numeric gas fields are plain *big.Int values. They are hex encoded only
// when the operation is marshaled for the relay, and packed into the
// fixed-width bytes32 slots (accountGasLimits, gasFees) only when the
// operation hash is computed.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type userOperationError string

func (e userOperationError) Error() string {
	return string(e)
}

const (
	ErrNoSignatureValue  userOperationError = "signature value is not found"
	ErrIncompleteUserOp  userOperationError = "userOperation has unset numeric fields"
	ErrGasValueOverflow  userOperationError = "gas value does not fit in 128 bits"
	ErrNegativeValue     userOperationError = "userOperation numeric fields cannot be negative"
	ErrInvalidPaymaster  userOperationError = "paymaster gas limits set without a paymaster"
	ErrOrphanFactoryData userOperationError = "factoryData set without a factory"
)

// UserOperation represents an EntryPoint v0.7 user operation.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// GetFactory returns the factory address or the zero address if the account
// is already deployed.
func (op *UserOperation) GetFactory() common.Address {
	if op.Factory == nil {
		return common.Address{}
	}
	return *op.Factory
}

// GetPaymaster returns the paymaster address or the zero address when the
// operation is self-funded.
func (op *UserOperation) GetPaymaster() common.Address {
	if op.Paymaster == nil {
		return common.Address{}
	}
	return *op.Paymaster
}

// InitCode returns factory ‖ factoryData, or an empty slice without a factory.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return []byte{}
	}
	initCode := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	initCode = append(initCode, op.Factory.Bytes()...)
	return append(initCode, op.FactoryData...)
}

// PaymasterAndData returns the packed paymaster field hashed by the
// EntryPoint:
//
//	paymaster(20) ‖ paymasterVerificationGasLimit(16) ‖ paymasterPostOpGasLimit(16) ‖ paymasterData
func (op *UserOperation) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == nil {
		if op.PaymasterVerificationGasLimit != nil || op.PaymasterPostOpGasLimit != nil {
			return nil, ErrInvalidPaymaster
		}
		return []byte{}, nil
	}

	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)

	limits, err := packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, fmt.Errorf("paymaster gas limits: %w", err)
	}
	out = append(out, limits[:]...)

	return append(out, op.PaymasterData...), nil
}

// GetMaxGasAvailable returns the total gas the operation may consume across
// verification, execution and the paymaster hooks.
func (op *UserOperation) GetMaxGasAvailable() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{
		op.VerificationGasLimit,
		op.CallGasLimit,
		op.PreVerificationGas,
		op.PaymasterVerificationGasLimit,
		op.PaymasterPostOpGasLimit,
	} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// GetMaxPrefund returns the max amount of wei required to pay for gas fees by
// either the sender or paymaster.
func (op *UserOperation) GetMaxPrefund() *big.Int {
	if op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(op.GetMaxGasAvailable(), op.MaxFeePerGas)
}

// GetDynamicGasPrice returns the effective gas price paid by the operation
// given a basefee: min(maxFeePerGas, basefee + maxPriorityFeePerGas).
func (op *UserOperation) GetDynamicGasPrice(basefee *big.Int) *big.Int {
	bf := basefee
	if bf == nil {
		bf = new(big.Int)
	}
	priority := op.MaxPriorityFeePerGas
	if priority == nil {
		priority = new(big.Int)
	}
	maxFee := op.MaxFeePerGas
	if maxFee == nil {
		maxFee = new(big.Int)
	}

	gp := new(big.Int).Add(bf, priority)
	if gp.Cmp(maxFee) == 1 {
		return new(big.Int).Set(maxFee)
	}
	return gp
}

// HasSignature reports whether a signature value is attached.
func (op *UserOperation) HasSignature() bool {
	return len(op.Signature) > 0
}

// ValidateFields checks that every numeric field required for hashing is set.
// It does not look at the signature.
func (op *UserOperation) ValidateFields() error {
	required := []struct {
		name  string
		value *big.Int
	}{
		{"nonce", op.Nonce},
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	for _, f := range required {
		if f.value == nil {
			return fmt.Errorf("%w: %s", ErrIncompleteUserOp, f.name)
		}
		if f.value.Sign() < 0 {
			return fmt.Errorf("%w: %s", ErrNegativeValue, f.name)
		}
	}

	if op.Factory == nil && len(op.FactoryData) > 0 {
		return ErrOrphanFactoryData
	}

	if op.Paymaster != nil {
		if op.PaymasterVerificationGasLimit == nil {
			return fmt.Errorf("%w: paymasterVerificationGasLimit", ErrIncompleteUserOp)
		}
		if op.PaymasterPostOpGasLimit == nil {
			return fmt.Errorf("%w: paymasterPostOpGasLimit", ErrIncompleteUserOp)
		}
	}
	return nil
}

// Validate reports whether the operation is ready for submission: every
// numeric field is populated and the signature is non-empty.
func (op *UserOperation) Validate() error {
	if err := op.ValidateFields(); err != nil {
		return err
	}
	if !op.HasSignature() {
		return ErrNoSignatureValue
	}
	return nil
}

// Clone returns a deep copy of the operation.
func (op *UserOperation) Clone() *UserOperation {
	cloneBig := func(b *big.Int) *big.Int {
		if b == nil {
			return nil
		}
		return new(big.Int).Set(b)
	}
	cloneAddr := func(a *common.Address) *common.Address {
		if a == nil {
			return nil
		}
		c := *a
		return &c
	}
	cloneBytes := func(b []byte) []byte {
		if b == nil {
			return nil
		}
		return append([]byte{}, b...)
	}

	return &UserOperation{
		Sender:                        op.Sender,
		Nonce:                         cloneBig(op.Nonce),
		Factory:                       cloneAddr(op.Factory),
		FactoryData:                   cloneBytes(op.FactoryData),
		CallData:                      cloneBytes(op.CallData),
		CallGasLimit:                  cloneBig(op.CallGasLimit),
		VerificationGasLimit:          cloneBig(op.VerificationGasLimit),
		PreVerificationGas:            cloneBig(op.PreVerificationGas),
		MaxFeePerGas:                  cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          cloneBig(op.MaxPriorityFeePerGas),
		Paymaster:                     cloneAddr(op.Paymaster),
		PaymasterVerificationGasLimit: cloneBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       cloneBig(op.PaymasterPostOpGasLimit),
		PaymasterData:                 cloneBytes(op.PaymasterData),
		Signature:                     cloneBytes(op.Signature),
	}
}

func (op *UserOperation) String() string {
	formatBytes := func(b []byte) string {
		if len(b) == 0 {
			return "0x"
		}
		return fmt.Sprintf("0x%x", b)
	}

	formatBigInt := func(b *big.Int) string {
		if b == nil {
			return "0x, 0"
		}
		return fmt.Sprintf("0x%x, %s", b, b.Text(10))
	}

	formatAddr := func(a *common.Address) string {
		if a == nil {
			return "<nil>"
		}
		return a.String()
	}

	return fmt.Sprintf(
		"UserOperation{\n"+
			"  Sender: %s\n"+
			"  Nonce: %s\n"+
			"  Factory: %s\n"+
			"  FactoryData: %s\n"+
			"  CallData: %s\n"+
			"  CallGasLimit: %s\n"+
			"  VerificationGasLimit: %s\n"+
			"  PreVerificationGas: %s\n"+
			"  MaxFeePerGas: %s\n"+
			"  MaxPriorityFeePerGas: %s\n"+
			"  Paymaster: %s\n"+
			"  PaymasterVerificationGasLimit: %s\n"+
			"  PaymasterPostOpGasLimit: %s\n"+
			"  PaymasterData: %s\n"+
			"  Signature: %s\n"+
			"}",
		op.Sender.String(),
		formatBigInt(op.Nonce),
		formatAddr(op.Factory),
		formatBytes(op.FactoryData),
		formatBytes(op.CallData),
		formatBigInt(op.CallGasLimit),
		formatBigInt(op.VerificationGasLimit),
		formatBigInt(op.PreVerificationGas),
		formatBigInt(op.MaxFeePerGas),
		formatBigInt(op.MaxPriorityFeePerGas),
		formatAddr(op.Paymaster),
		formatBigInt(op.PaymasterVerificationGasLimit),
		formatBigInt(op.PaymasterPostOpGasLimit),
		formatBytes(op.PaymasterData),
		formatBytes(op.Signature),
	)
}
