package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")

	// packedUserOpArgs is the abi.encode layout hashed by EntryPoint v0.7
	// UserOperationLib.encode.
	packedUserOpArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "accountGasLimits", Type: bytes32T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "gasFees", Type: bytes32T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	userOpHashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// packUint128Pair packs high ‖ low into one bytes32 slot, 16 bytes each.
// A nil value packs as zero.
func packUint128Pair(high, low *big.Int) ([32]byte, error) {
	var out [32]byte
	for i, v := range []*big.Int{high, low} {
		if v == nil {
			continue
		}
		if v.Sign() < 0 {
			return out, ErrNegativeValue
		}
		if v.Cmp(maxUint128) > 0 {
			return out, ErrGasValueOverflow
		}
		v.FillBytes(out[i*16 : (i+1)*16])
	}
	return out, nil
}

// AccountGasLimits returns verificationGasLimit ‖ callGasLimit.
func (op *UserOperation) AccountGasLimits() ([32]byte, error) {
	return packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
}

// GasFees returns maxPriorityFeePerGas ‖ maxFeePerGas.
func (op *UserOperation) GasFees() ([32]byte, error) {
	return packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// Pack returns the abi encoded operation fields without the signature, with
// the dynamic fields replaced by their keccak256 digests.
func (op *UserOperation) Pack() ([]byte, error) {
	if err := op.ValidateFields(); err != nil {
		return nil, err
	}

	accountGasLimits, err := op.AccountGasLimits()
	if err != nil {
		return nil, err
	}
	gasFees, err := op.GasFees()
	if err != nil {
		return nil, err
	}
	paymasterAndData, err := op.PaymasterAndData()
	if err != nil {
		return nil, err
	}

	return packedUserOpArgs.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		accountGasLimits,
		op.PreVerificationGas,
		gasFees,
		crypto.Keccak256Hash(paymasterAndData),
	)
}

// GetUserOpHash returns keccak256(abi.encode(keccak256(Pack()), entryPoint,
// chainID)), the digest the validation module signs.
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}
