package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Condition compares a calldata word against a rule reference value.
type Condition uint8

const (
	ConditionEqual Condition = iota
	ConditionLessThanOrEqual
	ConditionLessThan
	ConditionGreaterThanOrEqual
	ConditionGreaterThan
	ConditionNotEqual
)

var (
	ErrInvalidCondition = errors.New("invalid rule condition")
	ErrValueLimitTooBig = errors.New("value limit does not fit in uint128")
	ErrTooManyRules     = errors.New("too many rules")
	ErrMissingSpendCap  = errors.New("max amount is required")
)

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Rule constrains the 32 byte calldata word at Offset (counted in bytes from
// the start of the arguments, after the selector).
type Rule struct {
	Offset    uint16
	Condition Condition
	Reference common.Hash
}

// ABIPolicy is the permission understood by the ABI session validation
// module: one target, one function selector, a native value cap and a list
// of argument rules.
type ABIPolicy struct {
	SessionKey common.Address
	Target     common.Address
	Selector   [4]byte
	// ValueLimit caps the native value per call; nil means zero.
	ValueLimit *big.Int
	Rules      []Rule
}

// Encode packs the policy:
//
//	sessionKey(20) ‖ target(20) ‖ selector(4) ‖ valueLimit(16) ‖ rulesLen(2) ‖ rules
//
// with each rule packed as offset(2) ‖ condition(1) ‖ reference(32).
func (p *ABIPolicy) Encode() ([]byte, error) {
	value := p.ValueLimit
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 || value.Cmp(maxUint128) > 0 {
		return nil, ErrValueLimitTooBig
	}
	if len(p.Rules) > 0xffff {
		return nil, ErrTooManyRules
	}

	out := make([]byte, 0, 62+35*len(p.Rules))
	out = append(out, p.SessionKey.Bytes()...)
	out = append(out, p.Target.Bytes()...)
	out = append(out, p.Selector[:]...)

	var limit [16]byte
	value.FillBytes(limit[:])
	out = append(out, limit[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(p.Rules)))

	for i, r := range p.Rules {
		if r.Condition > ConditionNotEqual {
			return nil, fmt.Errorf("rule %d: %w: %d", i, ErrInvalidCondition, r.Condition)
		}
		out = binary.BigEndian.AppendUint16(out, r.Offset)
		out = append(out, byte(r.Condition))
		out = append(out, r.Reference.Bytes()...)
	}
	return out, nil
}

var erc20PolicyArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ERC20Policy is the permission understood by the ERC-20 session validation
// module: transfers of Token to Recipient up to MaxAmount per call.
type ERC20Policy struct {
	SessionKey common.Address
	Token      common.Address
	Recipient  common.Address
	MaxAmount  *big.Int
}

// Encode returns abi.encode(sessionKey, token, recipient, maxAmount).
func (p *ERC20Policy) Encode() ([]byte, error) {
	if p.MaxAmount == nil {
		return nil, ErrMissingSpendCap
	}
	return erc20PolicyArgs.Pack(p.SessionKey, p.Token, p.Recipient, p.MaxAmount)
}
