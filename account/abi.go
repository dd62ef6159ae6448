package account

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const smartAccountABI = `[
	{"inputs":[{"internalType":"address","name":"dest","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address[]","name":"dest","type":"address[]"},{"internalType":"uint256[]","name":"value","type":"uint256[]"},{"internalType":"bytes[]","name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"module","type":"address"}],"name":"enableModule","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"module","type":"address"}],"name":"isModuleEnabled","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const factoryABI = `[
	{"inputs":[{"internalType":"address","name":"moduleSetupContract","type":"address"},{"internalType":"bytes","name":"moduleSetupData","type":"bytes"},{"internalType":"uint256","name":"index","type":"uint256"}],"name":"deployCounterFactualAccount","outputs":[{"internalType":"address","name":"proxy","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"moduleSetupContract","type":"address"},{"internalType":"bytes","name":"moduleSetupData","type":"bytes"},{"internalType":"uint256","name":"index","type":"uint256"}],"name":"getAddressForCounterFactualAccount","outputs":[{"internalType":"address","name":"_account","type":"address"}],"stateMutability":"view","type":"function"}
]`

const entryPointABI = `[
	{"inputs":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint192","name":"key","type":"uint192"}],"name":"getNonce","outputs":[{"internalType":"uint256","name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	SmartAccountABI = mustParseABI(smartAccountABI)
	FactoryABI      = mustParseABI(factoryABI)
	EntryPointABI   = mustParseABI(entryPointABI)
	ERC20ABI        = mustParseABI(erc20ABI)
)

// Call is one contract call made by the account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// EncodeCallData encodes calls as the account's callData. One call uses
// execute unless forceBatch is set; two or more always use executeBatch.
func EncodeCallData(calls []Call, forceBatch bool) ([]byte, error) {
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	if len(calls) == 1 && !forceBatch {
		c := calls[0]
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		return SmartAccountABI.Pack("execute", c.To, c.value(), data)
	}

	dest := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	funcs := make([][]byte, len(calls))
	for i, c := range calls {
		dest[i] = c.To
		values[i] = c.value()
		funcs[i] = c.Data
		if funcs[i] == nil {
			funcs[i] = []byte{}
		}
	}
	return SmartAccountABI.Pack("executeBatch", dest, values, funcs)
}

// DecodeCallData reverses EncodeCallData.
func DecodeCallData(data []byte) ([]Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("callData too short: %d bytes", len(data))
	}
	method, err := SmartAccountABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}

	switch method.Name {
	case "execute":
		return []Call{{To: args[0].(common.Address), Value: args[1].(*big.Int), Data: args[2].([]byte)}}, nil
	case "executeBatch":
		dest := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		funcs := args[2].([][]byte)
		if len(dest) != len(values) || len(dest) != len(funcs) {
			return nil, fmt.Errorf("executeBatch: mismatched lengths %d/%d/%d", len(dest), len(values), len(funcs))
		}
		calls := make([]Call, len(dest))
		for i := range dest {
			calls[i] = Call{To: dest[i], Value: values[i], Data: funcs[i]}
		}
		return calls, nil
	default:
		return nil, fmt.Errorf("not an execution call: %s", method.Name)
	}
}
