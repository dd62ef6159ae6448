package account_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/blndgs/sessionkit/account"
	"github.com/blndgs/sessionkit/bundler"
	"github.com/blndgs/sessionkit/bundler/bundlertest"
	"github.com/blndgs/sessionkit/signer"
	"github.com/blndgs/sessionkit/validation"
)

var (
	entryPoint  = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	factoryAddr = common.HexToAddress("0x000000a56Aaca3e9a4C479ea6b6CD0DbcB6634F5")
	ecdsaAddr   = common.HexToAddress("0x0000001c5b32F37F5beA87BDD5374eB2aC54eA8e")
	managerAddr = common.HexToAddress("0x000002FbFfedd9B33F4E7156F2DE8D48945E7489")
	accountAddr = common.HexToAddress("0x5e4f1E4C57f1eA6E1a2C8Fe5E4B4C9F2Dd3a1001")
	chainID     = big.NewInt(137)
)

// fakeChain answers the contract reads of an account against in-memory state.
type fakeChain struct {
	mu             sync.Mutex
	code           map[common.Address][]byte
	nonces         map[string]*big.Int
	enabled        map[common.Address]bool
	counterfactual common.Address
	calls          map[string]int
	failNext       error
}

var _ bind.ContractCaller = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{
		code:           make(map[common.Address][]byte),
		nonces:         make(map[string]*big.Int),
		enabled:        make(map[common.Address]bool),
		counterfactual: accountAddr,
		calls:          make(map[string]int),
	}
}

func nonceSlot(sender common.Address, key *big.Int) string {
	return sender.Hex() + "/" + key.String()
}

func (c *fakeChain) deploy(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = []byte{0x60, 0x80}
}

func (c *fakeChain) setNonce(sender common.Address, key *big.Int, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[nonceSlot(sender, key)] = big.NewInt(n)
}

func (c *fakeChain) enable(module common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[module] = true
}

func (c *fakeChain) failOnce(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *fakeChain) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *fakeChain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[addr], nil
}

func lookupMethod(selector []byte) (*abi.Method, error) {
	for _, parsed := range []abi.ABI{account.EntryPointABI, account.FactoryABI, account.SmartAccountABI} {
		if m, err := parsed.MethodById(selector); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", selector)
}

func (c *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := lookupMethod(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method.Name]++
	if err := c.failNext; err != nil {
		c.failNext = nil
		return nil, err
	}

	switch method.Name {
	case "getNonce":
		n, ok := c.nonces[nonceSlot(args[0].(common.Address), args[1].(*big.Int))]
		if !ok {
			n = new(big.Int)
		}
		return method.Outputs.Pack(n)
	case "getAddressForCounterFactualAccount":
		return method.Outputs.Pack(c.counterfactual)
	case "isModuleEnabled":
		return method.Outputs.Pack(c.enabled[args[0].(common.Address)])
	default:
		return nil, fmt.Errorf("unexpected call %s", method.Name)
	}
}

// countingModule records how the account drives a module.
type countingModule struct {
	validation.Module

	mu         sync.Mutex
	signCalls  int
	lastParams *validation.ModuleParams
}

func (m *countingModule) SignUserOpHash(ctx context.Context, hash common.Hash, params *validation.ModuleParams) ([]byte, error) {
	m.mu.Lock()
	m.signCalls++
	m.lastParams = params
	m.mu.Unlock()
	return m.Module.SignUserOpHash(ctx, hash, params)
}

func (m *countingModule) signs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signCalls
}

type fixture struct {
	owner   *signer.PrivateKeySigner
	module  *countingModule
	chain   *fakeChain
	relay   *bundlertest.Relay
	bundler *bundler.Client
	account *account.SmartAccount
}

func gasPrices() map[string]any {
	tier := func(fee, tip string) map[string]string {
		return map[string]string{"maxFeePerGas": fee, "maxPriorityFeePerGas": tip}
	}
	return map[string]any{
		"slow":     tier("0x1", "0x1"),
		"standard": tier("0x77359400", "0x3b9aca00"),
		"fast":     tier("0xee6b2800", "0x77359400"),
	}
}

func gasEstimate() map[string]string {
	return map[string]string{
		"preVerificationGas":   "0xc350",
		"verificationGasLimit": "0x186a0",
		"callGasLimit":         "0x30d40",
	}
}

func newOwnerModule(t *testing.T, owner signer.Signer, addr common.Address) validation.Module {
	t.Helper()
	m, err := validation.NewECDSAModule(validation.ECDSAConfig{Owner: owner, ModuleAddress: addr})
	require.NoError(t, err)
	return m
}

func newFixture(t *testing.T, mutate ...func(*account.Config)) *fixture {
	t.Helper()
	owner, err := signer.Generate()
	require.NoError(t, err)

	relay := bundlertest.NewRelay(t)
	relay.Result(bundler.DefaultGasPriceMethod, gasPrices())
	relay.Result("eth_estimateUserOperationGas", gasEstimate())
	relay.Result("eth_sendUserOperation", common.HexToHash("0x1234").Hex())

	client, err := bundler.Dial(context.Background(), bundler.Config{
		URL:        relay.URL(),
		EntryPoint: entryPoint,
		ChainID:    chainID,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	module := &countingModule{Module: newOwnerModule(t, owner, ecdsaAddr)}
	chain := newFakeChain()
	cfg := account.Config{
		Signer:        owner,
		ChainID:       chainID,
		EntryPoint:    entryPoint,
		Factory:       factoryAddr,
		DefaultModule: module,
		Bundler:       client,
		Chain:         chain,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := account.New(cfg)
	require.NoError(t, err)

	return &fixture{owner: owner, module: module, chain: chain, relay: relay, bundler: client, account: a}
}

func transfer(to byte) account.Call {
	return account.Call{To: common.BytesToAddress([]byte{to}), Value: big.NewInt(1), Data: []byte{0xca, 0xfe}}
}
