// Package account drives one ERC-4337 smart account: it builds user
// operations, signs them through the active validation module and submits
// them to a bundler.
package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/blndgs/sessionkit/bundler"
	"github.com/blndgs/sessionkit/paymaster"
	"github.com/blndgs/sessionkit/signer"
	"github.com/blndgs/sessionkit/userop"
	"github.com/blndgs/sessionkit/validation"
)

type accountError string

func (e accountError) Error() string {
	return string(e)
}

const (
	ErrMissingSigner           accountError = "signer is required"
	ErrMissingChainID          accountError = "chain id is required"
	ErrMissingValidationModule accountError = "validation module is required"
	ErrMissingBundler          accountError = "bundler is required"
	ErrMissingChainReader      accountError = "chain reader is required"
	ErrMissingEntryPoint       accountError = "entry point address is required"
	ErrMissingFactory          accountError = "factory address is required when the account address is unknown"
	ErrMissingPaymaster        accountError = "paymaster is required for sponsorship"
	ErrNoCalls                 accountError = "at least one call is required"
)

// Validation mode bytes prefixed to the module address in the nonce key.
const (
	ValidationModeDefault byte = 0x00
	ValidationModeEnable  byte = 0x01
)

var logger = log.New("pkg", "account")

// SimulationError is returned by BuildUserOp when the bundler's gas
// estimation fails, which means the operation would revert on chain.
type SimulationError struct {
	Err error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("user operation simulation failed: %v", e.Err)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

// Bundler is the part of a bundler client the account uses.
type Bundler interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*bundler.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (*bundler.UserOpResponse, error)
	GasPrice(ctx context.Context) (*bundler.GasFees, error)
}

var _ Bundler = (*bundler.Client)(nil)

// Config describes one smart account.
type Config struct {
	// Signer is the account owner.
	Signer  signer.Signer
	ChainID *big.Int
	// EntryPoint is the EntryPoint v0.7 contract.
	EntryPoint common.Address
	// Factory deploys the account. Required when Address is unset.
	Factory common.Address
	// Index selects one of the owner's counterfactual accounts.
	Index *big.Int
	// Address is the account address when already known.
	Address common.Address
	// DefaultModule sets the account up at deployment, usually the owner
	// ECDSA module.
	DefaultModule validation.Module
	// ActiveModule signs operations; DefaultModule when nil.
	ActiveModule validation.Module
	Bundler      Bundler
	Paymaster    paymaster.Paymaster
	// Chain reads contract state; an *ethclient.Client in production.
	Chain bind.ContractCaller
}

// SmartAccount is a handle on one account with one active validation
// module. Switching modules returns a new handle.
type SmartAccount struct {
	cfg        Config
	module     validation.Module
	entryPoint *bind.BoundContract
	factory    *bind.BoundContract

	addrMu sync.Mutex
	addr   common.Address
}

// New validates cfg and returns the account handle.
func New(cfg Config) (*SmartAccount, error) {
	switch {
	case cfg.Signer == nil:
		return nil, ErrMissingSigner
	case cfg.ChainID == nil || cfg.ChainID.Sign() <= 0:
		return nil, ErrMissingChainID
	case cfg.DefaultModule == nil:
		return nil, ErrMissingValidationModule
	case cfg.Bundler == nil:
		return nil, ErrMissingBundler
	case cfg.Chain == nil:
		return nil, ErrMissingChainReader
	case cfg.EntryPoint == (common.Address{}):
		return nil, ErrMissingEntryPoint
	case cfg.Address == (common.Address{}) && cfg.Factory == (common.Address{}):
		return nil, ErrMissingFactory
	}
	if cfg.Index == nil {
		cfg.Index = new(big.Int)
	}
	module := cfg.ActiveModule
	if module == nil {
		module = cfg.DefaultModule
	}

	return &SmartAccount{
		cfg:        cfg,
		module:     module,
		entryPoint: bind.NewBoundContract(cfg.EntryPoint, EntryPointABI, cfg.Chain, nil, nil),
		factory:    bind.NewBoundContract(cfg.Factory, FactoryABI, cfg.Chain, nil, nil),
	}, nil
}

// ActiveModule returns the module that signs this handle's operations.
func (a *SmartAccount) ActiveModule() validation.Module {
	return a.module
}

// WithActiveModule returns a handle on the same account signing with m. The
// receiver keeps its module.
func (a *SmartAccount) WithActiveModule(m validation.Module) (*SmartAccount, error) {
	if m == nil {
		return nil, ErrMissingValidationModule
	}
	cfg := a.cfg
	cfg.ActiveModule = m
	next, err := New(cfg)
	if err != nil {
		return nil, err
	}

	a.addrMu.Lock()
	next.addr = a.addr
	a.addrMu.Unlock()
	logger.Debug("Active validation module changed", "account", next.addr, "from", a.module.Address(), "to", m.Address())
	return next, nil
}

// EntryPoint returns the EntryPoint address.
func (a *SmartAccount) EntryPoint() common.Address {
	return a.cfg.EntryPoint
}

// ChainID returns the account's chain.
func (a *SmartAccount) ChainID() *big.Int {
	return new(big.Int).Set(a.cfg.ChainID)
}

// Owner returns the owner's address.
func (a *SmartAccount) Owner() common.Address {
	return a.cfg.Signer.Address()
}

// Address returns the account address, computing the counterfactual address
// through the factory until a lookup succeeds.
func (a *SmartAccount) Address(ctx context.Context) (common.Address, error) {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	if a.addr != (common.Address{}) {
		return a.addr, nil
	}
	if a.cfg.Address != (common.Address{}) {
		a.addr = a.cfg.Address
		return a.addr, nil
	}

	addr, err := a.counterfactualAddress(ctx)
	if err != nil {
		return common.Address{}, err
	}
	a.addr = addr
	return addr, nil
}

func (a *SmartAccount) counterfactualAddress(ctx context.Context) (common.Address, error) {
	initData, err := a.cfg.DefaultModule.InitData(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("default module init data: %w", err)
	}
	var out []any
	err = a.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getAddressForCounterFactualAccount",
		a.cfg.DefaultModule.Address(), initData, a.cfg.Index)
	if err != nil {
		return common.Address{}, fmt.Errorf("counterfactual address: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, errors.New("factory returned no account address")
	}
	return addr, nil
}

// IsDeployed reports whether the account has code.
func (a *SmartAccount) IsDeployed(ctx context.Context) (bool, error) {
	addr, err := a.Address(ctx)
	if err != nil {
		return false, err
	}
	code, err := a.cfg.Chain.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("read account code: %w", err)
	}
	return len(code) > 0, nil
}

// FactoryData encodes the deployment call for the factory.
func (a *SmartAccount) FactoryData(ctx context.Context) ([]byte, error) {
	initData, err := a.cfg.DefaultModule.InitData(ctx)
	if err != nil {
		return nil, fmt.Errorf("default module init data: %w", err)
	}
	return FactoryABI.Pack("deployCounterFactualAccount", a.cfg.DefaultModule.Address(), initData, a.cfg.Index)
}

// NonceKey returns mode ‖ module address as the EntryPoint uint192 key, so
// each validation module has its own nonce sequence.
func NonceKey(mode byte, module common.Address) *big.Int {
	return new(big.Int).SetBytes(append([]byte{mode}, module.Bytes()...))
}

// Nonce reads the next nonce for the active module.
func (a *SmartAccount) Nonce(ctx context.Context) (*big.Int, error) {
	return a.NonceWithMode(ctx, ValidationModeDefault)
}

// NonceWithMode reads the next nonce for the active module under mode.
func (a *SmartAccount) NonceWithMode(ctx context.Context, mode byte) (*big.Int, error) {
	addr, err := a.Address(ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	key := NonceKey(mode, a.module.Address())
	if err := a.entryPoint.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", addr, key); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce result %T", out[0])
	}
	return nonce, nil
}

// IsModuleEnabled reports whether module is enabled on the deployed account.
// An undeployed account has no modules enabled.
func (a *SmartAccount) IsModuleEnabled(ctx context.Context, module common.Address) (bool, error) {
	deployed, err := a.IsDeployed(ctx)
	if err != nil || !deployed {
		return false, err
	}
	addr, err := a.Address(ctx)
	if err != nil {
		return false, err
	}

	var out []any
	contract := bind.NewBoundContract(addr, SmartAccountABI, a.cfg.Chain, nil, nil)
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "isModuleEnabled", module); err != nil {
		return false, fmt.Errorf("read module %s: %w", module, err)
	}
	enabled, _ := out[0].(bool)
	return enabled, nil
}

// SignMessage signs msg as the owner with the EIP-191 prefix.
func (a *SmartAccount) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return signer.SignMessage(ctx, a.cfg.Signer, msg)
}
