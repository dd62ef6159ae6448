package validation

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/blndgs/sessionkit/signer"
)

const ecdsaOwnershipABI = `[
	{"inputs":[{"internalType":"address","name":"eoaOwner","type":"address"}],"name":"initForSmartAccount","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"transferOwnership","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var parsedOwnershipABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ecdsaOwnershipABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ECDSAConfig configures the single owner strategy.
type ECDSAConfig struct {
	Owner         signer.Signer
	ModuleAddress common.Address
	// AppendModuleAddress suffixes signatures with the module address, as
	// accounts that route validation by signature suffix expect.
	AppendModuleAddress bool
}

// ECDSAModule authorizes operations with the account owner's key.
type ECDSAModule struct {
	owner         signer.Signer
	address       common.Address
	appendAddress bool
}

var _ Module = (*ECDSAModule)(nil)

// NewECDSAModule validates cfg and returns the owner strategy.
func NewECDSAModule(cfg ECDSAConfig) (*ECDSAModule, error) {
	if cfg.Owner == nil {
		return nil, ErrMissingSigner
	}
	if cfg.ModuleAddress == (common.Address{}) {
		return nil, ErrMissingModuleAddress
	}
	return &ECDSAModule{
		owner:         cfg.Owner,
		address:       cfg.ModuleAddress,
		appendAddress: cfg.AppendModuleAddress,
	}, nil
}

func (m *ECDSAModule) Address() common.Address {
	return m.address
}

func (m *ECDSAModule) wrap(sig []byte) []byte {
	if !m.appendAddress {
		return sig
	}
	return append(sig, m.address.Bytes()...)
}

func (m *ECDSAModule) DummySignature(context.Context, *ModuleParams) ([]byte, error) {
	return m.wrap(DummyECDSASignature()), nil
}

func (m *ECDSAModule) SignUserOpHash(ctx context.Context, hash common.Hash, _ *ModuleParams) ([]byte, error) {
	sig, err := signer.SignMessage(ctx, m.owner, hash.Bytes())
	if err != nil {
		return nil, err
	}
	return m.wrap(sig), nil
}

// InitData encodes initForSmartAccount(owner).
func (m *ECDSAModule) InitData(context.Context) ([]byte, error) {
	return parsedOwnershipABI.Pack("initForSmartAccount", m.owner.Address())
}

// TransferOwnershipData encodes the module call moving ownership to owner.
func (m *ECDSAModule) TransferOwnershipData(owner common.Address) ([]byte, error) {
	return parsedOwnershipABI.Pack("transferOwnership", owner)
}

func (m *ECDSAModule) SignerAddress(context.Context, *ModuleParams) (common.Address, error) {
	return m.owner.Address(), nil
}
