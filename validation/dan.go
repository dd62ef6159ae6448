package validation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blndgs/sessionkit/dan"
	"github.com/blndgs/sessionkit/session"
	"github.com/blndgs/sessionkit/signer"
)

// DANConfig configures the distributed session strategy.
type DANConfig struct {
	Engine            *session.Engine
	Network           dan.Network
	EntryPoint        common.Address
	EntryPointVersion string
	ChainID           *big.Int
	RoundTimeout      time.Duration
}

// DANModule authorizes operations with a threshold key held by a signer
// network. Its signatures use the single session envelope followed by the
// caller's additional session data.
type DANModule struct {
	cfg DANConfig
}

var _ Module = (*DANModule)(nil)

// NewDANModule validates cfg and returns the distributed strategy.
func NewDANModule(cfg DANConfig) (*DANModule, error) {
	if cfg.Engine == nil {
		return nil, ErrMissingEngine
	}
	if cfg.Network == nil {
		return nil, dan.ErrMissingNetwork
	}
	if cfg.ChainID == nil {
		cfg.ChainID = new(big.Int)
	}
	return &DANModule{cfg: cfg}, nil
}

// Address is the session key manager.
func (m *DANModule) Address() common.Address {
	return m.cfg.Engine.ManagerAddress()
}

// GenerateSessionKey creates an ephemeral authentication key, stores it in
// the signer table and runs a key generation round with it. The returned
// info goes into LeafParams.DAN, and its EOAAddress is the session signer.
func (m *DANModule) GenerateSessionKey(ctx context.Context, policy dan.Policy) (*session.DANInfo, error) {
	auth, err := m.cfg.Engine.NewSessionSigner(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := dan.NewSession(dan.Config{
		Network:      m.cfg.Network,
		AuthKey:      auth,
		Policy:       policy,
		ChainID:      m.cfg.ChainID.Uint64(),
		RoundTimeout: m.cfg.RoundTimeout,
	})
	if err != nil {
		return nil, err
	}
	return sess.GenerateKey(ctx)
}

func (m *DANModule) resolve(ctx context.Context, params *ModuleParams) (*session.Leaf, []common.Hash, error) {
	leaf, proof, err := resolve(ctx, m.cfg.Engine, sessionParams(params))
	if err != nil {
		return nil, nil, err
	}
	if leaf.DAN == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotDANSession, leaf.SessionID)
	}
	return leaf, proof, nil
}

func (m *DANModule) envelope(leaf *session.Leaf, proof []common.Hash, sig, additional []byte) ([]byte, error) {
	enc, err := encodeSessionSignature(m.Address(), leaf, proof, sig)
	if err != nil {
		return nil, err
	}
	return append(enc, additional...), nil
}

func (m *DANModule) DummySignature(ctx context.Context, params *ModuleParams) ([]byte, error) {
	leaf, proof, err := m.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	return m.envelope(leaf, proof, DummyECDSASignature(), params.AdditionalSessionData)
}

func (m *DANModule) SignUserOpHash(ctx context.Context, hash common.Hash, params *ModuleParams) ([]byte, error) {
	leaf, proof, err := m.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	if params.UserOp == nil {
		return nil, fmt.Errorf("%w: user operation", session.ErrParamsNotProvided)
	}

	key, err := m.cfg.Engine.Store().GetSigner(ctx, m.cfg.Engine.Account(), leaf.DAN.EphemeralAddress)
	if err != nil {
		return nil, fmt.Errorf("dan auth key: %w", err)
	}
	auth, err := signer.FromHex(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sess, err := dan.Resume(m.cfg.Network, auth, leaf.DAN, m.cfg.RoundTimeout)
	if err != nil {
		return nil, err
	}

	sig, err := sess.Sign(ctx, &dan.SigningRequest{
		UserOp:            params.UserOp,
		UserOpHash:        hash,
		EntryPoint:        m.cfg.EntryPoint,
		EntryPointVersion: m.cfg.EntryPointVersion,
		ChainID:           m.cfg.ChainID,
	})
	if err != nil {
		return nil, err
	}
	return m.envelope(leaf, proof, sig, params.AdditionalSessionData)
}

// InitData encodes setMerkleRoot(currentRoot).
func (m *DANModule) InitData(context.Context) ([]byte, error) {
	return m.cfg.Engine.SetRootCallData()
}

// SignerAddress is the EOA address of the distributed key.
func (m *DANModule) SignerAddress(ctx context.Context, params *ModuleParams) (common.Address, error) {
	leaf, _, err := m.resolve(ctx, params)
	if err != nil {
		return common.Address{}, err
	}
	return leaf.DAN.EOAAddress, nil
}
