package validation

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blndgs/sessionkit/session"
	"github.com/blndgs/sessionkit/signer"
)

// SessionModule authorizes operations with one session key, proving the
// session's leaf against the root held by the session key manager.
type SessionModule struct {
	engine *session.Engine
}

var _ Module = (*SessionModule)(nil)

// NewSessionModule binds the strategy to an account's session engine.
func NewSessionModule(engine *session.Engine) (*SessionModule, error) {
	if engine == nil {
		return nil, ErrMissingEngine
	}
	return &SessionModule{engine: engine}, nil
}

// Address is the session key manager.
func (m *SessionModule) Address() common.Address {
	return m.engine.ManagerAddress()
}

// Engine returns the session engine the module reads leaves from.
func (m *SessionModule) Engine() *session.Engine {
	return m.engine
}

// resolve finds the leaf for params and its proof against the current root.
func resolve(ctx context.Context, engine *session.Engine, params *SessionParams) (*session.Leaf, []common.Hash, error) {
	if params == nil {
		return nil, nil, session.ErrParamsNotProvided
	}
	leaf, err := engine.FindSession(ctx, params.search())
	if err != nil {
		return nil, nil, err
	}
	proof, err := engine.Proof(leaf)
	if err != nil {
		return nil, nil, err
	}
	return leaf, proof, nil
}

// sessionKey returns the signer for leaf, preferring the one in params.
func sessionKey(ctx context.Context, engine *session.Engine, leaf *session.Leaf, params *SessionParams) (signer.Signer, error) {
	if params.SessionKey != nil {
		if params.SessionKey.Address() != leaf.SessionPublicKey {
			return nil, fmt.Errorf("%w: %s, leaf %s", ErrSignerMismatch, params.SessionKey.Address(), leaf.SessionPublicKey)
		}
		return params.SessionKey, nil
	}
	s, err := engine.SignerFor(ctx, leaf)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", leaf.SessionID, err)
	}
	return s, nil
}

func sessionParams(params *ModuleParams) *SessionParams {
	if params == nil {
		return nil
	}
	return &params.SessionParams
}

func (m *SessionModule) DummySignature(ctx context.Context, params *ModuleParams) ([]byte, error) {
	leaf, proof, err := resolve(ctx, m.engine, sessionParams(params))
	if err != nil {
		return nil, err
	}
	return encodeSessionSignature(m.Address(), leaf, proof, DummyECDSASignature())
}

func (m *SessionModule) SignUserOpHash(ctx context.Context, hash common.Hash, params *ModuleParams) ([]byte, error) {
	sp := sessionParams(params)
	leaf, proof, err := resolve(ctx, m.engine, sp)
	if err != nil {
		return nil, err
	}
	key, err := sessionKey(ctx, m.engine, leaf, sp)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignMessage(ctx, key, hash.Bytes())
	if err != nil {
		return nil, err
	}

	logger.Debug("Signed with session", "session", leaf.SessionID, "signer", leaf.SessionPublicKey, "proof", len(proof))
	return encodeSessionSignature(m.Address(), leaf, proof, sig)
}

// InitData encodes setMerkleRoot(currentRoot).
func (m *SessionModule) InitData(context.Context) ([]byte, error) {
	return m.engine.SetRootCallData()
}

func (m *SessionModule) SignerAddress(ctx context.Context, params *ModuleParams) (common.Address, error) {
	sp := sessionParams(params)
	if sp == nil {
		return common.Address{}, session.ErrParamsNotProvided
	}
	leaf, err := m.engine.FindSession(ctx, sp.search())
	if err != nil {
		return common.Address{}, err
	}
	return leaf.SessionPublicKey, nil
}
