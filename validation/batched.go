package validation

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/blndgs/sessionkit/session"
	"github.com/blndgs/sessionkit/signer"
)

// BatchedSessionModule authorizes a batch of calls where every call is
// covered by its own session leaf. All leaves must name the same session
// key, whose one signature covers the whole operation.
type BatchedSessionModule struct {
	engine *session.Engine
	router common.Address
}

var _ Module = (*BatchedSessionModule)(nil)

// NewBatchedSessionModule binds the strategy to an engine and the batched
// session router contract.
func NewBatchedSessionModule(engine *session.Engine, router common.Address) (*BatchedSessionModule, error) {
	if engine == nil {
		return nil, ErrMissingEngine
	}
	if router == (common.Address{}) {
		return nil, ErrMissingModuleAddress
	}
	return &BatchedSessionModule{engine: engine, router: router}, nil
}

// Address is the batched session router.
func (m *BatchedSessionModule) Address() common.Address {
	return m.router
}

type resolvedSession struct {
	leaf   *session.Leaf
	proof  []common.Hash
	params *SessionParams
}

// resolveBatch resolves every entry, reporting all failing entries at once.
func (m *BatchedSessionModule) resolveBatch(ctx context.Context, params *ModuleParams) ([]resolvedSession, error) {
	if params == nil || len(params.BatchSessionParams) == 0 {
		return nil, session.ErrParamsNotProvided
	}
	if params.CallCount != 0 && params.CallCount != len(params.BatchSessionParams) {
		return nil, fmt.Errorf("%w: %d params for %d calls", ErrSessionParamsLength, len(params.BatchSessionParams), params.CallCount)
	}

	var errs *multierror.Error
	out := make([]resolvedSession, len(params.BatchSessionParams))
	for i := range params.BatchSessionParams {
		p := &params.BatchSessionParams[i]
		leaf, proof, err := resolve(ctx, m.engine, p)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("session %d: %w", i, err))
			continue
		}
		out[i] = resolvedSession{leaf: leaf, proof: proof, params: p}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	first := out[0].leaf.SessionPublicKey
	for i, r := range out[1:] {
		if r.leaf.SessionPublicKey != first {
			return nil, fmt.Errorf("%w: session %d uses %s, session 0 uses %s", ErrMixedSessionSigners, i+1, r.leaf.SessionPublicKey, first)
		}
	}
	return out, nil
}

func (m *BatchedSessionModule) encode(resolved []resolvedSession, sig []byte) ([]byte, error) {
	tuples := make([]SessionTuple, len(resolved))
	for i, r := range resolved {
		tuples[i] = newSessionTuple(r.leaf, r.proof, r.params.CallSpecificData)
	}
	return BatchedSessionSignatureArgs.Pack(m.engine.ManagerAddress(), tuples, sig)
}

func (m *BatchedSessionModule) DummySignature(ctx context.Context, params *ModuleParams) ([]byte, error) {
	resolved, err := m.resolveBatch(ctx, params)
	if err != nil {
		return nil, err
	}
	return m.encode(resolved, DummyECDSASignature())
}

func (m *BatchedSessionModule) SignUserOpHash(ctx context.Context, hash common.Hash, params *ModuleParams) ([]byte, error) {
	resolved, err := m.resolveBatch(ctx, params)
	if err != nil {
		return nil, err
	}

	var key signer.Signer
	for _, r := range resolved {
		if r.params.SessionKey != nil {
			key, err = sessionKey(ctx, m.engine, r.leaf, r.params)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if key == nil {
		key, err = sessionKey(ctx, m.engine, resolved[0].leaf, resolved[0].params)
		if err != nil {
			return nil, err
		}
	}

	sig, err := signer.SignMessage(ctx, key, hash.Bytes())
	if err != nil {
		return nil, err
	}

	logger.Debug("Signed with batched sessions", "sessions", len(resolved), "signer", key.Address())
	return m.encode(resolved, sig)
}

// InitData is empty: the router reads the session key manager's root.
func (m *BatchedSessionModule) InitData(context.Context) ([]byte, error) {
	return []byte{}, nil
}

func (m *BatchedSessionModule) SignerAddress(ctx context.Context, params *ModuleParams) (common.Address, error) {
	resolved, err := m.resolveBatch(ctx, params)
	if err != nil {
		return common.Address{}, err
	}
	return resolved[0].leaf.SessionPublicKey, nil
}
