package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/blndgs/sessionkit/merkle"
	"github.com/blndgs/sessionkit/signer"
)

const sessionKeyManagerABI = `[
	{"inputs":[{"internalType":"bytes32","name":"_merkleRoot","type":"bytes32"}],"name":"setMerkleRoot","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var parsedManagerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(sessionKeyManagerABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

var logger = log.New("pkg", "session")

// LeafParams describes one permission to grant.
type LeafParams struct {
	// SessionID is optional; a random ID is assigned when empty.
	SessionID string
	// SessionSigner is the address of the ephemeral key allowed to sign.
	SessionSigner common.Address `validate:"required"`
	// SessionValidationModule is the contract interpreting SessionKeyData.
	SessionValidationModule common.Address `validate:"required"`
	SessionKeyData          []byte         `validate:"required"`
	ValidUntil              uint64         `validate:"uint48"`
	ValidAfter              uint64         `validate:"uint48"`
	// DAN is set for distributed (threshold) session keys.
	DAN *DANInfo
}

// SessionData is the result of a mutation of the leaf set.
type SessionData struct {
	// SetRootCallData is the session key manager call publishing Root.
	SetRootCallData []byte
	Root            common.Hash
	SessionIDs      []string
}

// EngineConfig binds an Engine to one account.
type EngineConfig struct {
	Account        common.Address `validate:"required"`
	ManagerAddress common.Address `validate:"required"`
	Store          Store          `validate:"required"`
}

// Engine maintains the Merkle tree of one account's session leaves.
//
// The tree is always rebuilt from the authoritative leaf list in the Store
// after a mutation; it is never patched incrementally. An Engine must not be
// mutated from several goroutines at once.
type Engine struct {
	account  common.Address
	manager  common.Address
	store    Store
	tree     *merkle.Tree
	validate *validator.Validate
}

// NewValidator returns a validator with the session specific rules
// registered.
func NewValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := v.RegisterValidation("uint48", func(fl validator.FieldLevel) bool {
		return fl.Field().Uint() <= MaxUint48
	}); err != nil {
		return nil, fmt.Errorf("failed to register validator for uint48: %w", err)
	}
	return v, nil
}

// NewEngine creates an engine and rebuilds its tree from the store. When the
// recorded root does not match the replayed leaves, the replayed root wins
// and is written back.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		account:  cfg.Account,
		manager:  cfg.ManagerAddress,
		store:    cfg.Store,
		validate: v,
	}
	root, err := e.rebuild(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := e.store.GetMerkleRoot(ctx, e.account)
	if err != nil {
		return nil, fmt.Errorf("read merkle root: %w", err)
	}
	if stored != root {
		if stored != (common.Hash{}) {
			logger.Warn("Stored session root does not match leaves, using replayed root",
				"account", e.account, "stored", stored, "replayed", root)
		}
		if err := e.store.SetMerkleRoot(ctx, e.account, root); err != nil {
			return nil, fmt.Errorf("write merkle root: %w", err)
		}
	}
	return e, nil
}

// Account returns the smart account the engine is bound to.
func (e *Engine) Account() common.Address { return e.account }

// ManagerAddress returns the session key manager module address.
func (e *Engine) ManagerAddress() common.Address { return e.manager }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// Root returns the current tree root.
func (e *Engine) Root() common.Hash { return e.tree.Root() }

// rebuild replaces the in-memory tree with one built from the live leaves.
func (e *Engine) rebuild(ctx context.Context) (common.Hash, error) {
	leaves, err := e.store.ListSessions(ctx, e.account, Live)
	if err != nil {
		return common.Hash{}, fmt.Errorf("list sessions: %w", err)
	}

	hashes := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		h, err := l.Hash()
		if err != nil {
			return common.Hash{}, fmt.Errorf("hash session %s: %w", l.SessionID, err)
		}
		hashes = append(hashes, h)
	}
	e.tree = merkle.New(hashes)
	return e.tree.Root(), nil
}

// SetRootCallData encodes setMerkleRoot(Root()) for the session key manager.
func (e *Engine) SetRootCallData() ([]byte, error) {
	callData, err := parsedManagerABI.Pack("setMerkleRoot", e.tree.Root())
	if err != nil {
		return nil, fmt.Errorf("encode setMerkleRoot: %w", err)
	}
	return callData, nil
}

// publish rebuilds the tree, records the root and encodes the call that
// sets it on chain.
func (e *Engine) publish(ctx context.Context, ids []string) (*SessionData, error) {
	root, err := e.rebuild(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetMerkleRoot(ctx, e.account, root); err != nil {
		return nil, fmt.Errorf("write merkle root: %w", err)
	}

	callData, err := e.SetRootCallData()
	if err != nil {
		return nil, err
	}

	logger.Debug("Session root updated", "account", e.account, "root", root, "leaves", e.tree.Len())
	return &SessionData{SetRootCallData: callData, Root: root, SessionIDs: ids}, nil
}

// CreateSessionData stores a PENDING leaf per params entry, recomputes the
// root over the full live leaf set and returns the call publishing it.
func (e *Engine) CreateSessionData(ctx context.Context, params []LeafParams) (*SessionData, error) {
	if len(params) == 0 {
		return nil, ErrParamsNotProvided
	}

	leaves := make([]*Leaf, 0, len(params))
	for i, p := range params {
		if err := e.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("session params %d: %w", i, err)
		}
		if p.ValidUntil != 0 && p.ValidUntil <= p.ValidAfter {
			return nil, fmt.Errorf("session params %d: %w", i, ErrInvalidValiditySpan)
		}

		id := p.SessionID
		if id == "" {
			id = uuid.NewString()
		}
		leaves = append(leaves, &Leaf{
			SessionID:               id,
			SessionPublicKey:        p.SessionSigner,
			SessionValidationModule: p.SessionValidationModule,
			SessionKeyData:          append([]byte{}, p.SessionKeyData...),
			ValidUntil:              p.ValidUntil,
			ValidAfter:              p.ValidAfter,
			Status:                  StatusPending,
			DAN:                     p.DAN,
		})
	}

	ids := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if err := e.store.AddSession(ctx, e.account, l); err != nil {
			err = fmt.Errorf("store session %s: %w", l.SessionID, err)
			return nil, e.rollback(ctx, ids, err)
		}
		ids = append(ids, l.SessionID)
	}

	return e.publish(ctx, ids)
}

// rollback revokes the leaves of a partially stored batch and republishes
// so that the tree and the recorded root match the store again.
func (e *Engine) rollback(ctx context.Context, ids []string, cause error) error {
	result := multierror.Append(nil, cause)
	for _, id := range ids {
		if err := e.store.UpdateSessionStatus(ctx, e.account, SearchParams{SessionID: id}, StatusRevoked); err != nil {
			result = multierror.Append(result, fmt.Errorf("roll back session %s: %w", id, err))
		}
	}
	if _, err := e.publish(ctx, nil); err != nil {
		result = multierror.Append(result, err)
	}
	logger.Warn("Session batch rolled back", "account", e.account, "stored", len(ids), "err", cause)
	return result.ErrorOrNil()
}

// RevokeSessions marks the sessions REVOKED and returns the call publishing
// the root without them. Proofs issued for them no longer verify.
func (e *Engine) RevokeSessions(ctx context.Context, sessionIDs []string) (*SessionData, error) {
	if len(sessionIDs) == 0 {
		return nil, ErrParamsNotProvided
	}
	for _, id := range sessionIDs {
		if err := e.store.UpdateSessionStatus(ctx, e.account, SearchParams{SessionID: id}, StatusRevoked); err != nil {
			return nil, fmt.Errorf("revoke session %s: %w", id, err)
		}
	}
	return e.publish(ctx, sessionIDs)
}

// UpdateSessionStatus moves a session to status. Revoking through this method
// changes the root; prefer RevokeSessions to also get the publishing call.
func (e *Engine) UpdateSessionStatus(ctx context.Context, params SearchParams, status Status) error {
	if err := e.store.UpdateSessionStatus(ctx, e.account, params, status); err != nil {
		return err
	}
	if status == StatusRevoked {
		_, err := e.publish(ctx, nil)
		return err
	}
	return nil
}

// ClearPendingSessions drops every PENDING leaf, for when the enabling
// transaction failed, and rebuilds the tree.
func (e *Engine) ClearPendingSessions(ctx context.Context) (*SessionData, error) {
	if err := e.store.ClearPendingSessions(ctx, e.account); err != nil {
		return nil, err
	}
	return e.publish(ctx, nil)
}

// Sessions lists the account's leaves selected by filter.
func (e *Engine) Sessions(ctx context.Context, filter StatusFilter) ([]*Leaf, error) {
	return e.store.ListSessions(ctx, e.account, filter)
}

// FindSession locates a live leaf. Revoked leaves are never returned; when a
// key pair was revoked and granted again, the live grant is found.
func (e *Engine) FindSession(ctx context.Context, params SearchParams) (*Leaf, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Status == StatusRevoked {
		return nil, fmt.Errorf("%w: %s is revoked", ErrSessionNotFound, params)
	}

	leaves, err := e.store.ListSessions(ctx, e.account, Live)
	if err != nil {
		return nil, err
	}
	for _, l := range leaves {
		if params.matches(l) {
			return l, nil
		}
	}

	if _, err := e.store.GetSession(ctx, e.account, params); err == nil {
		return nil, fmt.Errorf("%w: %s is revoked", ErrSessionNotFound, params)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, params)
}

// Proof returns the inclusion proof of leaf against Root.
func (e *Engine) Proof(leaf *Leaf) ([]common.Hash, error) {
	h, err := leaf.Hash()
	if err != nil {
		return nil, err
	}
	proof, err := e.tree.Proof(h)
	if err != nil {
		if errors.Is(err, merkle.ErrLeafNotFound) {
			return nil, fmt.Errorf("%w: %s not in tree", ErrSessionNotFound, leaf.SessionID)
		}
		return nil, err
	}
	return proof, nil
}

// SignerFor returns the stored ephemeral signer of a leaf.
func (e *Engine) SignerFor(ctx context.Context, leaf *Leaf) (signer.Signer, error) {
	key, err := e.store.GetSigner(ctx, e.account, leaf.SessionPublicKey)
	if err != nil {
		return nil, err
	}
	return signer.FromHex(key.PrivateKey)
}

// NewSessionSigner generates an ephemeral key and saves it in the signer
// table, ready to be used as LeafParams.SessionSigner.
func (e *Engine) NewSessionSigner(ctx context.Context) (*signer.PrivateKeySigner, error) {
	s, err := signer.Generate()
	if err != nil {
		return nil, err
	}
	if err := e.store.AddSigner(ctx, e.account, SignerKey{
		PrivateKey: s.PrivateKeyHex(),
		PublicKey:  s.Address(),
	}); err != nil {
		return nil, fmt.Errorf("store session signer: %w", err)
	}
	return s, nil
}
