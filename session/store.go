package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the session leaves, Merkle root and ephemeral signer
// material of smart accounts, keyed by the account address.
//
// Leaves are returned in insertion order. Implementations are safe for
// concurrent use, but concurrent writers for the same account must still be
// serialized by the caller: the Engine reads the full leaf set, mutates it and
// rewrites the root without a compare-and-swap.
type Store interface {
	// AddSession appends a leaf to the account's leaf list.
	AddSession(ctx context.Context, account common.Address, leaf *Leaf) error

	// GetSession returns the first leaf matching params.
	// Returns ErrParamsNotProvided or ErrSessionNotFound.
	GetSession(ctx context.Context, account common.Address, params SearchParams) (*Leaf, error)

	// UpdateSessionStatus moves the matching leaf to status.
	UpdateSessionStatus(ctx context.Context, account common.Address, params SearchParams, status Status) error

	// ClearPendingSessions removes every PENDING leaf.
	ClearPendingSessions(ctx context.Context, account common.Address) error

	// ListSessions returns the leaves selected by filter in insertion order.
	ListSessions(ctx context.Context, account common.Address, filter StatusFilter) ([]*Leaf, error)

	// SetMerkleRoot records the root last computed for the account.
	SetMerkleRoot(ctx context.Context, account common.Address, root common.Hash) error

	// GetMerkleRoot returns the recorded root, or the zero hash if none.
	GetMerkleRoot(ctx context.Context, account common.Address) (common.Hash, error)

	// AddSigner stores ephemeral signer material.
	AddSigner(ctx context.Context, account common.Address, key SignerKey) error

	// GetSigner returns the signer material for address.
	// Returns ErrSignerNotFound if it does not exist.
	GetSigner(ctx context.Context, account common.Address, address common.Address) (*SignerKey, error)

	// Close releases any resources held by the store.
	Close() error
}

// SignerKey is one row of the signer table.
type SignerKey struct {
	PrivateKey string         `json:"privateKey"`
	PublicKey  common.Address `json:"publicKey"`
}

// record is the persisted per-account layout.
type record struct {
	MerkleRoot string  `json:"merkleRoot"`
	LeafNodes  []*Leaf `json:"leafNodes"`
}

func (r *record) root() common.Hash {
	if r.MerkleRoot == "" {
		return common.Hash{}
	}
	return common.HexToHash(r.MerkleRoot)
}

// accountKey normalizes addresses for lookups.
func accountKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// recordIO is the raw persistence a backend provides. It never sees partial
// updates: each call reads or writes a whole record or signer row.
type recordIO interface {
	loadRecord(ctx context.Context, account string) (*record, error)
	saveRecord(ctx context.Context, account string, r *record) error
	loadSigner(ctx context.Context, account, address string) (*SignerKey, error)
	saveSigner(ctx context.Context, account, address string, key SignerKey) error
	close() error
}

// recordStore implements Store on top of a recordIO.
type recordStore struct {
	io     recordIO
	mu     sync.RWMutex
	closed bool
}

func (s *recordStore) readLocked(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

func (s *recordStore) writeLocked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

func (s *recordStore) mutate(ctx context.Context, account common.Address, fn func(r *record) error) error {
	return s.writeLocked(func() error {
		key := accountKey(account)
		r, err := s.io.loadRecord(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		return s.io.saveRecord(ctx, key, r)
	})
}

func (s *recordStore) AddSession(ctx context.Context, account common.Address, leaf *Leaf) error {
	if leaf == nil || leaf.SessionID == "" {
		return ErrParamsNotProvided
	}
	return s.mutate(ctx, account, func(r *record) error {
		for _, existing := range r.LeafNodes {
			if existing.SessionID == leaf.SessionID {
				return fmt.Errorf("session %s already exists", leaf.SessionID)
			}
		}
		r.LeafNodes = append(r.LeafNodes, leaf.clone())
		return nil
	})
}

func (s *recordStore) GetSession(ctx context.Context, account common.Address, params SearchParams) (*Leaf, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	var found *Leaf
	err := s.readLocked(func() error {
		r, err := s.io.loadRecord(ctx, accountKey(account))
		if err != nil {
			return err
		}
		for _, l := range r.LeafNodes {
			if params.matches(l) {
				found = l.clone()
				return nil
			}
		}
		return ErrSessionNotFound
	})
	return found, err
}

func (s *recordStore) UpdateSessionStatus(ctx context.Context, account common.Address, params SearchParams, status Status) error {
	if err := params.validate(); err != nil {
		return err
	}
	return s.mutate(ctx, account, func(r *record) error {
		for _, l := range r.LeafNodes {
			if !params.matches(l) {
				continue
			}
			if !canTransition(l.Status, status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, status)
			}
			l.Status = status
			return nil
		}
		return ErrSessionNotFound
	})
}

func (s *recordStore) ClearPendingSessions(ctx context.Context, account common.Address) error {
	return s.mutate(ctx, account, func(r *record) error {
		kept := r.LeafNodes[:0]
		for _, l := range r.LeafNodes {
			if l.Status != StatusPending {
				kept = append(kept, l)
			}
		}
		r.LeafNodes = kept
		return nil
	})
}

func (s *recordStore) ListSessions(ctx context.Context, account common.Address, filter StatusFilter) ([]*Leaf, error) {
	var out []*Leaf
	err := s.readLocked(func() error {
		r, err := s.io.loadRecord(ctx, accountKey(account))
		if err != nil {
			return err
		}
		for _, l := range r.LeafNodes {
			if filter.includes(l.Status) {
				out = append(out, l.clone())
			}
		}
		return nil
	})
	return out, err
}

func (s *recordStore) SetMerkleRoot(ctx context.Context, account common.Address, root common.Hash) error {
	return s.mutate(ctx, account, func(r *record) error {
		r.MerkleRoot = root.Hex()
		return nil
	})
}

func (s *recordStore) GetMerkleRoot(ctx context.Context, account common.Address) (common.Hash, error) {
	var root common.Hash
	err := s.readLocked(func() error {
		r, err := s.io.loadRecord(ctx, accountKey(account))
		if err != nil {
			return err
		}
		root = r.root()
		return nil
	})
	return root, err
}

func (s *recordStore) AddSigner(ctx context.Context, account common.Address, key SignerKey) error {
	if key.PrivateKey == "" || key.PublicKey == (common.Address{}) {
		return ErrParamsNotProvided
	}
	return s.writeLocked(func() error {
		return s.io.saveSigner(ctx, accountKey(account), accountKey(key.PublicKey), key)
	})
}

func (s *recordStore) GetSigner(ctx context.Context, account common.Address, address common.Address) (*SignerKey, error) {
	var key *SignerKey
	err := s.readLocked(func() error {
		var err error
		key, err = s.io.loadSigner(ctx, accountKey(account), accountKey(address))
		return err
	})
	return key, err
}

func (s *recordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.io.close()
}
