package session

import (
	"context"
)

// MemoryStore keeps sessions in process memory. Nothing survives a restart.
type MemoryStore struct {
	recordStore
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.io = &memoryIO{
		records: make(map[string]*record),
		signers: make(map[string]map[string]SignerKey),
	}
	return s
}

type memoryIO struct {
	records map[string]*record
	signers map[string]map[string]SignerKey
}

func copyRecord(r *record) *record {
	out := &record{MerkleRoot: r.MerkleRoot, LeafNodes: make([]*Leaf, 0, len(r.LeafNodes))}
	for _, l := range r.LeafNodes {
		out.LeafNodes = append(out.LeafNodes, l.clone())
	}
	return out
}

func (m *memoryIO) loadRecord(_ context.Context, account string) (*record, error) {
	r, ok := m.records[account]
	if !ok {
		return &record{}, nil
	}
	return copyRecord(r), nil
}

func (m *memoryIO) saveRecord(_ context.Context, account string, r *record) error {
	m.records[account] = copyRecord(r)
	return nil
}

func (m *memoryIO) loadSigner(_ context.Context, account, address string) (*SignerKey, error) {
	key, ok := m.signers[account][address]
	if !ok {
		return nil, ErrSignerNotFound
	}
	return &key, nil
}

func (m *memoryIO) saveSigner(_ context.Context, account, address string, key SignerKey) error {
	if m.signers[account] == nil {
		m.signers[account] = make(map[string]SignerKey)
	}
	m.signers[account][address] = key
	return nil
}

func (m *memoryIO) close() error {
	return nil
}
