// Package merkle implements the binary keccak256 hash tree used to commit to
// the set of granted session permissions.
//
// Sibling pairs are sorted before hashing, and leaves are sorted before the
// tree is built, so the root depends only on the set of leaves and a proof
// is a plain list of sibling hashes with no direction bits. An odd node at
// the end of a layer is promoted to the next layer unchanged.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrLeafNotFound = errors.New("leaf not found in tree")

// Tree is an immutable Merkle tree. Rebuild it with New on every change to
// the leaf set.
type Tree struct {
	layers [][]common.Hash
}

// New builds a tree over a copy of leaves.
func New(leaves []common.Hash) *Tree {
	sorted := make([]common.Hash, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	t := &Tree{layers: [][]common.Hash{sorted}}
	for layer := sorted; len(layer) > 1; {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, HashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t
}

// HashPair returns keccak256 of the two nodes concatenated in ascending order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Root returns the tree root, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// Leaves returns the sorted leaves.
func (t *Tree) Leaves() []common.Hash {
	out := make([]common.Hash, len(t.layers[0]))
	copy(out, t.layers[0])
	return out
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.layers[0])
}

func (t *Tree) indexOf(leaf common.Hash) int {
	leaves := t.layers[0]
	i := sort.Search(len(leaves), func(i int) bool {
		return bytes.Compare(leaves[i][:], leaf[:]) >= 0
	})
	if i < len(leaves) && leaves[i] == leaf {
		return i
	}
	return -1
}

// Contains reports whether leaf is part of the tree.
func (t *Tree) Contains(leaf common.Hash) bool {
	return t.indexOf(leaf) >= 0
}

// Proof returns the sibling path from leaf to the root.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	index := t.indexOf(leaf)
	if index < 0 {
		return nil, ErrLeafNotFound
	}

	proof := make([]common.Hash, 0, len(t.layers)-1)
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify reports whether proof links leaf to root.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	computed := leaf
	for _, p := range proof {
		computed = HashPair(computed, p)
	}
	return computed == root
}
