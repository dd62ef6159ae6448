// Package dantest provides an in-process signer network for tests.
package dantest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blndgs/sessionkit/dan"
	"github.com/blndgs/sessionkit/signer"
)

// Network simulates a signer network with a single local key per keygen.
// It checks the ephemeral key authentication of every request.
type Network struct {
	mu        sync.Mutex
	keys      map[string]*ecdsa.PrivateKey
	owners    map[string][]byte
	KeyGens   int
	Signs     int
	LastSign  *dan.SignRequest
	FailSign  error
	FlipRecID bool
}

var _ dan.Network = (*Network)(nil)

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		keys:   make(map[string]*ecdsa.PrivateKey),
		owners: make(map[string][]byte),
	}
}

func (n *Network) KeyGen(_ context.Context, req *dan.KeyGenRequest) (*dan.KeyGenResult, error) {
	got, err := signer.RecoverMessageSigner(dan.KeyGenAuthDigest(req), req.Signature)
	if err != nil || got != req.EphemeralAddress {
		return nil, errors.New("keygen: bad authentication")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.KeyGens++
	id := fmt.Sprintf("mpc-%d", n.KeyGens)
	n.keys[id] = key
	n.owners[id] = req.EphemeralAddress.Bytes()
	return &dan.KeyGenResult{MPCKeyID: id, PublicKey: crypto.FromECDSAPub(&key.PublicKey)}, nil
}

func (n *Network) Sign(_ context.Context, req *dan.SignRequest) (*dan.SignResult, error) {
	got, err := signer.RecoverMessageSigner(dan.SignAuthDigest(req), req.Signature)
	if err != nil || got != req.EphemeralAddress {
		return nil, errors.New("sign: bad authentication")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.Signs++
	n.LastSign = req
	if n.FailSign != nil {
		return nil, n.FailSign
	}
	key, ok := n.keys[req.MPCKeyID]
	if !ok || string(n.owners[req.MPCKeyID]) != string(req.EphemeralAddress.Bytes()) {
		return nil, fmt.Errorf("sign: unknown key %s", req.MPCKeyID)
	}

	sig, err := crypto.Sign(req.Digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	recID := uint64(sig[64])
	if n.FlipRecID {
		recID ^= 1
	}
	return &dan.SignResult{R: sig[:32], S: sig[32:64], RecoveryID: hexutil.Uint64(recID)}, nil
}
