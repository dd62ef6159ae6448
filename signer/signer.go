// Package signer is the boundary between the authorization pipeline and the
// key material that produces ECDSA signatures. Every backend (local key,
// hardware wallet, remote signer) is normalized into one capability: sign a
// 32 byte digest and report the signing address.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the byte length of an r ‖ s ‖ v secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrInvalidDigest    = errors.New("digest must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid signature length")
)

// Signer signs raw digests.
type Signer interface {
	// Address returns the address recovered from the signer's signatures.
	Address() common.Address

	// SignHash signs a pre-hashed 32 byte value without any further hashing.
	// The returned signature is r ‖ s ‖ v where v may be 0/1 or 27/28.
	SignHash(ctx context.Context, digest []byte) ([]byte, error)
}

// PrivateKeySigner signs with an in-process secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner wraps an ECDSA private key.
func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// FromHex parses a hex private key, with or without the 0x prefix.
func FromHex(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewPrivateKeySigner(key), nil
}

// Generate creates a signer backed by a fresh random key.
func Generate() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewPrivateKeySigner(key), nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignHash(_ context.Context, digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, ErrInvalidDigest
	}
	return crypto.Sign(digest, s.key)
}

// PrivateKeyHex returns the 0x prefixed hex encoding of the key, for
// persisting ephemeral session keys in a session store.
func (s *PrivateKeySigner) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))
}

// NormalizeV moves a 0/1 recovery id to the 27/28 convention expected by
// on-chain ecrecover. Signatures already using 27/28 are returned unchanged.
func NormalizeV(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, ErrInvalidSignature
	}
	out := append([]byte{}, sig...)
	if out[64] < 27 {
		out[64] += 27
	}
	return out, nil
}

// SignMessage signs the EIP-191 personal message hash of msg and normalizes v.
func SignMessage(ctx context.Context, s Signer, msg []byte) ([]byte, error) {
	sig, err := s.SignHash(ctx, accounts.TextHash(msg))
	if err != nil {
		return nil, err
	}
	return NormalizeV(sig)
}

// RecoverMessageSigner returns the address that produced a SignMessage
// signature over msg.
func RecoverMessageSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	rsv := append([]byte{}, sig...)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
