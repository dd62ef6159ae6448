package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeySigner_SignMessage(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("user op hash"))
	sig, err := SignMessage(context.Background(), s, digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverMessageSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), recovered)
}

func TestPrivateKeySigner_RoundTripHex(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	restored, err := FromHex(s.PrivateKeyHex())
	require.NoError(t, err)
	require.Equal(t, s.Address(), restored.Address())

	_, err = FromHex("0xnothex")
	require.Error(t, err)
}

func TestPrivateKeySigner_RejectsNonDigest(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	_, err = s.SignHash(context.Background(), []byte("short"))
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestNormalizeV(t *testing.T) {
	tests := []struct {
		name  string
		v     byte
		wantV byte
	}{
		{"zero", 0, 27},
		{"one", 1, 28},
		{"already 27", 27, 27},
		{"already 28", 28, 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := make([]byte, SignatureLength)
			sig[64] = tt.v
			out, err := NormalizeV(sig)
			require.NoError(t, err)
			require.Equal(t, tt.wantV, out[64])
			require.Equal(t, tt.v, sig[64], "input must not be mutated")
		})
	}

	_, err := NormalizeV(make([]byte, 64))
	require.ErrorIs(t, err, ErrInvalidSignature)
}
