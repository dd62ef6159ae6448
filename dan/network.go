// Package dan drives threshold (MPC) signing against a distributed signer
// network. The transaction signing key of a DAN session never exists in this
// process: a key generation round creates it across the network's parties,
// and every signing round is authenticated with a local ephemeral key.
package dan

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// KeyGenRequest starts a key generation round.
type KeyGenRequest struct {
	EphemeralAddress common.Address `json:"ephemeralAddress"`
	Threshold        uint32         `json:"threshold"`
	PartiesNumber    uint32         `json:"partiesNumber"`
	ChainID          uint64         `json:"chainId"`
	// Signature is the ephemeral key's EIP-191 signature over AuthDigest.
	Signature hexutil.Bytes `json:"signature"`
}

// KeyGenResult identifies the distributed key.
type KeyGenResult struct {
	MPCKeyID string `json:"mpcKeyId"`
	// PublicKey is the uncompressed secp256k1 public key.
	PublicKey hexutil.Bytes `json:"publicKey"`
}

// SignRequest asks the parties holding MPCKeyID to sign Digest.
type SignRequest struct {
	MPCKeyID         string         `json:"mpcKeyId"`
	EphemeralAddress common.Address `json:"ephemeralAddress"`
	Digest           common.Hash    `json:"digest"`
	// Message is the serialized operation the digest was computed from, so
	// parties can check what they are signing.
	Message   hexutil.Bytes `json:"message"`
	Signature hexutil.Bytes `json:"signature"`
}

// SignResult is a raw ECDSA signature share combination.
type SignResult struct {
	R          hexutil.Bytes  `json:"r"`
	S          hexutil.Bytes  `json:"s"`
	RecoveryID hexutil.Uint64 `json:"recid"`
}

// Network is a distributed signer network.
type Network interface {
	KeyGen(ctx context.Context, req *KeyGenRequest) (*KeyGenResult, error)
	Sign(ctx context.Context, req *SignRequest) (*SignResult, error)
}

// RPCNetwork talks to a signer network node over JSON-RPC.
type RPCNetwork struct {
	client *rpc.Client
}

var _ Network = (*RPCNetwork)(nil)

// DialNetwork connects to the node at url.
func DialNetwork(ctx context.Context, url string) (*RPCNetwork, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial signer network: %w", err)
	}
	return NewRPCNetwork(client), nil
}

// NewRPCNetwork wraps an existing RPC client.
func NewRPCNetwork(client *rpc.Client) *RPCNetwork {
	return &RPCNetwork{client: client}
}

func (n *RPCNetwork) KeyGen(ctx context.Context, req *KeyGenRequest) (*KeyGenResult, error) {
	var res KeyGenResult
	if err := n.client.CallContext(ctx, &res, "dan_keyGen", req); err != nil {
		return nil, fmt.Errorf("dan_keyGen: %w", err)
	}
	return &res, nil
}

func (n *RPCNetwork) Sign(ctx context.Context, req *SignRequest) (*SignResult, error) {
	var res SignResult
	if err := n.client.CallContext(ctx, &res, "dan_sign", req); err != nil {
		return nil, fmt.Errorf("dan_sign: %w", err)
	}
	return &res, nil
}

// Close closes the underlying connection.
func (n *RPCNetwork) Close() {
	n.client.Close()
}
