// Package validation implements the authorization strategies of a smart
// account. Every strategy produces a real signature for an operation hash,
// a dummy signature of identical length for gas estimation, and the data
// needed to install it on the account.
package validation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/blndgs/sessionkit/session"
	"github.com/blndgs/sessionkit/signer"
	"github.com/blndgs/sessionkit/userop"
)

type validationError string

func (e validationError) Error() string {
	return string(e)
}

const (
	ErrMissingSigner        validationError = "signer is required"
	ErrMissingEngine        validationError = "session engine is required"
	ErrMissingModuleAddress validationError = "module address is required"
	ErrSessionParamsLength  validationError = "session params length does not match call count"
	ErrMixedSessionSigners  validationError = "batched sessions must share one signer"
	ErrNotDANSession        validationError = "session is not a dan session"
	ErrSignerMismatch       validationError = "session key does not match session leaf"
)

var logger = log.New("pkg", "validation")

// Module is one authorization strategy.
type Module interface {
	// Address is the on-chain validation module contract.
	Address() common.Address

	// DummySignature returns a signature with the length of a real one.
	DummySignature(ctx context.Context, params *ModuleParams) ([]byte, error)

	// SignUserOpHash signs an EntryPoint user operation hash.
	SignUserOpHash(ctx context.Context, hash common.Hash, params *ModuleParams) ([]byte, error)

	// InitData is the calldata that configures the module for an account.
	InitData(ctx context.Context) ([]byte, error)

	// SignerAddress returns the key that SignUserOpHash signs with.
	SignerAddress(ctx context.Context, params *ModuleParams) (common.Address, error)
}

// SessionParams references one session leaf.
type SessionParams struct {
	SessionID               string
	SessionSigner           common.Address
	SessionValidationModule common.Address
	// SessionKey signs instead of the key stored for the leaf.
	SessionKey signer.Signer
	// CallSpecificData is the extra data of the leaf's batch tuple entry.
	CallSpecificData []byte
}

func (p SessionParams) search() session.SearchParams {
	return session.SearchParams{
		SessionID:               p.SessionID,
		SessionPublicKey:        p.SessionSigner,
		SessionValidationModule: p.SessionValidationModule,
	}
}

// ModuleParams carries per-operation inputs to a Module. Strategies ignore
// the fields they do not use.
type ModuleParams struct {
	SessionParams
	// BatchSessionParams has one entry per call, in call order.
	BatchSessionParams []SessionParams
	// AdditionalSessionData is appended to DAN session signatures.
	AdditionalSessionData []byte
	// CallCount is the number of calls in the operation.
	CallCount int
	// UserOp is the operation being signed.
	UserOp *userop.UserOperation
}

// dummyECDSASignature is a well-formed r ‖ s ‖ v that recovers to an
// arbitrary address, so verification runs its full gas path.
var dummyECDSASignature = hexutil.MustDecode("0x73c3ac716c487ca34bb858247b5ccf1dc354fbaabdd089af3b2ac8e78ba85a4959a2d76250325bd67c11771c31fccda87c33ceec17cc0de912690521bb95ffcb1b")

// DummyECDSASignature returns a copy of the dummy 65 byte signature.
func DummyECDSASignature() []byte {
	return append([]byte{}, dummyECDSASignature...)
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	addressT  = mustType("address", nil)
	uint48T   = mustType("uint48", nil)
	bytesT    = mustType("bytes", nil)
	bytes32sT = mustType("bytes32[]", nil)
	sessionsT = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "validUntil", Type: "uint48"},
		{Name: "validAfter", Type: "uint48"},
		{Name: "sessionValidationModule", Type: "address"},
		{Name: "sessionKeyData", Type: "bytes"},
		{Name: "merkleProof", Type: "bytes32[]"},
		{Name: "callSpecificData", Type: "bytes"},
	})
)

// SessionSignatureArgs decodes a single session signature.
var SessionSignatureArgs = abi.Arguments{
	{Name: "sessionKeyManager", Type: addressT},
	{Name: "validUntil", Type: uint48T},
	{Name: "validAfter", Type: uint48T},
	{Name: "sessionValidationModule", Type: addressT},
	{Name: "sessionKeyData", Type: bytesT},
	{Name: "merkleProof", Type: bytes32sT},
	{Name: "signature", Type: bytesT},
}

// BatchedSessionSignatureArgs decodes a batched session signature.
var BatchedSessionSignatureArgs = abi.Arguments{
	{Name: "sessionKeyManager", Type: addressT},
	{Name: "sessionData", Type: sessionsT},
	{Name: "signature", Type: bytesT},
}

// SessionTuple is one entry of a batched session signature.
type SessionTuple struct {
	ValidUntil              *big.Int
	ValidAfter              *big.Int
	SessionValidationModule common.Address
	SessionKeyData          []byte
	MerkleProof             [][32]byte
	CallSpecificData        []byte
}

func proofWords(proof []common.Hash) [][32]byte {
	out := make([][32]byte, len(proof))
	for i, p := range proof {
		out[i] = p
	}
	return out
}

func newSessionTuple(leaf *session.Leaf, proof []common.Hash, extra []byte) SessionTuple {
	if extra == nil {
		extra = []byte{}
	}
	return SessionTuple{
		ValidUntil:              new(big.Int).SetUint64(leaf.ValidUntil),
		ValidAfter:              new(big.Int).SetUint64(leaf.ValidAfter),
		SessionValidationModule: leaf.SessionValidationModule,
		SessionKeyData:          leaf.SessionKeyData,
		MerkleProof:             proofWords(proof),
		CallSpecificData:        extra,
	}
}

// encodeSessionSignature ABI encodes the single session envelope.
func encodeSessionSignature(manager common.Address, leaf *session.Leaf, proof []common.Hash, sig []byte) ([]byte, error) {
	return SessionSignatureArgs.Pack(
		manager,
		new(big.Int).SetUint64(leaf.ValidUntil),
		new(big.Int).SetUint64(leaf.ValidAfter),
		leaf.SessionValidationModule,
		[]byte(leaf.SessionKeyData),
		proofWords(proof),
		sig,
	)
}
