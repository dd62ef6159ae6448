// Package session manages scoped signing permissions ("sessions") granted by
// a smart account owner to ephemeral keys.
//
// Each granted permission is a Leaf. The leaves of one account are persisted
// in a Store and committed to by a Merkle root that the account publishes to
// the session key manager contract. The Engine keeps the in-memory tree in
// sync with the store and produces the inclusion proofs that session
// signatures carry.
package session

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type sessionError string

func (e sessionError) Error() string {
	return string(e)
}

const (
	ErrSessionNotFound     sessionError = "session not found"
	ErrParamsNotProvided   sessionError = "params not provided"
	ErrSignerNotFound      sessionError = "session signer not found"
	ErrStoreClosed         sessionError = "session store is closed"
	ErrInvalidTransition   sessionError = "invalid session status transition"
	ErrTimestampOverflow   sessionError = "session timestamp does not fit in uint48"
	ErrInvalidValiditySpan sessionError = "validUntil must be after validAfter"
)

// MaxUint48 bounds validUntil and validAfter.
const MaxUint48 = 1<<48 - 1

// Status is the lifecycle state of a session leaf.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// canTransition reports whether a leaf may move from one status to another.
// REVOKED is terminal.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusRevoked || to == StatusPending
	case StatusActive:
		return to == StatusActive || to == StatusRevoked
	default:
		return false
	}
}

// DANInfo is the local state of a distributed (threshold) session key. The
// signing key itself never exists in this process; only the ephemeral key
// used to authenticate against the signer network is kept, in the signer
// table under EphemeralAddress.
type DANInfo struct {
	MPCKeyID         string         `json:"mpcKeyId"`
	EOAAddress       common.Address `json:"eoaAddress"`
	EphemeralAddress common.Address `json:"ephemeralAddress"`
	Threshold        uint32         `json:"threshold"`
	PartiesNumber    uint32         `json:"partiesNumber"`
	ChainID          uint64         `json:"chainId"`
}

// Leaf is one granted session permission. Everything except Status is
// immutable once the leaf is stored.
type Leaf struct {
	SessionID               string         `json:"sessionID"`
	SessionPublicKey        common.Address `json:"sessionPublicKey"`
	SessionValidationModule common.Address `json:"sessionValidationModule"`
	SessionKeyData          hexutil.Bytes  `json:"sessionKeyData"`
	ValidUntil              uint64         `json:"validUntil"`
	ValidAfter              uint64         `json:"validAfter"`
	Status                  Status         `json:"status"`
	DAN                     *DANInfo       `json:"danModuleInfo,omitempty"`
}

// Encode returns the packed leaf preimage:
//
//	validUntil(6) ‖ validAfter(6) ‖ sessionValidationModule(20) ‖ sessionKeyData
func (l *Leaf) Encode() ([]byte, error) {
	if l.ValidUntil > MaxUint48 || l.ValidAfter > MaxUint48 {
		return nil, ErrTimestampOverflow
	}

	out := make([]byte, 12, 12+common.AddressLength+len(l.SessionKeyData))
	putUint48(out[0:6], l.ValidUntil)
	putUint48(out[6:12], l.ValidAfter)
	out = append(out, l.SessionValidationModule.Bytes()...)
	return append(out, l.SessionKeyData...), nil
}

// Hash returns keccak256 of the packed leaf, the value committed in the tree.
func (l *Leaf) Hash() (common.Hash, error) {
	enc, err := l.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

func putUint48(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[2:])
}

func (l *Leaf) clone() *Leaf {
	c := *l
	c.SessionKeyData = append(hexutil.Bytes{}, l.SessionKeyData...)
	if l.DAN != nil {
		dan := *l.DAN
		c.DAN = &dan
	}
	return &c
}

// SearchParams locates one leaf, either by SessionID or by the
// (SessionPublicKey, SessionValidationModule) pair.
type SearchParams struct {
	SessionID               string
	SessionPublicKey        common.Address
	SessionValidationModule common.Address
	// Status restricts the match to leaves in this state; empty matches any.
	Status Status
}

func (p SearchParams) validate() error {
	if p.SessionID != "" {
		return nil
	}
	if p.SessionPublicKey == (common.Address{}) || p.SessionValidationModule == (common.Address{}) {
		return ErrParamsNotProvided
	}
	return nil
}

func (p SearchParams) matches(l *Leaf) bool {
	if p.Status != "" && l.Status != p.Status {
		return false
	}
	if p.SessionID != "" {
		return l.SessionID == p.SessionID
	}
	return l.SessionPublicKey == p.SessionPublicKey &&
		l.SessionValidationModule == p.SessionValidationModule
}

func (p SearchParams) String() string {
	if p.SessionID != "" {
		return "sessionID=" + p.SessionID
	}
	return fmt.Sprintf("sessionPublicKey=%s sessionValidationModule=%s",
		strings.ToLower(p.SessionPublicKey.Hex()), strings.ToLower(p.SessionValidationModule.Hex()))
}

// StatusFilter selects leaves by status. An empty filter selects all leaves.
type StatusFilter []Status

// Live selects the leaves that are committed in the Merkle root.
var Live = StatusFilter{StatusPending, StatusActive}

func (f StatusFilter) includes(s Status) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if want == s {
			return true
		}
	}
	return false
}
