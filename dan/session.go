package dan

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/blndgs/sessionkit/session"
	"github.com/blndgs/sessionkit/signer"
	"github.com/blndgs/sessionkit/userop"
)

type danError string

func (e danError) Error() string {
	return string(e)
}

const (
	ErrInvalidPolicy    danError = "threshold must be between 1 and partiesNumber"
	ErrKeyNotGenerated  danError = "dan key has not been generated"
	ErrKeyGenerated     danError = "dan key already generated"
	ErrRoundInProgress  danError = "dan round already in progress"
	ErrMissingAuthKey   danError = "ephemeral authentication key is required"
	ErrMissingNetwork   danError = "signer network is required"
	ErrAuthKeyMismatch  danError = "auth key does not match the recorded ephemeral key"
	ErrSignerMismatch   danError = "dan signature does not recover to the session key"
	ErrInvalidSignature danError = "invalid dan signature"
)

// DefaultRoundTimeout bounds one network round.
const DefaultRoundTimeout = 30 * time.Second

var logger = log.New("pkg", "dan")

// State is the position of a Session in the signing protocol.
type State int

const (
	// StateIdle means no distributed key exists yet.
	StateIdle State = iota
	// StateKeyGen means the key generation round is in flight.
	StateKeyGen
	// StateReady means the key exists and signing rounds may run.
	StateReady
	// StateSigning means a signing round is in flight.
	StateSigning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyGen:
		return "keygen"
	case StateReady:
		return "ready"
	case StateSigning:
		return "signing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy is the (threshold, partiesNumber) signing policy.
type Policy struct {
	Threshold     uint32
	PartiesNumber uint32
}

func (p Policy) validate() error {
	if p.Threshold == 0 || p.Threshold > p.PartiesNumber {
		return ErrInvalidPolicy
	}
	return nil
}

// Config configures a Session.
type Config struct {
	Network Network
	// AuthKey is the local ephemeral key authenticating requests.
	AuthKey signer.Signer
	Policy  Policy
	ChainID uint64
	// RoundTimeout bounds each round; DefaultRoundTimeout when zero.
	RoundTimeout time.Duration
}

// Session is one distributed session key. Its two suspension points are the
// key generation round and the signing round; each runs under its own
// timeout and leaves the session in a well defined state when it returns.
type Session struct {
	network Network
	auth    signer.Signer
	policy  Policy
	chainID uint64
	timeout time.Duration

	mu    sync.Mutex
	state State
	info  *session.DANInfo
}

// NewSession creates a session in StateIdle.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Network == nil {
		return nil, ErrMissingNetwork
	}
	if cfg.AuthKey == nil {
		return nil, ErrMissingAuthKey
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.RoundTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	return &Session{
		network: cfg.Network,
		auth:    cfg.AuthKey,
		policy:  cfg.Policy,
		chainID: cfg.ChainID,
		timeout: timeout,
	}, nil
}

// Resume recreates a session whose key was generated earlier, in StateReady.
// The auth key must be the ephemeral key recorded in info.
func Resume(network Network, authKey signer.Signer, info *session.DANInfo, roundTimeout time.Duration) (*Session, error) {
	if info == nil || info.MPCKeyID == "" {
		return nil, ErrKeyNotGenerated
	}
	if authKey != nil && authKey.Address() != info.EphemeralAddress {
		return nil, fmt.Errorf("%w: %s, recorded %s", ErrAuthKeyMismatch, authKey.Address(), info.EphemeralAddress)
	}
	s, err := NewSession(Config{
		Network:      network,
		AuthKey:      authKey,
		Policy:       Policy{Threshold: info.Threshold, PartiesNumber: info.PartiesNumber},
		ChainID:      info.ChainID,
		RoundTimeout: roundTimeout,
	})
	if err != nil {
		return nil, err
	}
	dup := *info
	s.info = &dup
	s.state = StateReady
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the key description, or nil before key generation.
func (s *Session) Info() *session.DANInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil
	}
	dup := *s.info
	return &dup
}

// enter moves from one of the allowed states into next, returning the state
// to restore when the round fails.
func (s *Session) enter(next State, from State, notFrom error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateKeyGen || s.state == StateSigning {
		return 0, ErrRoundInProgress
	}
	if s.state != from {
		return 0, notFrom
	}
	prev := s.state
	s.state = next
	return prev, nil
}

func (s *Session) leave(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// KeyGenAuthDigest is the message the ephemeral key signs for req.
func KeyGenAuthDigest(req *KeyGenRequest) []byte {
	buf := make([]byte, 0, 10+20+4+4+8)
	buf = append(buf, "dan_keyGen"...)
	buf = append(buf, req.EphemeralAddress.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, req.Threshold)
	buf = binary.BigEndian.AppendUint32(buf, req.PartiesNumber)
	buf = binary.BigEndian.AppendUint64(buf, req.ChainID)
	return crypto.Keccak256(buf)
}

// SignAuthDigest is the message the ephemeral key signs for req.
func SignAuthDigest(req *SignRequest) []byte {
	buf := make([]byte, 0, 8+len(req.MPCKeyID)+32+32)
	buf = append(buf, "dan_sign"...)
	buf = append(buf, req.MPCKeyID...)
	buf = append(buf, req.Digest.Bytes()...)
	buf = append(buf, crypto.Keccak256(req.Message)...)
	return crypto.Keccak256(buf)
}

// GenerateKey runs the key generation round. On success the session is
// ready and the returned info is what a session leaf records.
func (s *Session) GenerateKey(ctx context.Context) (*session.DANInfo, error) {
	prev, err := s.enter(StateKeyGen, StateIdle, ErrKeyGenerated)
	if err != nil {
		return nil, err
	}
	next := prev
	defer func() { s.leave(next) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &KeyGenRequest{
		EphemeralAddress: s.auth.Address(),
		Threshold:        s.policy.Threshold,
		PartiesNumber:    s.policy.PartiesNumber,
		ChainID:          s.chainID,
	}
	req.Signature, err = signer.SignMessage(ctx, s.auth, KeyGenAuthDigest(req))
	if err != nil {
		return nil, fmt.Errorf("authenticate keygen: %w", err)
	}

	res, err := s.network.KeyGen(ctx, req)
	if err != nil {
		return nil, err
	}
	pub, err := crypto.UnmarshalPubkey(res.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse dan public key: %w", err)
	}

	info := &session.DANInfo{
		MPCKeyID:         res.MPCKeyID,
		EOAAddress:       crypto.PubkeyToAddress(*pub),
		EphemeralAddress: s.auth.Address(),
		Threshold:        s.policy.Threshold,
		PartiesNumber:    s.policy.PartiesNumber,
		ChainID:          s.chainID,
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	next = StateReady

	logger.Info("DAN key generated", "mpcKeyId", info.MPCKeyID, "eoa", info.EOAAddress,
		"threshold", info.Threshold, "parties", info.PartiesNumber)
	dup := *info
	return &dup, nil
}

// SigningRequest is everything the parties see for one operation.
type SigningRequest struct {
	UserOp            *userop.UserOperation
	UserOpHash        common.Hash
	EntryPoint        common.Address
	EntryPointVersion string
	ChainID           *big.Int
}

// Message serializes the request as a deterministic protobuf Struct. The
// operation's signature field is dropped.
func (r *SigningRequest) Message() ([]byte, error) {
	op := r.UserOp.Clone()
	op.Signature = nil
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode user operation: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode user operation: %w", err)
	}
	delete(fields, "signature")

	chainID := "0x0"
	if r.ChainID != nil {
		chainID = "0x" + r.ChainID.Text(16)
	}
	fields["entryPointVersion"] = r.EntryPointVersion
	fields["entryPointAddress"] = r.EntryPoint.Hex()
	fields["chainId"] = chainID
	fields["userOpHash"] = r.UserOpHash.Hex()

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build signing request: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(st)
}

// Sign runs a signing round over the EIP-191 hash of the operation hash and
// returns r ‖ s ‖ v with v = 0x1b for recovery id 0 and 0x1c otherwise.
func (s *Session) Sign(ctx context.Context, r *SigningRequest) ([]byte, error) {
	if r == nil || r.UserOp == nil {
		return nil, fmt.Errorf("%w: missing user operation", session.ErrParamsNotProvided)
	}
	prev, err := s.enter(StateSigning, StateReady, ErrKeyNotGenerated)
	if err != nil {
		return nil, err
	}
	defer s.leave(prev)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := r.Message()
	if err != nil {
		return nil, err
	}
	info := s.Info()
	req := &SignRequest{
		MPCKeyID:         info.MPCKeyID,
		EphemeralAddress: s.auth.Address(),
		Digest:           common.BytesToHash(accounts.TextHash(r.UserOpHash.Bytes())),
		Message:          msg,
	}
	req.Signature, err = signer.SignMessage(ctx, s.auth, SignAuthDigest(req))
	if err != nil {
		return nil, fmt.Errorf("authenticate sign: %w", err)
	}

	res, err := s.network.Sign(ctx, req)
	if err != nil {
		return nil, err
	}
	sig, err := assemble(res)
	if err != nil {
		return nil, err
	}

	recovered, err := signer.RecoverMessageSigner(r.UserOpHash.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != info.EOAAddress {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrSignerMismatch, recovered, info.EOAAddress)
	}

	logger.Debug("DAN signature produced", "mpcKeyId", info.MPCKeyID, "userOpHash", r.UserOpHash)
	return sig, nil
}

// assemble converts (r, s, recoveryId) into a 65 byte signature.
func assemble(res *SignResult) ([]byte, error) {
	if len(res.R) > 32 || len(res.S) > 32 || len(res.R) == 0 || len(res.S) == 0 {
		return nil, fmt.Errorf("%w: r/s length %d/%d", ErrInvalidSignature, len(res.R), len(res.S))
	}
	sig := make([]byte, signer.SignatureLength)
	copy(sig[32-len(res.R):32], res.R)
	copy(sig[64-len(res.S):64], res.S)
	if res.RecoveryID == 0 {
		sig[64] = 0x1b
	} else {
		sig[64] = 0x1c
	}
	return sig, nil
}
