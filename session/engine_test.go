package session

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/blndgs/sessionkit/merkle"
)

var testManager = common.HexToAddress("0x000002FbFfedd9B33F4E7156F2DE8D48945E7489")

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineConfig{
		Account:        testAccount,
		ManagerAddress: testManager,
		Store:          store,
	})
	require.NoError(t, err)
	return e
}

func leafParams(key byte) LeafParams {
	signer := common.BytesToAddress([]byte{key})
	return LeafParams{
		SessionSigner:           signer,
		SessionValidationModule: testSVM,
		SessionKeyData:          signer.Bytes(),
		ValidUntil:              1_900_000_000,
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineConfig{Account: testAccount, ManagerAddress: testManager})
	require.Error(t, err)

	_, err = NewEngine(context.Background(), EngineConfig{ManagerAddress: testManager, Store: NewMemoryStore()})
	require.Error(t, err)
}

func TestCreateSessionData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())
	require.Equal(t, common.Hash{}, e.Root())

	p := leafParams(1)
	p.SessionID = "fixed"
	data, err := e.CreateSessionData(ctx, []LeafParams{p, leafParams(2)})
	require.NoError(t, err)
	require.Len(t, data.SessionIDs, 2)
	require.Equal(t, "fixed", data.SessionIDs[0])
	require.NotEmpty(t, data.SessionIDs[1])
	require.Equal(t, e.Root(), data.Root)

	method := parsedManagerABI.Methods["setMerkleRoot"]
	require.Equal(t, method.ID, data.SetRootCallData[:4])
	require.Equal(t, data.Root.Bytes(), data.SetRootCallData[4:])

	stored, err := e.Store().GetMerkleRoot(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, data.Root, stored)

	leaves, err := e.Sessions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	for _, l := range leaves {
		require.Equal(t, StatusPending, l.Status)
		proof, err := e.Proof(l)
		require.NoError(t, err)
		h, err := l.Hash()
		require.NoError(t, err)
		require.True(t, merkle.Verify(proof, e.Root(), h))
	}
}

func TestCreateSessionDataRootCoversAllLeaves(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	_, err := e.CreateSessionData(ctx, []LeafParams{leafParams(1)})
	require.NoError(t, err)
	second, err := e.CreateSessionData(ctx, []LeafParams{leafParams(2)})
	require.NoError(t, err)

	leaves, err := e.Sessions(ctx, Live)
	require.NoError(t, err)
	hashes := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		h, err := l.Hash()
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	require.Equal(t, merkle.New(hashes).Root(), second.Root)
}

func TestCreateSessionDataRejectsBadParams(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	_, err := e.CreateSessionData(ctx, nil)
	require.ErrorIs(t, err, ErrParamsNotProvided)

	tests := []struct {
		name   string
		mutate func(p *LeafParams)
	}{
		{"missing signer", func(p *LeafParams) { p.SessionSigner = common.Address{} }},
		{"missing module", func(p *LeafParams) { p.SessionValidationModule = common.Address{} }},
		{"missing key data", func(p *LeafParams) { p.SessionKeyData = nil }},
		{"validUntil overflow", func(p *LeafParams) { p.ValidUntil = MaxUint48 + 1 }},
		{"validAfter overflow", func(p *LeafParams) { p.ValidAfter = MaxUint48 + 1 }},
		{"empty span", func(p *LeafParams) { p.ValidAfter = p.ValidUntil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := leafParams(1)
			tt.mutate(&p)
			_, err := e.CreateSessionData(ctx, []LeafParams{p})
			require.Error(t, err)
		})
	}

	leaves, err := e.Sessions(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, leaves, "nothing is stored when validation fails")
}

func TestRevokeSessionsInvalidatesProof(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	data, err := e.CreateSessionData(ctx, []LeafParams{leafParams(1), leafParams(2), leafParams(3)})
	require.NoError(t, err)
	oldRoot := data.Root

	revoked, err := e.FindSession(ctx, SearchParams{SessionID: data.SessionIDs[1]})
	require.NoError(t, err)
	proof, err := e.Proof(revoked)
	require.NoError(t, err)
	h, err := revoked.Hash()
	require.NoError(t, err)
	require.True(t, merkle.Verify(proof, oldRoot, h))

	out, err := e.RevokeSessions(ctx, []string{data.SessionIDs[1]})
	require.NoError(t, err)
	require.NotEqual(t, oldRoot, out.Root)
	require.False(t, merkle.Verify(proof, out.Root, h))

	_, err = e.Proof(revoked)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.FindSession(ctx, SearchParams{SessionID: data.SessionIDs[1]})
	require.ErrorIs(t, err, ErrSessionNotFound)

	live, err := e.Sessions(ctx, Live)
	require.NoError(t, err)
	require.Len(t, live, 2)

	_, err = e.RevokeSessions(ctx, nil)
	require.ErrorIs(t, err, ErrParamsNotProvided)
	_, err = e.RevokeSessions(ctx, []string{"missing"})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateSessionStatusAndClearPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	data, err := e.CreateSessionData(ctx, []LeafParams{leafParams(1), leafParams(2)})
	require.NoError(t, err)

	require.NoError(t, e.UpdateSessionStatus(ctx, SearchParams{SessionID: data.SessionIDs[0]}, StatusActive))
	require.Equal(t, data.Root, e.Root(), "activation does not change the root")

	out, err := e.ClearPendingSessions(ctx)
	require.NoError(t, err)
	require.NotEqual(t, data.Root, out.Root)

	leaves, err := e.Sessions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.Equal(t, StatusActive, leaves[0].Status)
}

func TestNewEngineReconcilesStoredRoot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEngine(t, store)
	data, err := e.CreateSessionData(ctx, []LeafParams{leafParams(1), leafParams(2)})
	require.NoError(t, err)

	require.NoError(t, store.SetMerkleRoot(ctx, testAccount, common.HexToHash("0xbad")))

	reloaded := newTestEngine(t, store)
	require.Equal(t, data.Root, reloaded.Root())
	stored, err := store.GetMerkleRoot(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, data.Root, stored)
}

func TestNewSessionSigner(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	s, err := e.NewSessionSigner(ctx)
	require.NoError(t, err)

	p := leafParams(1)
	p.SessionSigner = s.Address()
	data, err := e.CreateSessionData(ctx, []LeafParams{p})
	require.NoError(t, err)

	leaf, err := e.FindSession(ctx, SearchParams{SessionID: data.SessionIDs[0]})
	require.NoError(t, err)

	loaded, err := e.SignerFor(ctx, leaf)
	require.NoError(t, err)
	require.Equal(t, s.Address(), loaded.Address())

	digest := crypto.Keccak256([]byte("session"))
	sig, err := loaded.SignHash(ctx, digest)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestFindSessionAfterRegrant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStore())

	first := leafParams(1)
	first.SessionKeyData = []byte{0x01}
	data, err := e.CreateSessionData(ctx, []LeafParams{first})
	require.NoError(t, err)
	_, err = e.RevokeSessions(ctx, data.SessionIDs)
	require.NoError(t, err)

	byPair := SearchParams{SessionPublicKey: first.SessionSigner, SessionValidationModule: first.SessionValidationModule}
	_, err = e.FindSession(ctx, byPair)
	require.ErrorIs(t, err, ErrSessionNotFound)

	second := leafParams(1)
	second.SessionKeyData = []byte{0x02}
	regrant, err := e.CreateSessionData(ctx, []LeafParams{second})
	require.NoError(t, err)

	leaf, err := e.FindSession(ctx, byPair)
	require.NoError(t, err)
	require.Equal(t, regrant.SessionIDs[0], leaf.SessionID)
	require.Equal(t, StatusPending, leaf.Status)

	proof, err := e.Proof(leaf)
	require.NoError(t, err)
	h, err := leaf.Hash()
	require.NoError(t, err)
	require.True(t, merkle.Verify(proof, e.Root(), h))

	_, err = e.FindSession(ctx, SearchParams{SessionID: data.SessionIDs[0]})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionDataRollsBackPartialBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEngine(t, store)

	kept, err := e.CreateSessionData(ctx, []LeafParams{leafParams(9)})
	require.NoError(t, err)

	a, b := leafParams(1), leafParams(2)
	a.SessionID = "dup"
	b.SessionID = "dup"
	_, err = e.CreateSessionData(ctx, []LeafParams{a, b})
	require.Error(t, err)

	live, err := e.Sessions(ctx, Live)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, kept.SessionIDs[0], live[0].SessionID)

	rolledBack, err := store.GetSession(ctx, testAccount, SearchParams{SessionID: "dup"})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, rolledBack.Status)

	require.Equal(t, kept.Root, e.Root())
	stored, err := store.GetMerkleRoot(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, e.Root(), stored)
}
