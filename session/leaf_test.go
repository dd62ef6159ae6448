package session

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestLeafEncode(t *testing.T) {
	l := &Leaf{
		SessionValidationModule: testSVM,
		SessionKeyData:          hexutil.Bytes{0xde, 0xad},
		ValidUntil:              0x0102030405,
		ValidAfter:              7,
	}
	enc, err := l.Encode()
	require.NoError(t, err)
	require.Len(t, enc, 6+6+20+2)
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5}, enc[0:6])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 7}, enc[6:12])
	require.Equal(t, testSVM.Bytes(), enc[12:32])
	require.Equal(t, []byte{0xde, 0xad}, enc[32:])

	h, err := l.Hash()
	require.NoError(t, err)
	require.Equal(t, crypto.Keccak256Hash(enc), h)

	l.ValidUntil = MaxUint48 + 1
	_, err = l.Encode()
	require.ErrorIs(t, err, ErrTimestampOverflow)
}

func TestLeafHashIgnoresStatus(t *testing.T) {
	l := newTestLeaf("a", common.HexToAddress("0x01"))
	h1, err := l.Hash()
	require.NoError(t, err)
	l.Status = StatusRevoked
	h2, err := l.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestLeafJSONFieldNames(t *testing.T) {
	l := newTestLeaf("a", common.HexToAddress("0x01"))
	l.DAN = &DANInfo{MPCKeyID: "k", Threshold: 2, PartiesNumber: 3}
	data, err := json.Marshal(l)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, k := range []string{"sessionID", "sessionPublicKey", "sessionValidationModule", "sessionKeyData", "validUntil", "validAfter", "status", "danModuleInfo"} {
		require.Contains(t, raw, k)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusRevoked, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusPending, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusPending, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestABIPolicyEncode(t *testing.T) {
	p := &ABIPolicy{
		SessionKey: common.HexToAddress("0x01"),
		Target:     common.HexToAddress("0x02"),
		Selector:   [4]byte{0xa9, 0x05, 0x9c, 0xbb},
		ValueLimit: big.NewInt(1000),
		Rules: []Rule{
			{Offset: 32, Condition: ConditionLessThanOrEqual, Reference: common.BigToHash(big.NewInt(5))},
		},
	}
	enc, err := p.Encode()
	require.NoError(t, err)
	require.Len(t, enc, 20+20+4+16+2+35)
	require.Equal(t, p.SessionKey.Bytes(), enc[0:20])
	require.Equal(t, p.Target.Bytes(), enc[20:40])
	require.Equal(t, p.Selector[:], enc[40:44])
	require.Equal(t, big.NewInt(1000), new(big.Int).SetBytes(enc[44:60]))
	require.Equal(t, []byte{0, 1}, enc[60:62])
	require.Equal(t, []byte{0, 32, byte(ConditionLessThanOrEqual)}, enc[62:65])
	require.Equal(t, p.Rules[0].Reference.Bytes(), enc[65:])

	p.Rules[0].Condition = 9
	_, err = p.Encode()
	require.ErrorIs(t, err, ErrInvalidCondition)

	p.Rules = nil
	p.ValueLimit = new(big.Int).Lsh(big.NewInt(1), 128)
	_, err = p.Encode()
	require.ErrorIs(t, err, ErrValueLimitTooBig)
}

func TestERC20PolicyEncode(t *testing.T) {
	p := &ERC20Policy{
		SessionKey: common.HexToAddress("0x01"),
		Token:      common.HexToAddress("0x02"),
		Recipient:  common.HexToAddress("0x03"),
		MaxAmount:  big.NewInt(42),
	}
	enc, err := p.Encode()
	require.NoError(t, err)
	require.Len(t, enc, 128)

	vals, err := erc20PolicyArgs.Unpack(enc)
	require.NoError(t, err)
	require.Equal(t, p.Token, vals[1])
	require.Equal(t, big.NewInt(42), vals[3])

	p.MaxAmount = nil
	_, err = p.Encode()
	require.ErrorIs(t, err, ErrMissingSpendCap)
}
