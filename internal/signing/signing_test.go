package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"signals/orchestrator/internal/wire"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestVerifyChoiceRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	s := New(31337, testContract)
	td := s.BuildChoicePayload(7, 3)
	td.Message["choice"] = big.NewInt(int64(wire.ChoiceSteal)).String()
	hash, err := SignHash(td)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	ok, err := s.VerifyChoice(7, wire.ChoiceSteal, 3, sig, addr)
	require.NoError(t, err)
	require.True(t, ok)

	// A different choice under the same signature must fail.
	ok, err = s.VerifyChoice(7, wire.ChoiceSplit, 3, sig, addr)
	require.NoError(t, err)
	require.False(t, ok)

	// So must a different nonce.
	ok, err = s.VerifyChoice(7, wire.ChoiceSteal, 4, sig, addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyChoiceAcceptsLegacyRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	s := New(31337, testContract)
	td := s.BuildChoicePayload(1, 0)
	td.Message["choice"] = big.NewInt(int64(wire.ChoiceSplit)).String()
	hash, err := SignHash(td)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	ok, err := s.VerifyChoice(1, wire.ChoiceSplit, 0, sig, addr)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChoiceWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := New(31337, testContract)
	td := s.BuildChoicePayload(2, 1)
	td.Message["choice"] = big.NewInt(int64(wire.ChoiceSteal)).String()
	hash, err := SignHash(td)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	ok, err := s.VerifyChoice(2, wire.ChoiceSteal, 1, sig, crypto.PubkeyToAddress(other.PublicKey))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyChoiceBadLength(t *testing.T) {
	s := New(31337, testContract)
	_, err := s.VerifyChoice(1, wire.ChoiceSplit, 0, []byte{1, 2, 3}, common.Address{})
	require.Error(t, err)
}

func TestVerifyTournamentJoinRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	s := New(8453, testContract)
	td := s.BuildTournamentJoinPayload(42, 9)
	hash, err := SignHash(td)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	ok, err := s.VerifyTournamentJoin(42, 9, sig, addr)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.VerifyTournamentJoin(43, 9, sig, addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateMatchSalt(t *testing.T) {
	a, err := GenerateMatchSalt()
	require.NoError(t, err)
	require.Len(t, a, MatchSaltSize)
	b, err := GenerateMatchSalt()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestGenerateCommitHash(t *testing.T) {
	sig := []byte("sig-bytes")
	salt := []byte("salt-bytes")
	h1 := GenerateCommitHash(sig, salt)
	h2 := GenerateCommitHash(sig, salt)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, GenerateCommitHash(sig, []byte("other-salt")))
	require.Equal(t, crypto.Keccak256Hash(append([]byte("sig-bytes"), []byte("salt-bytes")...)), h1)
}

func TestBuildPermitPayload(t *testing.T) {
	s := New(31337, testContract)
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	spender := common.HexToAddress("0x2222222222222222222222222222222222222222")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	td := s.BuildPermitPayload("Stake", token, owner, spender, big.NewInt(1), 5, 1700000000)
	require.Equal(t, "Permit", td.PrimaryType)
	require.Equal(t, "Stake", td.Domain.Name)
	require.Equal(t, token.Hex(), td.Domain.VerifyingContract)
	require.Equal(t, owner.Hex(), td.Message["owner"])
	require.Equal(t, "5", td.Message["nonce"])

	// The permit domain must hash cleanly as EIP-712 typed data.
	_, err := SignHash(td)
	require.NoError(t, err)
}
