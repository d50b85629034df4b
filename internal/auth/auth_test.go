package auth

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestVerifyChallengeRoundTrip(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	ch, err := s.GenerateChallenge()
	require.NoError(t, err)
	require.NotEmpty(t, ch.ID)
	require.Contains(t, ch.Text, "Signals auth challenge")

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Text)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27 // wallets emit yellow-paper V

	ok, err := s.VerifyChallenge(ch.ID, addr, hexutil.Encode(sig))
	require.NoError(t, err)
	require.True(t, ok)

	// Consumed on success: the same challenge never verifies twice.
	_, err = s.VerifyChallenge(ch.ID, addr, hexutil.Encode(sig))
	require.Error(t, err)
}

func TestVerifyChallengeWrongSigner(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	ch, err := s.GenerateChallenge()
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Text)), key)
	require.NoError(t, err)

	ok, err := s.VerifyChallenge(ch.ID, crypto.PubkeyToAddress(other.PublicKey), hexutil.Encode(sig))
	require.Error(t, err)
	require.False(t, ok)

	// A failed attempt does not consume the challenge.
	ok, err = s.VerifyChallenge(ch.ID, crypto.PubkeyToAddress(key.PublicKey), hexutil.Encode(sig))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChallengeExpired(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	defer s.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	ch, err := s.GenerateChallenge()
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Text)), key)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	ok, err := s.VerifyChallenge(ch.ID, addr, hexutil.Encode(sig))
	require.Error(t, err)
	require.False(t, ok)
}

func TestVerifyChallengeUnknownID(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()
	_, err := s.VerifyChallenge("no-such-id", common.Address{}, "0x00")
	require.Error(t, err)
}

func TestVerifyChallengeBadSignatureEncoding(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()
	ch, err := s.GenerateChallenge()
	require.NoError(t, err)
	_, err = s.VerifyChallenge(ch.ID, common.Address{}, "not-hex")
	require.Error(t, err)
	_, err = s.VerifyChallenge(ch.ID, common.Address{}, "0x0102")
	require.Error(t, err)
}

func TestPendingCount(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()
	require.Equal(t, 0, s.Pending())
	_, err := s.GenerateChallenge()
	require.NoError(t, err)
	_, err = s.GenerateChallenge()
	require.NoError(t, err)
	require.Equal(t, 2, s.Pending())
}
