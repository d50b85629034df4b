// Package auth issues one-shot signing challenges and verifies the
// personal_sign responses that bind a wallet address to a connection.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const challengeNonceSize = 32

type Challenge struct {
	ID        string `json:"challengeId"`
	Text      string `json:"challenge"`
	ExpiresAt int64  `json:"expiresAt"` // ms since epoch
}

type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]Challenge
	stop    chan struct{}
}

func NewStore(ttl time.Duration) *Store {
	s := &Store{
		ttl:     ttl,
		pending: make(map[string]Challenge),
		stop:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *Store) Close() { close(s.stop) }

func (s *Store) sweep() {
	t := time.NewTicker(s.ttl)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.mu.Lock()
			for id, c := range s.pending {
				if now.UnixMilli() > c.ExpiresAt {
					delete(s.pending, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// GenerateChallenge mints a fresh challenge. The text embeds a random nonce
// and a timestamp so it is never reusable across sessions.
func (s *Store) GenerateChallenge() (Challenge, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("read challenge nonce: %w", err)
	}
	now := time.Now()
	c := Challenge{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("Signals auth challenge: %s issued at %d", hex.EncodeToString(nonce), now.UnixMilli()),
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	}
	s.mu.Lock()
	s.pending[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

// VerifyChallenge consumes the challenge on success. Missing, expired, or
// wrongly-signed challenges all fail without distinguishing detail to the
// caller beyond the error text.
func (s *Store) VerifyChallenge(challengeID string, claimed common.Address, sigHex string) (bool, error) {
	s.mu.Lock()
	c, ok := s.pending[challengeID]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown challenge")
	}
	if time.Now().UnixMilli() > c.ExpiresAt {
		s.mu.Lock()
		delete(s.pending, challengeID)
		s.mu.Unlock()
		return false, fmt.Errorf("challenge expired")
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return false, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	cp := make([]byte, len(sig))
	copy(cp, sig)
	if cp[crypto.RecoveryIDOffset] >= 27 {
		cp[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(c.Text)), cp)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return false, fmt.Errorf("signer mismatch")
	}

	// One shot: consume on success.
	s.mu.Lock()
	delete(s.pending, challengeID)
	s.mu.Unlock()
	return true, nil
}

// Pending reports the number of outstanding challenges (stats endpoint).
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
