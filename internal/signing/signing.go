// Package signing builds and verifies the EIP-712 payloads agents sign:
// per-match choices and gasless tournament joins. It also derives the
// commitment hashes shown to spectators before reveal.
package signing

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"signals/orchestrator/internal/wire"
)

const (
	domainName    = "Signals"
	domainVersion = "2"

	// MatchSaltSize is fixed by the reveal protocol; spectators re-derive
	// commitHash = keccak256(sig || salt) from the reveal broadcast.
	MatchSaltSize = 32
)

var typedDataTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"MatchChoice": {
		{Name: "matchId", Type: "uint256"},
		{Name: "choice", Type: "uint8"},
		{Name: "nonce", Type: "uint256"},
	},
	"TournamentJoin": {
		{Name: "tournamentId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Signer holds the typed-data domain for one deployment.
type Signer struct {
	chainID  *big.Int
	contract common.Address
}

func New(chainID uint64, contract common.Address) *Signer {
	return &Signer{chainID: new(big.Int).SetUint64(chainID), contract: contract}
}

func (s *Signer) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           (*math.HexOrDecimal256)(s.chainID),
		VerifyingContract: s.contract.Hex(),
	}
}

// BuildChoicePayload returns the typed data an agent signs for a match
// choice. The choice field is a placeholder: the agent substitutes its own
// value before signing, so the orchestrator never learns it early.
func (s *Signer) BuildChoicePayload(matchID, nonce uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: "MatchChoice",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"matchId": new(big.Int).SetUint64(matchID).String(),
			"choice":  "0",
			"nonce":   new(big.Int).SetUint64(nonce).String(),
		},
	}
}

// VerifyChoice checks sig over MatchChoice{matchId, choice, nonce} against
// expected. Address comparison is byte equality, which subsumes the
// case-insensitive comparison of hex spellings.
func (s *Signer) VerifyChoice(matchID uint64, choice wire.Choice, nonce uint64, sig []byte, expected common.Address) (bool, error) {
	td := s.BuildChoicePayload(matchID, nonce)
	td.Message["choice"] = new(big.Int).SetUint64(uint64(choice)).String()
	return recoverMatches(td, sig, expected)
}

func (s *Signer) BuildTournamentJoinPayload(tournamentID, nonce uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       typedDataTypes,
		PrimaryType: "TournamentJoin",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"tournamentId": new(big.Int).SetUint64(tournamentID).String(),
			"nonce":        new(big.Int).SetUint64(nonce).String(),
		},
	}
}

func (s *Signer) VerifyTournamentJoin(tournamentID, nonce uint64, sig []byte, expected common.Address) (bool, error) {
	return recoverMatches(s.BuildTournamentJoinPayload(tournamentID, nonce), sig, expected)
}

// SignHash exposes the EIP-712 digest for a payload; used by tests and by
// agents driving the protocol in-process.
func SignHash(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return hash, nil
}

func recoverMatches(td apitypes.TypedData, sig []byte, expected common.Address) (bool, error) {
	if len(sig) != crypto.SignatureLength {
		return false, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	hash, err := SignHash(td)
	if err != nil {
		return false, err
	}
	// Accept both yellow-paper (27/28) and raw (0/1) recovery ids.
	cp := make([]byte, len(sig))
	copy(cp, sig)
	if cp[crypto.RecoveryIDOffset] >= 27 {
		cp[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, cp)
	if err != nil {
		return false, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub) == expected, nil
}

// GenerateMatchSalt draws the 32-byte per-match salt.
func GenerateMatchSalt() ([]byte, error) {
	salt := make([]byte, MatchSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	return salt, nil
}

// GenerateCommitHash binds a locked choice without revealing it:
// keccak256(signature || salt).
func GenerateCommitHash(sig, salt []byte) common.Hash {
	return crypto.Keccak256Hash(sig, salt)
}
