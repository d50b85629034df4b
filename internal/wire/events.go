package wire

import "encoding/json"

// Outbound payload shapes. Addresses travel as 0x-hex strings, hashes and
// signatures as 0x-hex, timestamps as ms since epoch.

type AuthChallengePayload struct {
	Challenge   string `json:"challenge"`
	ChallengeID string `json:"challengeId"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type AuthSuccessPayload struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

type QueueJoinedPayload struct {
	Position  int `json:"position"`
	QueueSize int `json:"queueSize"`
}

type QueueUpdatePayload struct {
	QueueSize int `json:"queueSize"`
}

type TournamentQueueJoinedPayload struct {
	Position   int `json:"position"`
	QueueSize  int `json:"queueSize"`
	MinPlayers int `json:"minPlayers"`
}

type TournamentQueueUpdatePayload struct {
	Size       int      `json:"size"`
	MinPlayers int      `json:"minPlayers"`
	Agents     []string `json:"agents"`
}

type TournamentJoinRequestPayload struct {
	TournamentID         uint64          `json:"tournamentId"`
	EntryStake           string          `json:"entryStake"` // decimal token units
	Nonce                uint64          `json:"nonce"`
	SigningPayload       json.RawMessage `json:"signingPayload"`
	PermitData           json.RawMessage `json:"permitData"`
	RegistrationDuration int             `json:"registrationDuration"`
	MinPlayers           int             `json:"minPlayers"`
	MaxPlayers           int             `json:"maxPlayers"`
	TotalRounds          int             `json:"totalRounds"`
}

type TournamentJoinedPayload struct {
	TournamentID uint64 `json:"tournamentId"`
	TxHash       string `json:"txHash"`
}

type TournamentJoinFailedPayload struct {
	TournamentID uint64 `json:"tournamentId"`
	Reason       string `json:"reason"`
}

// StandingEntry is one row of a tournament table, ranked by points with
// insertion order preserving ties.
type StandingEntry struct {
	Address       string `json:"address"`
	Name          string `json:"name"`
	Points        int    `json:"points"`
	MatchesPlayed int    `json:"matchesPlayed"`
	HasBye        bool   `json:"hasBye"`
}

type RoundMatch struct {
	MatchID    uint64 `json:"matchId"`
	AgentA     string `json:"agentA"`
	AgentB     string `json:"agentB"`
	AgentAName string `json:"agentAName"`
	AgentBName string `json:"agentBName"`
}

type TournamentCreatedPayload struct {
	TournamentID         uint64 `json:"tournamentId"`
	EntryStake           string `json:"entryStake"`
	MaxPlayers           int    `json:"maxPlayers"`
	TotalRounds          int    `json:"totalRounds"`
	RegistrationDuration int    `json:"registrationDuration"`
}

type TournamentPlayerJoinedPayload struct {
	TournamentID uint64 `json:"tournamentId"`
	Address      string `json:"address"`
	Name         string `json:"name"`
	PlayerCount  int    `json:"playerCount"`
	MaxPlayers   int    `json:"maxPlayers"`
}

type TournamentStartedPayload struct {
	TournamentID uint64          `json:"tournamentId"`
	TotalRounds  int             `json:"totalRounds"`
	Players      []StandingEntry `json:"players"`
}

type TournamentRoundStartedPayload struct {
	TournamentID uint64       `json:"tournamentId"`
	Round        uint32       `json:"round"`
	TotalRounds  int          `json:"totalRounds"`
	Matches      []RoundMatch `json:"matches"`
	ByePlayer    string       `json:"byePlayer,omitempty"`
}

type TournamentUpdatePayload struct {
	TournamentID uint64          `json:"tournamentId"`
	Round        uint32          `json:"round"`
	Standings    []StandingEntry `json:"standings"`
}

type TournamentRoundCompletePayload struct {
	TournamentID uint64          `json:"tournamentId"`
	Round        uint32          `json:"round"`
	Standings    []StandingEntry `json:"standings"`
}

type TournamentCompletePayload struct {
	TournamentID uint64          `json:"tournamentId"`
	Winner       string          `json:"winner"`
	Standings    []StandingEntry `json:"standings"`
	TxConfirmed  bool            `json:"txConfirmed"`
}

type MatchStartedPayload struct {
	MatchID             uint64          `json:"matchId"`
	AgentA              string          `json:"agentA"`
	AgentB              string          `json:"agentB"`
	AgentAName          string          `json:"agentAName"`
	AgentBName          string          `json:"agentBName"`
	TournamentID        uint64          `json:"tournamentId"`
	NegotiationDuration int             `json:"negotiationDuration"` // seconds
	ChoiceDuration      int             `json:"choiceDuration"`      // seconds
	You                 string          `json:"you,omitempty"`
	Opponent            string          `json:"opponent,omitempty"`
	OpponentName        string          `json:"opponentName,omitempty"`
	OpponentStats       json.RawMessage `json:"opponentStats,omitempty"`
}

type NegotiationMessagePayload struct {
	MatchID   uint64 `json:"matchId"`
	From      string `json:"from"`
	FromName  string `json:"fromName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ChoicePhaseStartedPayload struct {
	MatchID    uint64 `json:"matchId"`
	AgentA     string `json:"agentA"`
	AgentB     string `json:"agentB"`
	AgentAName string `json:"agentAName"`
	AgentBName string `json:"agentBName"`
	Deadline   int64  `json:"deadline"`
}

type SignChoicePayload struct {
	MatchID   uint64          `json:"matchId"`
	Nonce     uint64          `json:"nonce"`
	Deadline  int64           `json:"deadline"`
	TypedData json.RawMessage `json:"typedData"`
}

type ChoiceLockedPayload struct {
	MatchID    uint64 `json:"matchId"`
	Agent      string `json:"agent"`
	AgentName  string `json:"agentName"`
	CommitHash string `json:"commitHash"`
}

type ChoiceAcceptedPayload struct {
	MatchID uint64 `json:"matchId"`
	Choice  string `json:"choice"`
}

type ChoicesRevealedPayload struct {
	MatchID    uint64 `json:"matchId"`
	AgentA     string `json:"agentA"`
	AgentB     string `json:"agentB"`
	ChoiceA    string `json:"choiceA"`
	ChoiceB    string `json:"choiceB"`
	SigA       string `json:"sigA"`
	SigB       string `json:"sigB"`
	NonceA     uint64 `json:"nonceA"`
	NonceB     uint64 `json:"nonceB"`
	Result     Result `json:"result"`
	ResultName string `json:"resultName"`
	MatchSalt  string `json:"matchSalt"`
}

type ChoiceTimeoutPayload struct {
	MatchID         uint64 `json:"matchId"`
	AgentA          string `json:"agentA"`
	AgentB          string `json:"agentB"`
	AgentASubmitted bool   `json:"agentASubmitted"`
	AgentBSubmitted bool   `json:"agentBSubmitted"`
}

type MatchConfirmedPayload struct {
	MatchID  uint64  `json:"matchId"`
	TxHash   string  `json:"txHash"`
	AgentA   string  `json:"agentA"`
	AgentB   string  `json:"agentB"`
	Result   *Result `json:"result,omitempty"`
	ChoiceA  string  `json:"choiceA,omitempty"`
	ChoiceB  string  `json:"choiceB,omitempty"`
	TimedOut bool    `json:"timedOut,omitempty"`
}
