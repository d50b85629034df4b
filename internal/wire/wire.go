package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the framed-JSON container used in both directions: one object
// per WebSocket frame. Payload stays raw until the type is dispatched.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
}

func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid frame json: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing frame type")
	}
	return env, nil
}

// NewEnvelope stamps an outbound event. The payload must marshal cleanly;
// a marshal failure here is a programming error surfaced to the caller.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// Server -> client event types.
const (
	EvAuthChallenge = "AUTH_CHALLENGE"
	EvAuthSuccess   = "AUTH_SUCCESS"
	EvAuthFailed    = "AUTH_FAILED"

	EvQueueJoined = "QUEUE_JOINED"
	EvQueueUpdate = "QUEUE_UPDATE"

	EvTournamentQueueJoined = "TOURNAMENT_QUEUE_JOINED"
	EvTournamentQueueUpdate = "TOURNAMENT_QUEUE_UPDATE"
	EvTournamentJoinRequest = "TOURNAMENT_JOIN_REQUEST"
	EvTournamentJoined      = "TOURNAMENT_JOINED"
	EvTournamentJoinFailed  = "TOURNAMENT_JOIN_FAILED"

	EvTournamentCreated       = "TOURNAMENT_CREATED"
	EvTournamentStarted       = "TOURNAMENT_STARTED"
	EvTournamentRoundStarted  = "TOURNAMENT_ROUND_STARTED"
	EvTournamentUpdate        = "TOURNAMENT_UPDATE"
	EvTournamentRoundComplete = "TOURNAMENT_ROUND_COMPLETE"
	EvTournamentComplete      = "TOURNAMENT_COMPLETE"
	EvTournamentPlayerJoined  = "TOURNAMENT_PLAYER_JOINED"

	EvMatchStarted       = "MATCH_STARTED"
	EvNegotiationMessage = "NEGOTIATION_MESSAGE"
	EvChoicePhaseStarted = "CHOICE_PHASE_STARTED"
	EvSignChoice         = "SIGN_CHOICE"
	EvChoiceLocked       = "CHOICE_LOCKED"
	EvChoiceAccepted     = "CHOICE_ACCEPTED"
	EvChoicesRevealed    = "CHOICES_REVEALED"
	EvChoiceTimeout      = "CHOICE_TIMEOUT"
	EvMatchConfirmed     = "MATCH_CONFIRMED"

	EvError = "ERROR"
)

// Client -> server event types.
const (
	CmdAuthResponse          = "AUTH_RESPONSE"
	CmdJoinQueue             = "JOIN_QUEUE"
	CmdLeaveQueue            = "LEAVE_QUEUE"
	CmdJoinTournamentQueue   = "JOIN_TOURNAMENT_QUEUE"
	CmdLeaveTournamentQueue  = "LEAVE_TOURNAMENT_QUEUE"
	CmdMatchMessage          = "MATCH_MESSAGE"
	CmdChoiceSubmitted       = "CHOICE_SUBMITTED"
	CmdTournamentJoinSigned  = "TOURNAMENT_JOIN_SIGNED"
	CmdDisconnect            = "DISCONNECT"
)

// ---- Inbound payloads ----

type AuthResponse struct {
	Address     string `json:"address"`
	Signature   string `json:"signature"`
	ChallengeID string `json:"challengeId"`
}

type MatchMessage struct {
	MatchID uint64 `json:"matchId"`
	Message string `json:"message"`
}

type ChoiceSubmitted struct {
	MatchID   uint64 `json:"matchId"`
	Choice    string `json:"choice"` // "SPLIT" | "STEAL"
	Signature string `json:"signature"`
}

type TournamentJoinSigned struct {
	TournamentID   uint64 `json:"tournamentId"`
	JoinSignature  string `json:"joinSignature"`
	PermitDeadline uint64 `json:"permitDeadline"`
	PermitV        uint8  `json:"v"`
	PermitR        string `json:"r"`
	PermitS        string `json:"s"`
}

// ---- Shared records ----

// ChatMessage is one negotiation-log entry, ordered by receipt.
type ChatMessage struct {
	From      string `json:"from"`
	FromName  string `json:"fromName"`
	Body      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
