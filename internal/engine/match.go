package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"signals/orchestrator/internal/wire"
)

// sideState tracks one participant's submission. A side locks at most once;
// double submissions are rejected without mutation.
type sideState struct {
	agent  common.Address
	name   string
	choice wire.Choice
	sig    []byte
	nonce  uint64
	commit common.Hash
	locked bool
}

// Match is the authoritative per-match record. The engine owns it from
// creation until COMPLETE plus the retention grace.
type Match struct {
	mu sync.Mutex

	id           uint64
	tournamentID uint64
	round        uint32

	state    wire.MatchState
	deadline time.Time
	salt     []byte

	sides    [2]sideState
	messages []wire.ChatMessage

	result   wire.Result
	hasResult bool
	timedOut bool
	txHash   common.Hash

	// Exactly one timer is armed per match at any instant.
	timer *time.Timer

	choiceWindow time.Duration // tournament override; zero means default
}

func (m *Match) sideOf(addr common.Address) (int, bool) {
	switch addr {
	case m.sides[0].agent:
		return 0, true
	case m.sides[1].agent:
		return 1, true
	default:
		return -1, false
	}
}

// stopTimerLocked cancels the armed timer, if any. A timer that already
// fired re-checks state under the lock, so a missed cancel is harmless.
func (m *Match) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Snapshot is the read-only view served to HTTP clients and observers.
type Snapshot struct {
	MatchID      uint64             `json:"matchId"`
	TournamentID uint64             `json:"tournamentId"`
	Round        uint32             `json:"round"`
	AgentA       common.Address     `json:"agentA"`
	AgentB       common.Address     `json:"agentB"`
	AgentAName   string             `json:"agentAName"`
	AgentBName   string             `json:"agentBName"`
	State        string             `json:"state"`
	Deadline     int64              `json:"phaseDeadline"`
	LockedA      bool               `json:"lockedA"`
	LockedB      bool               `json:"lockedB"`
	ChoiceA      wire.Choice        `json:"choiceA"`
	ChoiceB      wire.Choice        `json:"choiceB"`
	Result       *wire.Result       `json:"result,omitempty"`
	TimedOut     bool               `json:"timedOut,omitempty"`
	Messages     []wire.ChatMessage `json:"messages"`
}

func (m *Match) snapshotLocked() Snapshot {
	s := Snapshot{
		MatchID:      m.id,
		TournamentID: m.tournamentID,
		Round:        m.round,
		AgentA:       m.sides[0].agent,
		AgentB:       m.sides[1].agent,
		AgentAName:   m.sides[0].name,
		AgentBName:   m.sides[1].name,
		State:        m.state.String(),
		Deadline:     m.deadline.UnixMilli(),
		LockedA:      m.sides[0].locked,
		LockedB:      m.sides[1].locked,
		TimedOut:     m.timedOut,
		Messages:     append([]wire.ChatMessage(nil), m.messages...),
	}
	// Raw choices stay private until the match leaves AWAITING_CHOICES.
	if m.state == wire.MatchSettling || m.state == wire.MatchComplete {
		s.ChoiceA = m.sides[0].choice
		s.ChoiceB = m.sides[1].choice
		if m.hasResult {
			r := m.result
			s.Result = &r
		}
	}
	return s
}

// truncAddr is the display-name fallback: 0x1234…abcd.
func truncAddr(addr common.Address) string {
	hex := addr.Hex()
	return fmt.Sprintf("%s…%s", hex[:6], hex[len(hex)-4:])
}
