package wire

// Enums are wire-identical to the ledger contract; do not renumber.

type Choice uint8

const (
	ChoiceNone  Choice = 0
	ChoiceSplit Choice = 1
	ChoiceSteal Choice = 2
)

func (c Choice) String() string {
	switch c {
	case ChoiceSplit:
		return "SPLIT"
	case ChoiceSteal:
		return "STEAL"
	default:
		return "NONE"
	}
}

// ParseChoice accepts the wire spelling only; NONE is not submittable.
func ParseChoice(s string) (Choice, bool) {
	switch s {
	case "SPLIT":
		return ChoiceSplit, true
	case "STEAL":
		return ChoiceSteal, true
	default:
		return ChoiceNone, false
	}
}

type Result uint8

const (
	ResultBothSplit    Result = 0
	ResultAgentASteals Result = 1
	ResultAgentBSteals Result = 2
	ResultBothSteal    Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultBothSplit:
		return "BOTH_SPLIT"
	case ResultAgentASteals:
		return "AGENT_A_STEALS"
	case ResultAgentBSteals:
		return "AGENT_B_STEALS"
	default:
		return "BOTH_STEAL"
	}
}

type PoolState uint8

const (
	PoolNone    PoolState = 0
	PoolOpen    PoolState = 1
	PoolClosed  PoolState = 2
	PoolSettled PoolState = 3
)

type TournamentState uint8

const (
	TournamentNone         TournamentState = 0
	TournamentRegistration TournamentState = 1
	TournamentActive       TournamentState = 2
	TournamentFinal        TournamentState = 3
	TournamentComplete     TournamentState = 4
	TournamentCancelled    TournamentState = 5
)

func (s TournamentState) String() string {
	switch s {
	case TournamentRegistration:
		return "REGISTRATION"
	case TournamentActive:
		return "ACTIVE"
	case TournamentFinal:
		return "FINAL"
	case TournamentComplete:
		return "COMPLETE"
	case TournamentCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

// MatchState is orchestrator-local (the ledger sees only settled outcomes).
type MatchState uint8

const (
	MatchNegotiation MatchState = iota
	MatchAwaitingChoices
	MatchSettling
	MatchComplete
)

func (s MatchState) String() string {
	switch s {
	case MatchNegotiation:
		return "NEGOTIATION"
	case MatchAwaitingChoices:
		return "AWAITING_CHOICES"
	case MatchSettling:
		return "SETTLING"
	default:
		return "COMPLETE"
	}
}
