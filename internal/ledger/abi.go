package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"signals/orchestrator/internal/wire"
)

// Hand-rolled ABI fragments for the three external contracts. Only the
// methods and events the orchestrator touches are declared.

const gameABIJSON = `[
{"type":"function","name":"createQuickMatchBatch","stateMutability":"nonpayable","inputs":[{"name":"pairs","type":"tuple[]","components":[{"name":"agentA","type":"address"},{"name":"agentB","type":"address"}]}],"outputs":[]},
{"type":"function","name":"createTournamentMatchBatch","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"},{"name":"pairs","type":"tuple[]","components":[{"name":"agentA","type":"address"},{"name":"agentB","type":"address"}]},{"name":"choiceWindowSecs","type":"uint256"}],"outputs":[]},
{"type":"function","name":"settleMultiple","stateMutability":"nonpayable","inputs":[{"name":"settlements","type":"tuple[]","components":[{"name":"matchId","type":"uint256"},{"name":"choiceA","type":"uint8"},{"name":"nonceA","type":"uint256"},{"name":"sigA","type":"bytes"},{"name":"choiceB","type":"uint8"},{"name":"nonceB","type":"uint256"},{"name":"sigB","type":"bytes"}]}],"outputs":[]},
{"type":"function","name":"settleTimeout","stateMutability":"nonpayable","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"settlePartialTimeout","stateMutability":"nonpayable","inputs":[{"name":"matchId","type":"uint256"},{"name":"choice","type":"uint8"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"},{"name":"agentATimedOut","type":"bool"}],"outputs":[]},
{"type":"function","name":"closeBetting","stateMutability":"nonpayable","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"closeBettingBatch","stateMutability":"nonpayable","inputs":[{"name":"matchIds","type":"uint256[]"}],"outputs":[]},
{"type":"function","name":"createTournament","stateMutability":"nonpayable","inputs":[{"name":"entryStake","type":"uint256"},{"name":"maxPlayers","type":"uint256"},{"name":"totalRounds","type":"uint256"},{"name":"registrationDuration","type":"uint256"}],"outputs":[]},
{"type":"function","name":"startTournament","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"cancelTournament","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"advanceToFinal","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"completeTournament","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"setFinalRankings","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"},{"name":"ranked","type":"address[]"}],"outputs":[]},
{"type":"function","name":"joinTournamentFor","stateMutability":"nonpayable","inputs":[{"name":"tournamentId","type":"uint256"},{"name":"agent","type":"address"},{"name":"nonce","type":"uint256"},{"name":"joinSignature","type":"bytes"},{"name":"permitDeadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"getMatch","stateMutability":"view","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[{"name":"id","type":"uint256"},{"name":"tournamentId","type":"uint256"},{"name":"round","type":"uint256"},{"name":"agentA","type":"address"},{"name":"agentB","type":"address"},{"name":"choiceA","type":"uint8"},{"name":"choiceB","type":"uint8"},{"name":"result","type":"uint8"},{"name":"settled","type":"bool"}]},
{"type":"function","name":"getPool","stateMutability":"view","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[{"name":"total","type":"uint256"},{"name":"state","type":"uint8"}]},
{"type":"function","name":"getOdds","stateMutability":"view","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[{"name":"oddsBps","type":"uint256[4]"}]},
{"type":"function","name":"getOutcomePools","stateMutability":"view","inputs":[{"name":"matchId","type":"uint256"}],"outputs":[{"name":"pools","type":"uint256[4]"}]},
{"type":"function","name":"choiceNonces","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"nonce","type":"uint256"}]},
{"type":"function","name":"getAgentStats","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"totalPoints","type":"uint256"},{"name":"matchesPlayed","type":"uint256"},{"name":"splits","type":"uint256"},{"name":"steals","type":"uint256"},{"name":"timeouts","type":"uint256"}]},
{"type":"function","name":"getAgentMatchIds","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"ids","type":"uint256[]"}]},
{"type":"function","name":"getTournamentMatchIds","stateMutability":"view","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[{"name":"ids","type":"uint256[]"}]},
{"type":"function","name":"getBet","stateMutability":"view","inputs":[{"name":"matchId","type":"uint256"},{"name":"bettor","type":"address"}],"outputs":[{"name":"outcome","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"claimed","type":"bool"}]},
{"type":"function","name":"getBettorMatchIds","stateMutability":"view","inputs":[{"name":"bettor","type":"address"}],"outputs":[{"name":"ids","type":"uint256[]"}]},
{"type":"function","name":"tournaments","stateMutability":"view","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[{"name":"id","type":"uint256"},{"name":"state","type":"uint8"},{"name":"entryStake","type":"uint256"},{"name":"totalRounds","type":"uint256"},{"name":"currentRound","type":"uint256"},{"name":"playerCount","type":"uint256"}]},
{"type":"function","name":"getPlayerStats","stateMutability":"view","inputs":[{"name":"tournamentId","type":"uint256"},{"name":"player","type":"address"}],"outputs":[{"name":"points","type":"uint256"},{"name":"matchesPlayed","type":"uint256"}]},
{"type":"function","name":"getTournamentPlayers","stateMutability":"view","inputs":[{"name":"tournamentId","type":"uint256"}],"outputs":[{"name":"players","type":"address[]"}]},
{"type":"event","name":"MatchCreated","inputs":[{"name":"matchId","type":"uint256","indexed":true},{"name":"agentA","type":"address","indexed":true},{"name":"agentB","type":"address","indexed":true}],"anonymous":false},
{"type":"event","name":"TournamentCreated","inputs":[{"name":"tournamentId","type":"uint256","indexed":true}],"anonymous":false}
]`

const registryABIJSON = `[
{"type":"function","name":"isRegistered","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"registered","type":"bool"}]},
{"type":"function","name":"getAgentByWallet","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"id","type":"uint256"},{"name":"wallet_","type":"address"},{"name":"name","type":"string"}]},
{"type":"function","name":"agentCount","stateMutability":"view","inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
{"type":"function","name":"getAgents","stateMutability":"view","inputs":[{"name":"startId","type":"uint256"},{"name":"count","type":"uint256"}],"outputs":[{"name":"agents","type":"tuple[]","components":[{"name":"id","type":"uint256"},{"name":"wallet","type":"address"},{"name":"name","type":"string"}]}]}
]`

const tokenABIJSON = `[
{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const multicallABIJSON = `[
{"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],"outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

var (
	gameABI      = mustABI(gameABIJSON)
	registryABI  = mustABI(registryABIJSON)
	tokenABI     = mustABI(tokenABIJSON)
	multicallABI = mustABI(multicallABIJSON)

	matchCreatedTopic      = gameABI.Events["MatchCreated"].ID
	tournamentCreatedTopic = gameABI.Events["TournamentCreated"].ID
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// MatchPair is one agent pairing submitted for on-ledger creation; field
// order must match the ABI tuple.
type MatchPair struct {
	AgentA common.Address `json:"agentA"`
	AgentB common.Address `json:"agentB"`
}

// Settlement is one fully-signed outcome queued for batch submission.
type Settlement struct {
	MatchID uint64
	ChoiceA wire.Choice
	NonceA  uint64
	SigA    []byte
	ChoiceB wire.Choice
	NonceB  uint64
	SigB    []byte
}

type AgentStats struct {
	TotalPoints   uint64 `json:"totalPoints"`
	MatchesPlayed uint64 `json:"matchesPlayed"`
	Splits        uint64 `json:"splits"`
	Steals        uint64 `json:"steals"`
	Timeouts      uint64 `json:"timeouts"`
}

type MatchRecord struct {
	ID           uint64         `json:"matchId"`
	TournamentID uint64         `json:"tournamentId"`
	Round        uint32         `json:"round"`
	AgentA       common.Address `json:"agentA"`
	AgentB       common.Address `json:"agentB"`
	ChoiceA      wire.Choice    `json:"choiceA"`
	ChoiceB      wire.Choice    `json:"choiceB"`
	Result       wire.Result    `json:"result"`
	Settled      bool           `json:"settled"`
}

type Pool struct {
	Total *big.Int       `json:"total"`
	State wire.PoolState `json:"state"`
}

type Bet struct {
	Outcome wire.Result `json:"outcome"`
	Amount  *big.Int    `json:"amount"`
	Claimed bool        `json:"claimed"`
}

type TournamentRecord struct {
	ID           uint64               `json:"id"`
	State        wire.TournamentState `json:"state"`
	EntryStake   *big.Int             `json:"entryStake"`
	TotalRounds  uint32               `json:"totalRounds"`
	CurrentRound uint32               `json:"currentRound"`
	PlayerCount  uint32               `json:"playerCount"`
}

type PlayerStats struct {
	Points        uint64 `json:"points"`
	MatchesPlayed uint64 `json:"matchesPlayed"`
}

type LeaderboardEntry struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name"`
	Stats   AgentStats     `json:"stats"`
}
