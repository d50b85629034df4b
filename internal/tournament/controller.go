// Package tournament runs Swiss tournaments over a closed roster: the
// lobby collects gasless joins, the controller drives rounds and standings.
package tournament

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/broadcast"
	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/wire"
)

const ledgerCallTimeout = 2 * time.Minute

// Ledger is the gateway subset the controller drives.
type Ledger interface {
	CreateTournament(ctx context.Context, entryStake *big.Int, maxPlayers, totalRounds, registrationSecs uint64) (uint64, error)
	StartTournament(ctx context.Context, id uint64) error
	CancelTournament(ctx context.Context, id uint64) error
	AdvanceToFinal(ctx context.Context, id uint64) error
	CompleteTournament(ctx context.Context, id uint64) error
	SetFinalRankings(ctx context.Context, id uint64, ranked []common.Address) error
	CreateTournamentMatchBatch(ctx context.Context, tournamentID uint64, pairs []ledger.MatchPair, choiceWindowSecs uint64) ([]uint64, error)
}

// MatchRunner is the engine subset the controller drives and observes.
type MatchRunner interface {
	StartMatch(ctx context.Context, cfg engine.MatchConfig) error
	Get(matchID uint64) (engine.Snapshot, bool)
}

type Broadcaster interface {
	Broadcast(event string, payload any, roles ...broadcast.Role)
	AgentName(addr common.Address) (string, bool)
}

// Player is one roster entry with cumulative standings.
type Player struct {
	Address       common.Address
	Name          string
	Points        int
	MatchesPlayed int
	HasBye        bool
}

// round tracks one round's matches; completion is per ledger match id.
type round struct {
	number    uint32
	pairs     []ledger.MatchPair
	matchIDs  []uint64
	completed map[uint64]bool
	bye       *common.Address
}

// Tournament is the controller-owned record. The roster keeps insertion
// order so score ties rank stably.
type Tournament struct {
	ID               uint64
	Phase            wire.TournamentState
	EntryStake       *big.Int
	MaxPlayers       int
	TotalRounds      int
	RegistrationSecs int
	ChoiceWindow     time.Duration

	players       map[common.Address]*Player
	order         []common.Address
	rounds        []*round
	currentRound  int
	pastOpponents map[common.Address]map[common.Address]bool
}

// CreateConfig carries per-tournament parameters from the lobby.
type CreateConfig struct {
	EntryStake       *big.Int
	MaxPlayers       int
	TotalRounds      int
	RegistrationSecs int
	ChoiceWindow     time.Duration
}

type Controller struct {
	log    zerolog.Logger
	ledger Ledger
	runner MatchRunner
	bc     Broadcaster

	mu          sync.Mutex
	tournaments map[uint64]*Tournament
	byMatch     map[uint64]uint64

	shuffle func(n int, swap func(i, j int))
}

func NewController(log zerolog.Logger, lg Ledger, runner MatchRunner, bc Broadcaster) *Controller {
	return &Controller{
		log:         log.With().Str("component", "tournament").Logger(),
		ledger:      lg,
		runner:      runner,
		bc:          bc,
		tournaments: make(map[uint64]*Tournament),
		byMatch:     make(map[uint64]uint64),
		shuffle:     rand.Shuffle,
	}
}

// Create registers the tournament on the ledger and opens an in-memory
// record in REGISTRATION.
func (c *Controller) Create(ctx context.Context, cfg CreateConfig) (uint64, error) {
	id, err := c.ledger.CreateTournament(ctx, cfg.EntryStake,
		uint64(cfg.MaxPlayers), uint64(cfg.TotalRounds), uint64(cfg.RegistrationSecs))
	if err != nil {
		return 0, fmt.Errorf("create tournament: %w", err)
	}

	t := &Tournament{
		ID:               id,
		Phase:            wire.TournamentRegistration,
		EntryStake:       cfg.EntryStake,
		MaxPlayers:       cfg.MaxPlayers,
		TotalRounds:      cfg.TotalRounds,
		RegistrationSecs: cfg.RegistrationSecs,
		ChoiceWindow:     cfg.ChoiceWindow,
		players:          make(map[common.Address]*Player),
		pastOpponents:    make(map[common.Address]map[common.Address]bool),
	}
	c.mu.Lock()
	c.tournaments[id] = t
	c.mu.Unlock()

	c.bc.Broadcast(wire.EvTournamentCreated, wire.TournamentCreatedPayload{
		TournamentID:         id,
		EntryStake:           cfg.EntryStake.String(),
		MaxPlayers:           cfg.MaxPlayers,
		TotalRounds:          cfg.TotalRounds,
		RegistrationDuration: cfg.RegistrationSecs,
	})
	c.log.Info().Uint64("tournament", id).Msg("tournament created")
	return id, nil
}

// RegisterPlayer adds a confirmed joiner to the roster; duplicates no-op.
func (c *Controller) RegisterPlayer(tournamentID uint64, addr common.Address, name string) {
	c.mu.Lock()
	t := c.tournaments[tournamentID]
	if t == nil || t.Phase != wire.TournamentRegistration {
		c.mu.Unlock()
		return
	}
	if _, dup := t.players[addr]; dup {
		c.mu.Unlock()
		return
	}
	if name == "" {
		if n, ok := c.bc.AgentName(addr); ok {
			name = n
		} else {
			name = addr.Hex()
		}
	}
	t.players[addr] = &Player{Address: addr, Name: name}
	t.order = append(t.order, addr)
	count := len(t.players)
	maxPlayers := t.MaxPlayers
	c.mu.Unlock()

	c.bc.Broadcast(wire.EvTournamentPlayerJoined, wire.TournamentPlayerJoinedPayload{
		TournamentID: tournamentID,
		Address:      addr.Hex(),
		Name:         name,
		PlayerCount:  count,
		MaxPlayers:   maxPlayers,
	})
}

// Start activates the tournament and launches round 1.
func (c *Controller) Start(ctx context.Context, id uint64) error {
	c.mu.Lock()
	t := c.tournaments[id]
	if t == nil {
		c.mu.Unlock()
		return fmt.Errorf("unknown tournament %d", id)
	}
	if t.Phase != wire.TournamentRegistration {
		c.mu.Unlock()
		return fmt.Errorf("tournament %d is not in registration", id)
	}
	c.mu.Unlock()

	if err := c.ledger.StartTournament(ctx, id); err != nil {
		return fmt.Errorf("start tournament %d: %w", id, err)
	}

	c.mu.Lock()
	t.Phase = wire.TournamentActive
	t.currentRound = 1
	standings := c.standingsLocked(t)
	totalRounds := t.TotalRounds
	c.mu.Unlock()

	c.bc.Broadcast(wire.EvTournamentStarted, wire.TournamentStartedPayload{
		TournamentID: id,
		TotalRounds:  totalRounds,
		Players:      standings,
	})
	c.log.Info().Uint64("tournament", id).Int("players", len(standings)).Msg("tournament started")
	return c.runRound(ctx, id)
}

// Cancel tears down a tournament that never started.
func (c *Controller) Cancel(ctx context.Context, id uint64) error {
	c.mu.Lock()
	t := c.tournaments[id]
	if t == nil {
		c.mu.Unlock()
		return fmt.Errorf("unknown tournament %d", id)
	}
	t.Phase = wire.TournamentCancelled
	c.mu.Unlock()

	if err := c.ledger.CancelTournament(ctx, id); err != nil {
		return fmt.Errorf("cancel tournament %d: %w", id, err)
	}
	c.log.Info().Uint64("tournament", id).Msg("tournament cancelled")
	return nil
}

// runRound pairs the roster, credits a bye if the count is odd, submits
// the batch, and binds the resulting matches to this tournament.
func (c *Controller) runRound(ctx context.Context, id uint64) error {
	c.mu.Lock()
	t := c.tournaments[id]
	if t == nil || t.Phase != wire.TournamentActive {
		c.mu.Unlock()
		return fmt.Errorf("tournament %d is not active", id)
	}
	roundNo := uint32(t.currentRound)

	var pairs []ledger.MatchPair
	var bye *common.Address
	if t.currentRound == 1 {
		pairs, bye = c.pairRandom(t)
	} else {
		pairs, bye = c.pairSwiss(t)
	}

	r := &round{number: roundNo, pairs: pairs, completed: make(map[uint64]bool), bye: bye}
	t.rounds = append(t.rounds, r)
	if bye != nil {
		p := t.players[*bye]
		p.Points += engine.PointsBye
		p.HasBye = true
	}
	for _, pr := range pairs {
		c.recordOpponentsLocked(t, pr.AgentA, pr.AgentB)
	}
	choiceWindow := t.ChoiceWindow
	c.mu.Unlock()

	if len(pairs) == 0 {
		// Degenerate roster (one player): nothing to play this round.
		c.roundDone(id, roundNo)
		return nil
	}

	ids, err := c.ledger.CreateTournamentMatchBatch(ctx, id, pairs, uint64(choiceWindow/time.Second))
	if err != nil {
		return fmt.Errorf("round %d of tournament %d: %w", roundNo, id, err)
	}

	c.mu.Lock()
	r.matchIDs = ids
	for _, mid := range ids {
		c.byMatch[mid] = id
	}
	c.mu.Unlock()

	matches := make([]wire.RoundMatch, 0, len(pairs))
	for i, pr := range pairs {
		cfg := engine.MatchConfig{
			MatchID:      ids[i],
			TournamentID: id,
			Round:        roundNo,
			AgentA:       pr.AgentA,
			AgentB:       pr.AgentB,
			ChoiceWindow: choiceWindow,
		}
		if err := c.runner.StartMatch(ctx, cfg); err != nil {
			c.log.Error().Err(err).Uint64("match", ids[i]).Msg("start tournament match")
		}
		c.mu.Lock()
		nameA, nameB := t.players[pr.AgentA].Name, t.players[pr.AgentB].Name
		c.mu.Unlock()
		matches = append(matches, wire.RoundMatch{
			MatchID: ids[i], AgentA: pr.AgentA.Hex(), AgentB: pr.AgentB.Hex(),
			AgentAName: nameA, AgentBName: nameB,
		})
	}

	payload := wire.TournamentRoundStartedPayload{
		TournamentID: id,
		Round:        roundNo,
		TotalRounds:  t.TotalRounds,
		Matches:      matches,
	}
	if bye != nil {
		payload.ByePlayer = bye.Hex()
	}
	c.bc.Broadcast(wire.EvTournamentRoundStarted, payload)
	c.log.Info().Uint64("tournament", id).Uint32("round", roundNo).Int("matches", len(matches)).Msg("round started")
	return nil
}

// pairRandom shuffles the roster and pairs adjacent players; the last
// player after the shuffle takes the bye when the count is odd.
func (c *Controller) pairRandom(t *Tournament) ([]ledger.MatchPair, *common.Address) {
	roster := append([]common.Address(nil), t.order...)
	c.shuffle(len(roster), func(i, j int) { roster[i], roster[j] = roster[j], roster[i] })

	var bye *common.Address
	if len(roster)%2 == 1 {
		b := roster[len(roster)-1]
		bye = &b
		roster = roster[:len(roster)-1]
	}
	var pairs []ledger.MatchPair
	for i := 0; i+1 < len(roster); i += 2 {
		pairs = append(pairs, ledger.MatchPair{AgentA: roster[i], AgentB: roster[i+1]})
	}
	return pairs, bye
}

// pairSwiss ranks players by points and greedily pairs from the top,
// preferring fresh opponents. The last unpaired pair may rematch. The bye
// goes to the lowest-ranked player without one (or the lowest outright).
func (c *Controller) pairSwiss(t *Tournament) ([]ledger.MatchPair, *common.Address) {
	ranked := c.rankedLocked(t)

	var bye *common.Address
	if len(ranked)%2 == 1 {
		idx := len(ranked) - 1
		for i := len(ranked) - 1; i >= 0; i-- {
			if !t.players[ranked[i]].HasBye {
				idx = i
				break
			}
		}
		b := ranked[idx]
		bye = &b
		ranked = append(ranked[:idx], ranked[idx+1:]...)
	}

	used := make(map[common.Address]bool)
	var pairs []ledger.MatchPair
	for i, a := range ranked {
		if used[a] {
			continue
		}
		partner := -1
		fallback := -1
		for j := i + 1; j < len(ranked); j++ {
			b := ranked[j]
			if used[b] {
				continue
			}
			if fallback < 0 {
				fallback = j
			}
			if !t.pastOpponents[a][b] {
				partner = j
				break
			}
		}
		if partner < 0 {
			partner = fallback
		}
		if partner < 0 {
			continue
		}
		b := ranked[partner]
		pairs = append(pairs, ledger.MatchPair{AgentA: a, AgentB: b})
		used[a] = true
		used[b] = true
	}
	return pairs, bye
}

func (c *Controller) recordOpponentsLocked(t *Tournament, a, b common.Address) {
	if t.pastOpponents[a] == nil {
		t.pastOpponents[a] = make(map[common.Address]bool)
	}
	if t.pastOpponents[b] == nil {
		t.pastOpponents[b] = make(map[common.Address]bool)
	}
	t.pastOpponents[a][b] = true
	t.pastOpponents[b][a] = true
}

// HandleMatchComplete is the engine's completion observer. Standings are
// updated exactly once per match, from the engine's terminal snapshot,
// which covers both revealed and timed-out outcomes.
func (c *Controller) HandleMatchComplete(matchID uint64, agentA, agentB common.Address) {
	c.mu.Lock()
	id, ok := c.byMatch[matchID]
	if !ok {
		c.mu.Unlock()
		return
	}
	t := c.tournaments[id]
	r := c.roundOfLocked(t, matchID)
	if r == nil || r.completed[matchID] {
		c.mu.Unlock()
		return
	}
	r.completed[matchID] = true

	pa, pb := c.matchPoints(matchID)
	if p := t.players[agentA]; p != nil {
		p.Points += pa
		p.MatchesPlayed++
	}
	if p := t.players[agentB]; p != nil {
		p.Points += pb
		p.MatchesPlayed++
	}

	roundNo := r.number
	done := len(r.completed) == len(r.matchIDs)
	standings := c.standingsLocked(t)
	c.mu.Unlock()

	c.bc.Broadcast(wire.EvTournamentUpdate, wire.TournamentUpdatePayload{
		TournamentID: id,
		Round:        roundNo,
		Standings:    standings,
	})

	if done {
		c.roundDone(id, roundNo)
	}
}

func (c *Controller) roundOfLocked(t *Tournament, matchID uint64) *round {
	for i := len(t.rounds) - 1; i >= 0; i-- {
		for _, mid := range t.rounds[i].matchIDs {
			if mid == matchID {
				return t.rounds[i]
			}
		}
	}
	return nil
}

// matchPoints derives awarded points from the engine's snapshot: the
// scoring table for a revealed result, the timeout split otherwise.
func (c *Controller) matchPoints(matchID uint64) (int, int) {
	snap, ok := c.runner.Get(matchID)
	if !ok {
		return 0, 0
	}
	if snap.Result != nil {
		a, b := engine.PointsFor(*snap.Result)
		return int(a), int(b)
	}
	a, b := engine.TimeoutPoints(snap.LockedA, snap.LockedB)
	return int(a), int(b)
}

// roundDone advances past a finished round: next round or finalize.
func (c *Controller) roundDone(id uint64, roundNo uint32) {
	c.mu.Lock()
	t := c.tournaments[id]
	if t == nil || t.Phase != wire.TournamentActive {
		c.mu.Unlock()
		return
	}
	standings := c.standingsLocked(t)
	t.currentRound++
	final := t.currentRound > t.TotalRounds
	c.mu.Unlock()

	c.bc.Broadcast(wire.EvTournamentRoundComplete, wire.TournamentRoundCompletePayload{
		TournamentID: id,
		Round:        roundNo,
		Standings:    standings,
	})

	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	defer cancel()
	if final {
		c.finalize(ctx, id)
		return
	}
	if err := c.runRound(ctx, id); err != nil {
		c.log.Error().Err(err).Uint64("tournament", id).Msg("next round failed")
	}
}

// finalize pushes the terminal ledger sequence and publishes the final
// table. Ledger failures are logged; the in-memory record still completes
// so observers are not left on a dangling ACTIVE tournament.
func (c *Controller) finalize(ctx context.Context, id uint64) {
	c.mu.Lock()
	t := c.tournaments[id]
	t.Phase = wire.TournamentFinal
	ranked := c.rankedLocked(t)
	standings := c.standingsLocked(t)
	c.mu.Unlock()

	confirmed := true
	if err := c.ledger.AdvanceToFinal(ctx, id); err != nil {
		c.log.Error().Err(err).Uint64("tournament", id).Msg("advanceToFinal")
		confirmed = false
	}
	if err := c.ledger.CompleteTournament(ctx, id); err != nil {
		c.log.Error().Err(err).Uint64("tournament", id).Msg("completeTournament")
		confirmed = false
	}
	if err := c.ledger.SetFinalRankings(ctx, id, ranked); err != nil {
		c.log.Error().Err(err).Uint64("tournament", id).Msg("setFinalRankings")
		confirmed = false
	}

	c.mu.Lock()
	t.Phase = wire.TournamentComplete
	c.mu.Unlock()

	winner := ""
	if len(ranked) > 0 {
		winner = ranked[0].Hex()
	}
	c.bc.Broadcast(wire.EvTournamentComplete, wire.TournamentCompletePayload{
		TournamentID: id,
		Winner:       winner,
		Standings:    standings,
		TxConfirmed:  confirmed,
	})
	c.log.Info().Uint64("tournament", id).Str("winner", winner).Msg("tournament complete")
}

// rankedLocked sorts the roster by points descending; the stable sort
// preserves insertion order on ties.
func (c *Controller) rankedLocked(t *Tournament) []common.Address {
	ranked := append([]common.Address(nil), t.order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return t.players[ranked[i]].Points > t.players[ranked[j]].Points
	})
	return ranked
}

func (c *Controller) standingsLocked(t *Tournament) []wire.StandingEntry {
	ranked := c.rankedLocked(t)
	out := make([]wire.StandingEntry, 0, len(ranked))
	for _, addr := range ranked {
		p := t.players[addr]
		out = append(out, wire.StandingEntry{
			Address:       addr.Hex(),
			Name:          p.Name,
			Points:        p.Points,
			MatchesPlayed: p.MatchesPlayed,
			HasBye:        p.HasBye,
		})
	}
	return out
}

// Standings returns the live table for HTTP reads.
func (c *Controller) Standings(id uint64) ([]wire.StandingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tournaments[id]
	if t == nil {
		return nil, false
	}
	return c.standingsLocked(t), true
}

// Overview is the read-only tournament view served over HTTP.
type Overview struct {
	TournamentID uint64               `json:"tournamentId"`
	Phase        string               `json:"phase"`
	CurrentRound int                  `json:"currentRound"`
	TotalRounds  int                  `json:"totalRounds"`
	EntryStake   string               `json:"entryStake"`
	Standings    []wire.StandingEntry `json:"standings"`
}

func (c *Controller) Get(id uint64) (Overview, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tournaments[id]
	if t == nil {
		return Overview{}, false
	}
	return c.overviewLocked(t), true
}

// List returns all known tournaments, newest first.
func (c *Controller) List() []Overview {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Overview, 0, len(c.tournaments))
	for _, t := range c.tournaments {
		out = append(out, c.overviewLocked(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TournamentID > out[j].TournamentID })
	return out
}

func (c *Controller) overviewLocked(t *Tournament) Overview {
	cur := t.currentRound
	if cur > t.TotalRounds {
		cur = t.TotalRounds
	}
	return Overview{
		TournamentID: t.ID,
		Phase:        t.Phase.String(),
		CurrentRound: cur,
		TotalRounds:  t.TotalRounds,
		EntryStake:   t.EntryStake.String(),
		Standings:    c.standingsLocked(t),
	}
}
