// Package engine drives the per-match lifecycle NEGOTIATION →
// AWAITING_CHOICES → SETTLING → COMPLETE, owning the match registry and
// the address→match index.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/broadcast"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/signing"
	"signals/orchestrator/internal/wire"
)

const (
	// completed matches stay discoverable for this long, then the record
	// and its address index entries are dropped together.
	retention = 5 * time.Minute

	ledgerReadTimeout = 10 * time.Second
)

// Ledger is the gateway subset the engine drives.
type Ledger interface {
	ChoiceNonce(ctx context.Context, agent common.Address) (uint64, error)
	InvalidateChoiceNonce(agent common.Address)
	GetAgentStats(ctx context.Context, agent common.Address) (ledger.AgentStats, error)
	EnqueueSettlement(s ledger.Settlement)
	SettleTimeout(ctx context.Context, matchID uint64) (common.Hash, error)
	SettlePartialTimeout(ctx context.Context, matchID uint64, choice wire.Choice, nonce uint64, sig []byte, agentATimedOut bool) (common.Hash, error)
}

// Broadcaster is the hub subset the engine emits through.
type Broadcaster interface {
	SendToAgent(addr common.Address, event string, payload any)
	Broadcast(event string, payload any, roles ...broadcast.Role)
	BroadcastPublic(event string, payload any)
	AgentName(addr common.Address) (string, bool)
}

// Verifier is the signing subset the engine needs.
type Verifier interface {
	BuildChoicePayload(matchID, nonce uint64) apitypes.TypedData
	VerifyChoice(matchID uint64, choice wire.Choice, nonce uint64, sig []byte, expected common.Address) (bool, error)
}

type Engine struct {
	log zerolog.Logger

	ledger   Ledger
	bc       Broadcaster
	verifier Verifier

	negotiationDur time.Duration
	choiceDur      time.Duration

	mu      sync.RWMutex
	matches map[uint64]*Match
	byAgent map[common.Address]uint64

	// onComplete fires once per match on COMPLETE (reveal or timeout).
	onComplete func(matchID uint64, agentA, agentB common.Address)
}

type Params struct {
	NegotiationDur time.Duration
	ChoiceDur      time.Duration
}

func New(log zerolog.Logger, lg Ledger, bc Broadcaster, verifier Verifier, p Params) *Engine {
	if p.NegotiationDur <= 0 {
		p.NegotiationDur = 45 * time.Second
	}
	if p.ChoiceDur <= 0 {
		p.ChoiceDur = 15 * time.Second
	}
	return &Engine{
		log:            log.With().Str("component", "engine").Logger(),
		ledger:         lg,
		bc:             bc,
		verifier:       verifier,
		negotiationDur: p.NegotiationDur,
		choiceDur:      p.ChoiceDur,
		matches:        make(map[uint64]*Match),
		byAgent:        make(map[common.Address]uint64),
	}
}

// SetOnMatchComplete wires the one-way completion observer (tournament
// controller and quick-match queue). Must be set before matches start.
func (e *Engine) SetOnMatchComplete(fn func(matchID uint64, agentA, agentB common.Address)) {
	e.onComplete = fn
}

// MatchConfig describes a ledger-created match to run.
type MatchConfig struct {
	MatchID      uint64
	TournamentID uint64
	Round        uint32
	AgentA       common.Address
	AgentB       common.Address
	ChoiceWindow time.Duration // zero means the quick-match default
}

// StartMatch registers the match, emits MATCH_STARTED, and arms the
// negotiation timer. The address index rejects agents already in a match.
func (e *Engine) StartMatch(ctx context.Context, cfg MatchConfig) error {
	salt, err := signing.GenerateMatchSalt()
	if err != nil {
		return fmt.Errorf("match %d: %w", cfg.MatchID, err)
	}

	m := &Match{
		id:           cfg.MatchID,
		tournamentID: cfg.TournamentID,
		round:        cfg.Round,
		state:        wire.MatchNegotiation,
		salt:         salt,
		choiceWindow: cfg.ChoiceWindow,
	}
	m.sides[0] = sideState{agent: cfg.AgentA, name: e.resolveName(cfg.AgentA)}
	m.sides[1] = sideState{agent: cfg.AgentB, name: e.resolveName(cfg.AgentB)}
	m.deadline = time.Now().Add(e.negotiationDur)

	e.mu.Lock()
	if _, dup := e.matches[cfg.MatchID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("match %d already registered", cfg.MatchID)
	}
	e.matches[cfg.MatchID] = m
	e.byAgent[cfg.AgentA] = cfg.MatchID
	e.byAgent[cfg.AgentB] = cfg.MatchID
	e.mu.Unlock()

	// Opponent stats feed strategy; omitted when unavailable.
	statsA := e.fetchStats(ctx, cfg.AgentA)
	statsB := e.fetchStats(ctx, cfg.AgentB)

	base := wire.MatchStartedPayload{
		MatchID:             m.id,
		AgentA:              m.sides[0].agent.Hex(),
		AgentB:              m.sides[1].agent.Hex(),
		AgentAName:          m.sides[0].name,
		AgentBName:          m.sides[1].name,
		TournamentID:        m.tournamentID,
		NegotiationDuration: int(e.negotiationDur / time.Second),
		ChoiceDuration:      int(e.choiceWindowFor(m) / time.Second),
	}

	toA := base
	toA.You = base.AgentA
	toA.Opponent = base.AgentB
	toA.OpponentName = base.AgentBName
	toA.OpponentStats = statsB
	e.bc.SendToAgent(m.sides[0].agent, wire.EvMatchStarted, toA)

	toB := base
	toB.You = base.AgentB
	toB.Opponent = base.AgentA
	toB.OpponentName = base.AgentAName
	toB.OpponentStats = statsA
	e.bc.SendToAgent(m.sides[1].agent, wire.EvMatchStarted, toB)

	// Public copy carries no personalized stats.
	e.bc.BroadcastPublic(wire.EvMatchStarted, base)

	m.mu.Lock()
	m.timer = time.AfterFunc(e.negotiationDur, func() { e.negotiationExpired(m.id) })
	m.mu.Unlock()

	e.log.Info().Uint64("match", m.id).Uint64("tournament", m.tournamentID).
		Str("agentA", base.AgentA).Str("agentB", base.AgentB).Msg("match started")
	return nil
}

func (e *Engine) resolveName(addr common.Address) string {
	if name, ok := e.bc.AgentName(addr); ok {
		return name
	}
	return truncAddr(addr)
}

func (e *Engine) fetchStats(ctx context.Context, addr common.Address) json.RawMessage {
	cctx, cancel := context.WithTimeout(ctx, ledgerReadTimeout)
	defer cancel()
	stats, err := e.ledger.GetAgentStats(cctx, addr)
	if err != nil {
		e.log.Debug().Err(err).Str("agent", addr.Hex()).Msg("stats unavailable")
		return nil
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil
	}
	return raw
}

func (e *Engine) choiceWindowFor(m *Match) time.Duration {
	if m.choiceWindow > 0 {
		return m.choiceWindow
	}
	return e.choiceDur
}

// HandleMessage relays a negotiation message: append to the match log,
// forward to the opponent, mirror publicly. Only legal in NEGOTIATION.
func (e *Engine) HandleMessage(matchID uint64, from common.Address, body string) error {
	m := e.get(matchID)
	if m == nil {
		return fmt.Errorf("unknown match %d", matchID)
	}

	m.mu.Lock()
	if m.state != wire.MatchNegotiation {
		m.mu.Unlock()
		return fmt.Errorf("match %d is not in negotiation", matchID)
	}
	idx, ok := m.sideOf(from)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("not a participant")
	}
	msg := wire.ChatMessage{
		From:      from.Hex(),
		FromName:  m.sides[idx].name,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}
	m.messages = append(m.messages, msg)
	opponent := m.sides[1-idx].agent
	m.mu.Unlock()

	payload := wire.NegotiationMessagePayload{
		MatchID:   matchID,
		From:      msg.From,
		FromName:  msg.FromName,
		Message:   msg.Body,
		Timestamp: msg.Timestamp,
	}
	e.bc.SendToAgent(opponent, wire.EvNegotiationMessage, payload)
	e.bc.BroadcastPublic(wire.EvNegotiationMessage, payload)
	return nil
}

// negotiationExpired moves the match into the choice phase. A late fire on
// a match that already left NEGOTIATION is a no-op.
func (e *Engine) negotiationExpired(matchID uint64) {
	m := e.get(matchID)
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.state != wire.MatchNegotiation {
		m.mu.Unlock()
		return
	}
	m.state = wire.MatchAwaitingChoices
	m.stopTimerLocked()
	window := e.choiceWindowFor(m)
	m.deadline = time.Now().Add(window)
	deadline := m.deadline
	agentA, agentB := m.sides[0].agent, m.sides[1].agent
	nameA, nameB := m.sides[0].name, m.sides[1].name
	m.mu.Unlock()

	// Replay nonces come from the ledger at phase entry. A failed read
	// falls back to 0: a stale nonce is caught by signature verification.
	ctx, cancel := context.WithTimeout(context.Background(), ledgerReadTimeout)
	nonceA := e.fetchNonce(ctx, agentA)
	nonceB := e.fetchNonce(ctx, agentB)
	cancel()

	m.mu.Lock()
	if m.state != wire.MatchAwaitingChoices {
		m.mu.Unlock()
		return
	}
	m.sides[0].nonce = nonceA
	m.sides[1].nonce = nonceB
	m.timer = time.AfterFunc(window, func() { e.choiceExpired(matchID) })
	m.mu.Unlock()

	for i, nonce := range []uint64{nonceA, nonceB} {
		td := e.verifier.BuildChoicePayload(matchID, nonce)
		rawTD, err := json.Marshal(td)
		if err != nil {
			e.log.Error().Err(err).Uint64("match", matchID).Msg("encode typed data")
			continue
		}
		agent := agentA
		if i == 1 {
			agent = agentB
		}
		e.bc.SendToAgent(agent, wire.EvSignChoice, wire.SignChoicePayload{
			MatchID:   matchID,
			Nonce:     nonce,
			Deadline:  deadline.UnixMilli(),
			TypedData: rawTD,
		})
	}

	e.bc.BroadcastPublic(wire.EvChoicePhaseStarted, wire.ChoicePhaseStartedPayload{
		MatchID:    matchID,
		AgentA:     agentA.Hex(),
		AgentB:     agentB.Hex(),
		AgentAName: nameA,
		AgentBName: nameB,
		Deadline:   deadline.UnixMilli(),
	})
}

func (e *Engine) fetchNonce(ctx context.Context, agent common.Address) uint64 {
	n, err := e.ledger.ChoiceNonce(ctx, agent)
	if err != nil {
		e.log.Warn().Err(err).Str("agent", agent.Hex()).Msg("choice nonce read failed, using 0")
		return 0
	}
	return n
}

// SubmitChoice validates and locks one side's signed choice. The first
// error wins; double submissions never mutate.
func (e *Engine) SubmitChoice(matchID uint64, from common.Address, choiceStr, sigHex string) error {
	m := e.get(matchID)
	if m == nil {
		return fmt.Errorf("unknown match %d", matchID)
	}
	choice, ok := wire.ParseChoice(choiceStr)
	if !ok {
		return fmt.Errorf("invalid choice %q", choiceStr)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}

	m.mu.Lock()
	if m.state != wire.MatchAwaitingChoices {
		m.mu.Unlock()
		return fmt.Errorf("match %d is not accepting choices", matchID)
	}
	idx, isParticipant := m.sideOf(from)
	if !isParticipant {
		m.mu.Unlock()
		return fmt.Errorf("not a participant")
	}
	if m.sides[idx].locked {
		m.mu.Unlock()
		return fmt.Errorf("choice already submitted")
	}
	nonce := m.sides[idx].nonce

	valid, err := e.verifier.VerifyChoice(matchID, choice, nonce, sig, from)
	if err != nil || !valid {
		m.mu.Unlock()
		return fmt.Errorf("Invalid signature")
	}

	m.sides[idx].choice = choice
	m.sides[idx].sig = sig
	m.sides[idx].commit = signing.GenerateCommitHash(sig, m.salt)
	m.sides[idx].locked = true
	commit := m.sides[idx].commit
	name := m.sides[idx].name
	bothLocked := m.sides[0].locked && m.sides[1].locked
	if bothLocked {
		m.state = wire.MatchSettling
		m.stopTimerLocked()
	}
	m.mu.Unlock()

	// Commitment goes to everyone the instant a side locks; the raw
	// signature waits for reveal.
	e.bc.Broadcast(wire.EvChoiceLocked, wire.ChoiceLockedPayload{
		MatchID:    matchID,
		Agent:      from.Hex(),
		AgentName:  name,
		CommitHash: commit.Hex(),
	})
	e.bc.SendToAgent(from, wire.EvChoiceAccepted, wire.ChoiceAcceptedPayload{
		MatchID: matchID,
		Choice:  choice.String(),
	})

	if bothLocked {
		e.reveal(m)
	}
	return nil
}

// reveal computes the outcome, broadcasts CHOICES_REVEALED, and hands the
// fully-signed settlement tuple to the ledger gateway.
func (e *Engine) reveal(m *Match) {
	m.mu.Lock()
	a, b := m.sides[0], m.sides[1]
	m.result = ComputeResult(a.choice, b.choice)
	m.hasResult = true
	result := m.result
	salt := m.salt
	m.mu.Unlock()

	e.bc.Broadcast(wire.EvChoicesRevealed, wire.ChoicesRevealedPayload{
		MatchID:    m.id,
		AgentA:     a.agent.Hex(),
		AgentB:     b.agent.Hex(),
		ChoiceA:    a.choice.String(),
		ChoiceB:    b.choice.String(),
		SigA:       hexutil.Encode(a.sig),
		SigB:       hexutil.Encode(b.sig),
		NonceA:     a.nonce,
		NonceB:     b.nonce,
		Result:     result,
		ResultName: result.String(),
		MatchSalt:  hexutil.Encode(salt),
	})

	e.ledger.EnqueueSettlement(ledger.Settlement{
		MatchID: m.id,
		ChoiceA: a.choice, NonceA: a.nonce, SigA: a.sig,
		ChoiceB: b.choice, NonceB: b.nonce, SigB: b.sig,
	})
}

// choiceExpired settles a timed-out choice phase. A late fire on a match
// that already reached SETTLING is a no-op.
func (e *Engine) choiceExpired(matchID uint64) {
	m := e.get(matchID)
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.state != wire.MatchAwaitingChoices {
		m.mu.Unlock()
		return
	}
	m.state = wire.MatchSettling
	m.timedOut = true
	m.stopTimerLocked()
	a, b := m.sides[0], m.sides[1]
	m.mu.Unlock()

	e.bc.Broadcast(wire.EvChoiceTimeout, wire.ChoiceTimeoutPayload{
		MatchID:         matchID,
		AgentA:          a.agent.Hex(),
		AgentB:          b.agent.Hex(),
		AgentASubmitted: a.locked,
		AgentBSubmitted: b.locked,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var txHash common.Hash
	var err error
	switch {
	case a.locked && !b.locked:
		txHash, err = e.ledger.SettlePartialTimeout(ctx, matchID, a.choice, a.nonce, a.sig, false)
	case !a.locked && b.locked:
		txHash, err = e.ledger.SettlePartialTimeout(ctx, matchID, b.choice, b.nonce, b.sig, true)
	default:
		txHash, err = e.ledger.SettleTimeout(ctx, matchID)
	}
	if err != nil {
		// Terminal ledger failure: log, release the hold. The record ages
		// out through the normal retention path without a confirmation.
		e.log.Error().Err(err).Uint64("match", matchID).Msg("timeout settlement failed")
		e.complete(matchID, common.Hash{}, false)
		return
	}
	e.complete(matchID, txHash, true)
}

// HandleSettled is the ledger gateway's once-per-match batch callback.
func (e *Engine) HandleSettled(matchID uint64, txHash common.Hash) {
	if e.get(matchID) == nil {
		// Settle callback for an unknown match: log and no-op.
		e.log.Warn().Uint64("match", matchID).Msg("settlement callback for unknown match")
		return
	}
	e.complete(matchID, txHash, true)
}

// complete finalizes the match exactly once: confirmation event, observer
// callback, timer teardown, delayed registry release.
func (e *Engine) complete(matchID uint64, txHash common.Hash, confirm bool) {
	m := e.get(matchID)
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.state == wire.MatchComplete {
		m.mu.Unlock()
		return
	}
	m.state = wire.MatchComplete
	m.stopTimerLocked()
	m.txHash = txHash
	a, b := m.sides[0], m.sides[1]
	timedOut := m.timedOut
	hasResult := m.hasResult
	result := m.result
	m.mu.Unlock()

	e.ledger.InvalidateChoiceNonce(a.agent)
	e.ledger.InvalidateChoiceNonce(b.agent)

	if confirm {
		payload := wire.MatchConfirmedPayload{
			MatchID:  matchID,
			TxHash:   txHash.Hex(),
			AgentA:   a.agent.Hex(),
			AgentB:   b.agent.Hex(),
			TimedOut: timedOut && !hasResult,
		}
		if hasResult {
			r := result
			payload.Result = &r
			payload.ChoiceA = a.choice.String()
			payload.ChoiceB = b.choice.String()
		}
		e.bc.Broadcast(wire.EvMatchConfirmed, payload)
	}

	if e.onComplete != nil {
		e.onComplete(matchID, a.agent, b.agent)
	}

	time.AfterFunc(retention, func() { e.release(matchID) })
	e.log.Info().Uint64("match", matchID).Str("tx", txHash.Hex()).Bool("timedOut", timedOut && !hasResult).Msg("match complete")
}

// release drops the record and its address index entries in one step.
func (e *Engine) release(matchID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.matches[matchID]
	if !ok {
		return
	}
	delete(e.matches, matchID)
	for _, s := range m.sides {
		if e.byAgent[s.agent] == matchID {
			delete(e.byAgent, s.agent)
		}
	}
}

func (e *Engine) get(matchID uint64) *Match {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matches[matchID]
}

// InMatch reports whether the address is bound to a live (non-released)
// match; the queues consult it before admitting an agent.
func (e *Engine) InMatch(addr common.Address) bool {
	e.mu.RLock()
	id, ok := e.byAgent[addr]
	if !ok {
		e.mu.RUnlock()
		return false
	}
	m := e.matches[id]
	e.mu.RUnlock()
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != wire.MatchComplete
}

// Get returns a read-only snapshot.
func (e *Engine) Get(matchID uint64) (Snapshot, bool) {
	m := e.get(matchID)
	if m == nil {
		return Snapshot{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), true
}

// Active lists snapshots of all non-complete matches, ordered by id.
func (e *Engine) Active() []Snapshot {
	e.mu.RLock()
	ms := make([]*Match, 0, len(e.matches))
	for _, m := range e.matches {
		ms = append(ms, m)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		m.mu.Lock()
		if m.state != wire.MatchComplete {
			out = append(out, m.snapshotLocked())
		}
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}

// Recent lists completed-but-retained matches, newest first.
func (e *Engine) Recent(limit int) []Snapshot {
	e.mu.RLock()
	ms := make([]*Match, 0, len(e.matches))
	for _, m := range e.matches {
		ms = append(ms, m)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0)
	for _, m := range ms {
		m.mu.Lock()
		if m.state == wire.MatchComplete {
			out = append(out, m.snapshotLocked())
		}
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID > out[j].MatchID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
