package tournament

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/wire"
)

// Lobby defaults. The entry stake is one whole token (18 decimals).
const (
	MinPlayers           = 4
	MaxPlayers           = 8
	TotalRounds          = 3
	RegistrationDuration = 120 * time.Second
	TriggerDelay         = 3 * time.Second
	JoinResponseTimeout  = 30 * time.Second

	lobbyChoiceWindow = 15 * time.Second
	permitValidity    = time.Hour
)

var entryStake = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	ErrLobbyQueued   = errors.New("already in tournament queue")
	ErrLobbyInMatch  = errors.New("already in a match")
	ErrLobbyBusy     = errors.New("tournament creation pending")
	ErrOtherQueue    = errors.New("already in quick-match queue")
	ErrNoInvite      = errors.New("no pending invitation")
	ErrAlreadyJoined = errors.New("already joined")
)

// JoinLedger is the gateway subset the lobby drives.
type JoinLedger interface {
	ChoiceNonce(ctx context.Context, agent common.Address) (uint64, error)
	PermitNonce(ctx context.Context, owner common.Address) (uint64, error)
	TokenName(ctx context.Context) (string, error)
	JoinTournamentFor(ctx context.Context, tournamentID uint64, agent common.Address, nonce uint64, joinSig []byte, permitDeadline uint64, v uint8, r, s [32]byte) (common.Hash, error)
}

// JoinVerifier is the signing subset the lobby needs.
type JoinVerifier interface {
	BuildTournamentJoinPayload(tournamentID, nonce uint64) apitypes.TypedData
	BuildPermitPayload(tokenName string, token, owner, spender common.Address, value *big.Int, nonce, deadline uint64) apitypes.TypedData
	VerifyTournamentJoin(tournamentID, nonce uint64, sig []byte, expected common.Address) (bool, error)
}

// Organizer is the controller subset the lobby drives.
type Organizer interface {
	Create(ctx context.Context, cfg CreateConfig) (uint64, error)
	RegisterPlayer(tournamentID uint64, addr common.Address, name string)
	Start(ctx context.Context, id uint64) error
	Cancel(ctx context.Context, id uint64) error
}

// MatchGuard rejects agents that are already playing.
type MatchGuard interface {
	InMatch(addr common.Address) bool
}

// OtherQueue rejects agents waiting for a quick match.
type OtherQueue interface {
	Contains(addr common.Address) bool
}

type LobbyBroadcaster interface {
	SendToAgent(addr common.Address, event string, payload any)
	BroadcastPublic(event string, payload any)
	IsAgentConnected(addr common.Address) bool
	AgentName(addr common.Address) (string, bool)
}

// invite tracks one agent through the join window.
type invite struct {
	nonce  uint64
	joined bool
}

// pending is the one in-flight tournament between trigger and start.
type pending struct {
	id      uint64
	invites map[common.Address]*invite
	joined  int
	timer   *time.Timer
}

// Lobby queues agents for a tournament and, at MinPlayers, creates one and
// collects gasless join signatures under a response deadline.
type Lobby struct {
	log zerolog.Logger

	ledger    JoinLedger
	verifier  JoinVerifier
	organizer Organizer
	guard     MatchGuard
	quick     OtherQueue
	bc        LobbyBroadcaster

	token common.Address
	game  common.Address

	mu      sync.Mutex
	order   []common.Address
	queued  map[common.Address]bool
	trigger *time.Timer
	pending *pending
}

type LobbyOptions struct {
	Token common.Address // ERC-2612 stake token
	Game  common.Address // permit spender
}

func NewLobby(log zerolog.Logger, lg JoinLedger, verifier JoinVerifier, organizer Organizer, guard MatchGuard, quick OtherQueue, bc LobbyBroadcaster, opts LobbyOptions) *Lobby {
	return &Lobby{
		log:       log.With().Str("component", "lobby").Logger(),
		ledger:    lg,
		verifier:  verifier,
		organizer: organizer,
		guard:     guard,
		quick:     quick,
		bc:        bc,
		token:     opts.Token,
		game:      opts.Game,
		queued:    make(map[common.Address]bool),
	}
}

// Join admits an agent to the lobby. Rejected while a tournament creation
// is pending, or when the agent is queued elsewhere or mid-match.
func (l *Lobby) Join(addr common.Address) error {
	l.mu.Lock()
	switch {
	case l.queued[addr]:
		l.mu.Unlock()
		return ErrLobbyQueued
	case l.pending != nil:
		l.mu.Unlock()
		return ErrLobbyBusy
	case l.quick.Contains(addr):
		l.mu.Unlock()
		return ErrOtherQueue
	case l.guard.InMatch(addr):
		l.mu.Unlock()
		return ErrLobbyInMatch
	}
	l.order = append(l.order, addr)
	l.queued[addr] = true
	position := len(l.order)
	if len(l.order) >= MinPlayers && l.trigger == nil {
		l.trigger = time.AfterFunc(TriggerDelay, l.triggerFired)
	}
	agents := l.agentsLocked()
	l.mu.Unlock()

	l.bc.SendToAgent(addr, wire.EvTournamentQueueJoined, wire.TournamentQueueJoinedPayload{
		Position:   position,
		QueueSize:  len(agents),
		MinPlayers: MinPlayers,
	})
	l.broadcastQueue(agents)
	return nil
}

// Leave removes an agent from the lobby; absent agents no-op. Agents
// already invited to a pending tournament are not recalled.
func (l *Lobby) Leave(addr common.Address) {
	l.mu.Lock()
	if !l.queued[addr] {
		l.mu.Unlock()
		return
	}
	delete(l.queued, addr)
	for i, a := range l.order {
		if a == addr {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	if len(l.order) < MinPlayers && l.trigger != nil {
		l.trigger.Stop()
		l.trigger = nil
	}
	agents := l.agentsLocked()
	l.mu.Unlock()

	l.broadcastQueue(agents)
}

func (l *Lobby) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Lobby) agentsLocked() []string {
	out := make([]string, len(l.order))
	for i, a := range l.order {
		out[i] = a.Hex()
	}
	return out
}

func (l *Lobby) broadcastQueue(agents []string) {
	l.bc.BroadcastPublic(wire.EvTournamentQueueUpdate, wire.TournamentQueueUpdatePayload{
		Size:       len(agents),
		MinPlayers: MinPlayers,
		Agents:     agents,
	})
}

// triggerFired drains up to MaxPlayers from the queue, creates the
// tournament, and invites each participant to sign their join.
func (l *Lobby) triggerFired() {
	l.mu.Lock()
	l.trigger = nil
	if l.pending != nil || len(l.order) < MinPlayers {
		l.mu.Unlock()
		return
	}
	n := len(l.order)
	if n > MaxPlayers {
		n = MaxPlayers
	}
	participants := append([]common.Address(nil), l.order[:n]...)
	l.order = append([]common.Address(nil), l.order[n:]...)
	for _, a := range participants {
		delete(l.queued, a)
	}
	p := &pending{invites: make(map[common.Address]*invite, n)}
	l.pending = p
	agents := l.agentsLocked()
	l.mu.Unlock()

	l.broadcastQueue(agents)

	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	defer cancel()

	id, err := l.organizer.Create(ctx, CreateConfig{
		EntryStake:       entryStake,
		MaxPlayers:       MaxPlayers,
		TotalRounds:      TotalRounds,
		RegistrationSecs: int(RegistrationDuration / time.Second),
		ChoiceWindow:     lobbyChoiceWindow,
	})
	if err != nil {
		l.log.Error().Err(err).Msg("tournament creation failed")
		l.abortPending(participants)
		return
	}

	tokenName, err := l.ledger.TokenName(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("token name read failed")
	}

	l.mu.Lock()
	p.id = id
	l.mu.Unlock()

	deadline := uint64(time.Now().Add(permitValidity).Unix())
	for _, addr := range participants {
		nonce, err := l.ledger.ChoiceNonce(ctx, addr)
		if err != nil {
			l.log.Warn().Err(err).Str("agent", addr.Hex()).Msg("choice nonce read failed, using 0")
			nonce = 0
		}
		permitNonce, err := l.ledger.PermitNonce(ctx, addr)
		if err != nil {
			l.log.Warn().Err(err).Str("agent", addr.Hex()).Msg("permit nonce read failed, using 0")
			permitNonce = 0
		}

		l.mu.Lock()
		p.invites[addr] = &invite{nonce: nonce}
		l.mu.Unlock()

		joinTD := l.verifier.BuildTournamentJoinPayload(id, nonce)
		permitTD := l.verifier.BuildPermitPayload(tokenName, l.token, addr, l.game, entryStake, permitNonce, deadline)
		rawJoin, _ := json.Marshal(joinTD)
		rawPermit, _ := json.Marshal(permitTD)

		l.bc.SendToAgent(addr, wire.EvTournamentJoinRequest, wire.TournamentJoinRequestPayload{
			TournamentID:         id,
			EntryStake:           entryStake.String(),
			Nonce:                nonce,
			SigningPayload:       rawJoin,
			PermitData:           rawPermit,
			RegistrationDuration: int(RegistrationDuration / time.Second),
			MinPlayers:           MinPlayers,
			MaxPlayers:           MaxPlayers,
			TotalRounds:          TotalRounds,
		})
	}

	l.mu.Lock()
	p.timer = time.AfterFunc(JoinResponseTimeout, func() { l.joinWindowExpired(id) })
	l.mu.Unlock()
	l.log.Info().Uint64("tournament", id).Int("invited", len(participants)).Msg("join requests sent")
}

// abortPending clears the in-flight slot and returns still-connected
// participants to the queue.
func (l *Lobby) abortPending(participants []common.Address) {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	l.requeue(participants)
}

// HandleJoinSigned verifies an agent's join signature and, on success,
// submits the gasless join and registers the player.
func (l *Lobby) HandleJoinSigned(from common.Address, msg wire.TournamentJoinSigned) error {
	l.mu.Lock()
	p := l.pending
	if p == nil || p.id != msg.TournamentID {
		l.mu.Unlock()
		l.failJoin(from, msg.TournamentID, "no pending tournament")
		return ErrNoInvite
	}
	inv := p.invites[from]
	if inv == nil {
		l.mu.Unlock()
		l.failJoin(from, msg.TournamentID, "not invited")
		return ErrNoInvite
	}
	if inv.joined {
		l.mu.Unlock()
		return ErrAlreadyJoined
	}
	nonce := inv.nonce
	l.mu.Unlock()

	sig, err := hexutil.Decode(msg.JoinSignature)
	if err != nil {
		l.failJoin(from, msg.TournamentID, "invalid signature encoding")
		return fmt.Errorf("decode join signature: %w", err)
	}
	valid, err := l.verifier.VerifyTournamentJoin(msg.TournamentID, nonce, sig, from)
	if err != nil || !valid {
		l.failJoin(from, msg.TournamentID, "invalid join signature")
		return fmt.Errorf("invalid join signature")
	}
	r, err := hexutil.Decode(msg.PermitR)
	if err != nil || len(r) != 32 {
		l.failJoin(from, msg.TournamentID, "invalid permit r")
		return fmt.Errorf("invalid permit r")
	}
	s, err := hexutil.Decode(msg.PermitS)
	if err != nil || len(s) != 32 {
		l.failJoin(from, msg.TournamentID, "invalid permit s")
		return fmt.Errorf("invalid permit s")
	}
	var r32, s32 [32]byte
	copy(r32[:], r)
	copy(s32[:], s)

	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	defer cancel()
	txHash, err := l.ledger.JoinTournamentFor(ctx, msg.TournamentID, from, nonce, sig, msg.PermitDeadline, msg.PermitV, r32, s32)
	if err != nil {
		l.failJoin(from, msg.TournamentID, "ledger rejected join")
		return fmt.Errorf("joinTournamentFor: %w", err)
	}

	name, _ := l.bc.AgentName(from)
	l.organizer.RegisterPlayer(msg.TournamentID, from, name)

	l.mu.Lock()
	startNow := false
	if l.pending == p && !inv.joined {
		inv.joined = true
		p.joined++
		// Quorum before the deadline starts immediately; stragglers whose
		// signatures arrive after the start get a join-failed.
		if p.joined >= MinPlayers {
			startNow = true
		}
	}
	l.mu.Unlock()

	l.bc.SendToAgent(from, wire.EvTournamentJoined, wire.TournamentJoinedPayload{
		TournamentID: msg.TournamentID,
		TxHash:       txHash.Hex(),
	})

	// Everyone answered: no reason to wait out the join window.
	if startNow {
		l.startPending(p)
	}
	return nil
}

func (l *Lobby) failJoin(addr common.Address, id uint64, reason string) {
	l.bc.SendToAgent(addr, wire.EvTournamentJoinFailed, wire.TournamentJoinFailedPayload{
		TournamentID: id,
		Reason:       reason,
	})
}

// joinWindowExpired starts with a quorum or cancels and re-queues the
// invited agents whose connections are still open.
func (l *Lobby) joinWindowExpired(id uint64) {
	l.mu.Lock()
	p := l.pending
	if p == nil || p.id != id {
		l.mu.Unlock()
		return
	}
	if p.joined >= MinPlayers {
		l.mu.Unlock()
		l.startPending(p)
		return
	}
	invited := make([]common.Address, 0, len(p.invites))
	for addr := range p.invites {
		invited = append(invited, addr)
	}
	l.pending = nil
	l.mu.Unlock()

	l.log.Info().Uint64("tournament", id).Int("joined", p.joined).Msg("under-subscribed, cancelling")
	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	defer cancel()
	if err := l.organizer.Cancel(ctx, id); err != nil {
		l.log.Error().Err(err).Uint64("tournament", id).Msg("cancel tournament")
	}
	l.requeue(invited)
}

func (l *Lobby) startPending(p *pending) {
	l.mu.Lock()
	if l.pending != p {
		l.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	l.pending = nil
	id := p.id
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerCallTimeout)
	defer cancel()
	if err := l.organizer.Start(ctx, id); err != nil {
		l.log.Error().Err(err).Uint64("tournament", id).Msg("start tournament")
	}
}

func (l *Lobby) requeue(agents []common.Address) {
	for _, addr := range agents {
		if !l.bc.IsAgentConnected(addr) {
			continue
		}
		if err := l.Join(addr); err != nil {
			l.log.Debug().Err(err).Str("agent", addr.Hex()).Msg("re-queue skipped")
		}
	}
}
