// Package queue holds agents waiting for a quick match and pairs them
// greedily with an anti-rematch bias.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/wire"
)

const pairingDebounce = 200 * time.Millisecond

var (
	ErrAlreadyQueued = errors.New("already in queue")
	ErrInMatch       = errors.New("already in a match")
)

// MatchCreator is the ledger subset the queue drives.
type MatchCreator interface {
	CreateQuickMatchBatch(ctx context.Context, pairs []ledger.MatchPair) ([]uint64, error)
}

// MatchRunner is the engine subset the queue consults and feeds.
type MatchRunner interface {
	InMatch(addr common.Address) bool
	StartMatch(ctx context.Context, cfg engine.MatchConfig) error
}

type Broadcaster interface {
	SendToAgent(addr common.Address, event string, payload any)
	BroadcastPublic(event string, payload any)
}

type Queue struct {
	log zerolog.Logger

	creator MatchCreator
	runner  MatchRunner
	bc      Broadcaster

	mu           sync.Mutex
	order        []common.Address
	queued       map[common.Address]bool
	lastOpponent map[common.Address]common.Address
	timer        *time.Timer
	debounce     time.Duration
}

func New(log zerolog.Logger, creator MatchCreator, runner MatchRunner, bc Broadcaster) *Queue {
	return &Queue{
		log:          log.With().Str("component", "queue").Logger(),
		creator:      creator,
		runner:       runner,
		bc:           bc,
		queued:       make(map[common.Address]bool),
		lastOpponent: make(map[common.Address]common.Address),
		debounce:     pairingDebounce,
	}
}

// Join admits an agent unless it is already queued or already playing.
// Re-joining while queued leaves membership unchanged.
func (q *Queue) Join(addr common.Address) error {
	q.mu.Lock()
	if q.queued[addr] {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	if q.runner.InMatch(addr) {
		q.mu.Unlock()
		return ErrInMatch
	}
	q.order = append(q.order, addr)
	q.queued[addr] = true
	position := len(q.order)
	size := len(q.order)
	q.armLocked()
	q.mu.Unlock()

	q.bc.SendToAgent(addr, wire.EvQueueJoined, wire.QueueJoinedPayload{Position: position, QueueSize: size})
	q.bc.BroadcastPublic(wire.EvQueueUpdate, wire.QueueUpdatePayload{QueueSize: size})
	return nil
}

// Leave removes an agent; absent agents are a no-op.
func (q *Queue) Leave(addr common.Address) {
	q.mu.Lock()
	if !q.queued[addr] {
		q.mu.Unlock()
		return
	}
	delete(q.queued, addr)
	for i, a := range q.order {
		if a == addr {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	size := len(q.order)
	q.mu.Unlock()

	q.bc.BroadcastPublic(wire.EvQueueUpdate, wire.QueueUpdatePayload{QueueSize: size})
}

// Contains reports queue membership (tournament lobby cross-check).
func (q *Queue) Contains(addr common.Address) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[addr]
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// armLocked schedules a pairing pass; an already-armed timer wins.
func (q *Queue) armLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.debounce, q.pairingPass)
}

// pairingPass pairs queued agents in arrival order, preferring partners
// the agent did not just play. With ≤2 queued the rematch constraint is
// relaxed so a lone pair is never starved.
func (q *Queue) pairingPass() {
	q.mu.Lock()
	q.timer = nil

	relaxed := len(q.order) <= 2
	used := make(map[common.Address]bool)
	var pairs []ledger.MatchPair
	for i, a := range q.order {
		if used[a] {
			continue
		}
		for _, b := range q.order[i+1:] {
			if used[b] {
				continue
			}
			if !relaxed && (q.lastOpponent[a] == b || q.lastOpponent[b] == a) {
				continue
			}
			pairs = append(pairs, ledger.MatchPair{AgentA: a, AgentB: b})
			used[a] = true
			used[b] = true
			break
		}
	}
	if len(pairs) == 0 {
		q.mu.Unlock()
		return
	}

	// Remove paired agents and remember the pairing.
	remaining := q.order[:0]
	for _, a := range q.order {
		if used[a] {
			delete(q.queued, a)
			continue
		}
		remaining = append(remaining, a)
	}
	q.order = remaining
	for _, p := range pairs {
		q.lastOpponent[p.AgentA] = p.AgentB
		q.lastOpponent[p.AgentB] = p.AgentA
	}
	size := len(q.order)
	// Leftovers get another pass.
	if size >= 2 {
		q.armLocked()
	}
	q.mu.Unlock()

	q.bc.BroadcastPublic(wire.EvQueueUpdate, wire.QueueUpdatePayload{QueueSize: size})
	q.createMatches(pairs)
}

// createMatches submits the batch in a single RPC (the gateway chunks
// oversized batches). Paired agents are not re-queued on failure.
func (q *Queue) createMatches(pairs []ledger.MatchPair) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ids, err := q.creator.CreateQuickMatchBatch(ctx, pairs)
	if err != nil {
		q.log.Error().Err(err).Int("pairs", len(pairs)).Msg("quick match batch failed; agents not re-queued")
		for _, p := range pairs {
			q.bc.SendToAgent(p.AgentA, wire.EvError, wire.ErrorPayload{Message: "match creation failed"})
			q.bc.SendToAgent(p.AgentB, wire.EvError, wire.ErrorPayload{Message: "match creation failed"})
		}
		return
	}
	for i, p := range pairs {
		cfg := engine.MatchConfig{MatchID: ids[i], AgentA: p.AgentA, AgentB: p.AgentB}
		if err := q.runner.StartMatch(ctx, cfg); err != nil {
			q.log.Error().Err(err).Uint64("match", ids[i]).Msg("start match")
		}
	}
}
