package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/ledger"
)

type fakeCreator struct {
	mu     sync.Mutex
	nextID uint64
	calls  [][]ledger.MatchPair
	err    error
}

func (f *fakeCreator) CreateQuickMatchBatch(_ context.Context, pairs []ledger.MatchPair) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, append([]ledger.MatchPair(nil), pairs...))
	ids := make([]uint64, len(pairs))
	for i := range ids {
		f.nextID++
		ids[i] = f.nextID
	}
	return ids, nil
}

func (f *fakeCreator) pairs() []ledger.MatchPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.MatchPair
	for _, c := range f.calls {
		out = append(out, c...)
	}
	return out
}

type fakeRunner struct {
	mu      sync.Mutex
	playing map[common.Address]bool
	started []engine.MatchConfig
}

func (f *fakeRunner) InMatch(addr common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing[addr]
}

func (f *fakeRunner) StartMatch(_ context.Context, cfg engine.MatchConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	direct map[common.Address][]string // event types per agent
	public []string
}

func (f *fakeSink) SendToAgent(addr common.Address, event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.direct == nil {
		f.direct = make(map[common.Address][]string)
	}
	f.direct[addr] = append(f.direct[addr], event)
}

func (f *fakeSink) BroadcastPublic(event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, event)
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

// newTestQueue parks the debounce at an hour so tests invoke pairingPass
// explicitly.
func newTestQueue() (*Queue, *fakeCreator, *fakeRunner, *fakeSink) {
	creator := &fakeCreator{}
	runner := &fakeRunner{playing: make(map[common.Address]bool)}
	sink := &fakeSink{}
	q := New(zerolog.Nop(), creator, runner, sink)
	q.debounce = time.Hour
	return q, creator, runner, sink
}

func TestJoinDuplicateRejected(t *testing.T) {
	q, _, _, _ := newTestQueue()
	if err := q.Join(addr(1)); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := q.Join(addr(1)); err != ErrAlreadyQueued {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("duplicate join changed queue size: %d", q.Size())
	}
}

func TestJoinWhileInMatchRejected(t *testing.T) {
	q, _, runner, _ := newTestQueue()
	runner.playing[addr(1)] = true
	if err := q.Join(addr(1)); err != ErrInMatch {
		t.Fatalf("expected ErrInMatch, got %v", err)
	}
}

func TestPairsInArrivalOrder(t *testing.T) {
	q, creator, runner, _ := newTestQueue()
	for n := byte(1); n <= 4; n++ {
		if err := q.Join(addr(n)); err != nil {
			t.Fatalf("join %d: %v", n, err)
		}
	}
	q.pairingPass()

	pairs := creator.pairs()
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].AgentA != addr(1) || pairs[0].AgentB != addr(2) || pairs[1].AgentA != addr(3) || pairs[1].AgentB != addr(4) {
		t.Fatalf("pairing not FIFO: %+v", pairs)
	}
	if q.Size() != 0 {
		t.Fatalf("paired agents still queued: %d", q.Size())
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.started) != 2 || runner.started[0].MatchID == 0 {
		t.Fatalf("expected 2 started matches with ledger ids, got %+v", runner.started)
	}
}

func TestAntiRematchPrefersFreshOpponent(t *testing.T) {
	q, creator, _, _ := newTestQueue()
	a, b, c, d := addr(1), addr(2), addr(3), addr(4)

	// Seed: a and b just played each other.
	_ = q.Join(a)
	_ = q.Join(b)
	q.pairingPass()
	if got := creator.pairs(); len(got) != 1 {
		t.Fatalf("seed pairing failed: %+v", got)
	}

	for _, x := range []common.Address{a, b, c, d} {
		if err := q.Join(x); err != nil {
			t.Fatalf("rejoin %s: %v", x.Hex(), err)
		}
	}
	q.pairingPass()

	pairs := creator.pairs()[1:]
	if len(pairs) != 2 {
		t.Fatalf("expected 2 new pairs, got %d", len(pairs))
	}
	for _, p := range pairs {
		if (p.AgentA == a && p.AgentB == b) || (p.AgentA == b && p.AgentB == a) {
			t.Fatalf("immediate rematch despite fresh opponents: %+v", pairs)
		}
	}
}

func TestRematchAllowedWithOnlyTwoQueued(t *testing.T) {
	q, creator, _, _ := newTestQueue()
	a, b := addr(1), addr(2)
	_ = q.Join(a)
	_ = q.Join(b)
	q.pairingPass()
	_ = q.Join(a)
	_ = q.Join(b)
	q.pairingPass()

	if got := len(creator.pairs()); got != 2 {
		t.Fatalf("expected rematch with only two queued, got %d pairs", got)
	}
}

func TestCreateFailureDoesNotRequeue(t *testing.T) {
	q, creator, runner, sink := newTestQueue()
	creator.err = fmt.Errorf("rpc down")
	_ = q.Join(addr(1))
	_ = q.Join(addr(2))
	q.pairingPass()

	if q.Size() != 0 {
		t.Fatalf("agents re-queued after create failure")
	}
	runner.mu.Lock()
	started := len(runner.started)
	runner.mu.Unlock()
	if started != 0 {
		t.Fatalf("matches started despite create failure")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, a := range []common.Address{addr(1), addr(2)} {
		found := false
		for _, ev := range sink.direct[a] {
			if ev == "ERROR" {
				found = true
			}
		}
		if !found {
			t.Fatalf("agent %s did not receive an ERROR", a.Hex())
		}
	}
}

func TestLeave(t *testing.T) {
	q, creator, _, _ := newTestQueue()
	_ = q.Join(addr(1))
	_ = q.Join(addr(2))
	q.Leave(addr(1))
	if q.Size() != 1 || q.Contains(addr(1)) {
		t.Fatalf("leave did not remove agent")
	}
	q.pairingPass()
	if got := len(creator.pairs()); got != 0 {
		t.Fatalf("lone agent was paired: %d", got)
	}
}

func TestOddQueueLeavesLeftover(t *testing.T) {
	q, creator, _, _ := newTestQueue()
	for n := byte(1); n <= 3; n++ {
		_ = q.Join(addr(n))
	}
	q.pairingPass()
	if got := len(creator.pairs()); got != 1 {
		t.Fatalf("expected 1 pair from 3 queued, got %d", got)
	}
	if q.Size() != 1 {
		t.Fatalf("expected 1 leftover, got %d", q.Size())
	}
}
