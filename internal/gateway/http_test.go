package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/auth"
	"signals/orchestrator/internal/broadcast"
	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/tournament"
	"signals/orchestrator/internal/wire"
)

var errNoRow = errors.New("no row")

// fakeReads serves only the ids present in its maps; everything else errors.
type fakeReads struct {
	matches map[uint64]ledger.MatchRecord
}

func (f *fakeReads) GetMatch(_ context.Context, matchID uint64) (ledger.MatchRecord, error) {
	rec, ok := f.matches[matchID]
	if !ok {
		return ledger.MatchRecord{}, errNoRow
	}
	return rec, nil
}

func (f *fakeReads) GetPool(context.Context, uint64) (ledger.Pool, error) {
	return ledger.Pool{}, errNoRow
}

func (f *fakeReads) GetOdds(context.Context, uint64) ([4]*big.Int, error) {
	return [4]*big.Int{}, errNoRow
}

func (f *fakeReads) GetOutcomePools(context.Context, uint64) ([4]*big.Int, error) {
	return [4]*big.Int{}, errNoRow
}

func (f *fakeReads) GetAgentStats(context.Context, common.Address) (ledger.AgentStats, error) {
	return ledger.AgentStats{}, errNoRow
}

func (f *fakeReads) GetAgentMatchIDs(context.Context, common.Address) ([]uint64, error) {
	return []uint64{3, 4}, nil
}

func (f *fakeReads) GetBettorMatchIDs(context.Context, common.Address) ([]uint64, error) {
	return nil, nil
}

func (f *fakeReads) GetBet(context.Context, uint64, common.Address) (ledger.Bet, error) {
	return ledger.Bet{}, errNoRow
}

func (f *fakeReads) GetTournament(context.Context, uint64) (ledger.TournamentRecord, error) {
	return ledger.TournamentRecord{}, errNoRow
}

func (f *fakeReads) Leaderboard(context.Context, int, int) ([]ledger.LeaderboardEntry, error) {
	return []ledger.LeaderboardEntry{}, nil
}

type fakeMatchViews struct {
	live map[uint64]engine.Snapshot
}

func (f *fakeMatchViews) Get(matchID uint64) (engine.Snapshot, bool) {
	s, ok := f.live[matchID]
	return s, ok
}

func (f *fakeMatchViews) Active() []engine.Snapshot {
	out := make([]engine.Snapshot, 0, len(f.live))
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

func (f *fakeMatchViews) Recent(int) []engine.Snapshot { return nil }

type fakeTournamentViews struct{}

func (fakeTournamentViews) Get(uint64) (tournament.Overview, bool) {
	return tournament.Overview{}, false
}

func (fakeTournamentViews) List() []tournament.Overview { return []tournament.Overview{} }

func (fakeTournamentViews) Standings(uint64) ([]wire.StandingEntry, bool) { return nil, false }

func newHTTPRig(t *testing.T) *httptest.Server {
	t.Helper()
	hub := broadcast.NewHub(zerolog.Nop())
	store := auth.NewStore(time.Minute)
	t.Cleanup(store.Close)
	srv := NewServer(zerolog.Nop(), hub, store,
		&fakeDirectory{registered: make(map[common.Address]bool)},
		&fakeMatchOps{}, &fakeQueueOps{}, &fakeLobbyOps{}, nil)

	reads := &fakeReads{matches: map[uint64]ledger.MatchRecord{6: {}}}
	views := &fakeMatchViews{live: map[uint64]engine.Snapshot{5: {MatchID: 5, State: "NEGOTIATION"}}}
	router := srv.Router(reads, views, fakeTournamentViews{},
		func() int { return 2 }, func() int { return 1 }, func() int { return 0 }, nil)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func getStatus(t *testing.T, ts *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s body: %v", path, err)
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	ts := newHTTPRig(t)
	status, body := getStatus(t, ts, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("healthz status %d", status)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil || out["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %s", body)
	}
}

func TestQueueSizes(t *testing.T) {
	ts := newHTTPRig(t)
	status, body := getStatus(t, ts, "/api/queue")
	if status != http.StatusOK {
		t.Fatalf("queue status %d", status)
	}
	var out map[string]int
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode queue body: %v", err)
	}
	if out["quickMatch"] != 2 || out["tournament"] != 1 {
		t.Fatalf("unexpected queue sizes: %v", out)
	}
}

func TestMatchLiveThenLedgerFallback(t *testing.T) {
	ts := newHTTPRig(t)

	// Live match comes from the engine.
	status, body := getStatus(t, ts, "/api/match/5")
	if status != http.StatusOK {
		t.Fatalf("live match status %d", status)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || snap.MatchID != 5 {
		t.Fatalf("unexpected live match body: %s", body)
	}

	// Settled match falls back to the ledger record.
	status, _ = getStatus(t, ts, "/api/match/6")
	if status != http.StatusOK {
		t.Fatalf("settled match status %d", status)
	}

	// Unknown everywhere.
	status, _ = getStatus(t, ts, "/api/match/7")
	if status != http.StatusNotFound {
		t.Fatalf("unknown match status %d", status)
	}
}

func TestStandingsUnknownTournament(t *testing.T) {
	ts := newHTTPRig(t)
	status, _ := getStatus(t, ts, "/api/tournament/9/standings")
	if status != http.StatusNotFound {
		t.Fatalf("standings status %d", status)
	}
}

func TestBadAddressRejected(t *testing.T) {
	ts := newHTTPRig(t)
	status, _ := getStatus(t, ts, "/api/agent/nothex/stats")
	if status != http.StatusBadRequest {
		t.Fatalf("agent stats status %d", status)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newHTTPRig(t)
	status, body := getStatus(t, ts, "/api/stats")
	if status != http.StatusOK {
		t.Fatalf("stats status %d", status)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	for _, key := range []string{"connections", "activeMatches", "quickQueue", "tournamentQueue", "pendingChallenges"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("stats missing %q: %s", key, body)
		}
	}
}
