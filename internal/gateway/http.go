package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signals/orchestrator/internal/engine"
	"signals/orchestrator/internal/ledger"
	"signals/orchestrator/internal/tournament"
	"signals/orchestrator/internal/wire"
)

const httpReadTimeout = 15 * time.Second

// Reads is the ledger subset behind the HTTP API.
type Reads interface {
	GetMatch(ctx context.Context, matchID uint64) (ledger.MatchRecord, error)
	GetPool(ctx context.Context, matchID uint64) (ledger.Pool, error)
	GetOdds(ctx context.Context, matchID uint64) ([4]*big.Int, error)
	GetOutcomePools(ctx context.Context, matchID uint64) ([4]*big.Int, error)
	GetAgentStats(ctx context.Context, agent common.Address) (ledger.AgentStats, error)
	GetAgentMatchIDs(ctx context.Context, agent common.Address) ([]uint64, error)
	GetBettorMatchIDs(ctx context.Context, bettor common.Address) ([]uint64, error)
	GetBet(ctx context.Context, matchID uint64, bettor common.Address) (ledger.Bet, error)
	GetTournament(ctx context.Context, id uint64) (ledger.TournamentRecord, error)
	Leaderboard(ctx context.Context, page, pageSize int) ([]ledger.LeaderboardEntry, error)
}

// MatchViews is the engine's read surface.
type MatchViews interface {
	Get(matchID uint64) (engine.Snapshot, bool)
	Active() []engine.Snapshot
	Recent(limit int) []engine.Snapshot
}

// TournamentViews is the controller's read surface.
type TournamentViews interface {
	Get(id uint64) (tournament.Overview, bool)
	List() []tournament.Overview
	Standings(id uint64) ([]wire.StandingEntry, bool)
}

type api struct {
	srv         *Server
	reads       Reads
	matches     MatchViews
	tournaments TournamentViews
	queueSize   func() int
	lobbySize   func() int
	authPending func() int
	registry    *prometheus.Registry
}

// Router assembles the full HTTP surface: the WebSocket endpoint, the
// read-only JSON API, health, and metrics.
func (s *Server) Router(reads Reads, matches MatchViews, tournaments TournamentViews, queueSize, lobbySize, authPending func() int, registry *prometheus.Registry) *mux.Router {
	a := &api{
		srv:         s,
		reads:       reads,
		matches:     matches,
		tournaments: tournaments,
		queueSize:   queueSize,
		lobbySize:   lobbySize,
		authPending: authPending,
		registry:    registry,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWS)

	g := r.PathPrefix("/api").Subrouter()
	g.HandleFunc("/matches/active", a.count("matches_active", a.activeMatches)).Methods(http.MethodGet)
	g.HandleFunc("/matches/recent", a.count("matches_recent", a.recentMatches)).Methods(http.MethodGet)
	g.HandleFunc("/match/{id:[0-9]+}", a.count("match", a.match)).Methods(http.MethodGet)
	g.HandleFunc("/match/{id:[0-9]+}/pool", a.count("match_pool", a.matchPool)).Methods(http.MethodGet)
	g.HandleFunc("/queue", a.count("queue", a.queues)).Methods(http.MethodGet)
	g.HandleFunc("/tournaments", a.count("tournaments", a.listTournaments)).Methods(http.MethodGet)
	g.HandleFunc("/tournament/{id:[0-9]+}", a.count("tournament", a.tournamentByID)).Methods(http.MethodGet)
	g.HandleFunc("/tournament/{id:[0-9]+}/standings", a.count("tournament_standings", a.standings)).Methods(http.MethodGet)
	g.HandleFunc("/agent/{addr}/stats", a.count("agent_stats", a.agentStats)).Methods(http.MethodGet)
	g.HandleFunc("/agent/{addr}/matches", a.count("agent_matches", a.agentMatches)).Methods(http.MethodGet)
	g.HandleFunc("/bettor/{addr}/bets", a.count("bettor_bets", a.bettorBets)).Methods(http.MethodGet)
	g.HandleFunc("/leaderboard", a.count("leaderboard", a.leaderboard)).Methods(http.MethodGet)
	g.HandleFunc("/stats", a.count("stats", a.stats)).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (a *api) count(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.srv.metrics != nil {
			a.srv.metrics.httpServed.WithLabelValues(route).Inc()
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func pathAddr(r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["addr"]
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (a *api) activeMatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.matches.Active())
}

func (a *api) recentMatches(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, a.matches.Recent(limit))
}

// match serves live matches from the engine and settled ones from the
// ledger.
func (a *api) match(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return
	}
	if snap, live := a.matches.Get(id); live {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	rec, err := a.reads.GetMatch(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) matchPool(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	pool, err := a.reads.GetPool(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	odds, err := a.reads.GetOdds(ctx, id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "odds unavailable")
		return
	}
	outcomes, err := a.reads.GetOutcomePools(ctx, id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "outcome pools unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matchId":      id,
		"pool":         pool,
		"odds":         odds,
		"outcomePools": outcomes,
	})
}

func (a *api) queues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"quickMatch": a.queueSize(),
		"tournament": a.lobbySize(),
	})
}

func (a *api) listTournaments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.tournaments.List())
}

// tournamentByID prefers the controller's live record and falls back to
// the ledger for tournaments this process never ran.
func (a *api) tournamentByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tournament id")
		return
	}
	if ov, live := a.tournaments.Get(id); live {
		writeJSON(w, http.StatusOK, ov)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	rec, err := a.reads.GetTournament(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tournament not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) standings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tournament id")
		return
	}
	table, found := a.tournaments.Standings(id)
	if !found {
		writeError(w, http.StatusNotFound, "tournament not found")
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (a *api) agentStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	stats, err := a.reads.GetAgentStats(ctx, addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) agentMatches(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	ids, err := a.reads.GetAgentMatchIDs(ctx, addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "match index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "matchIds": ids})
}

func (a *api) bettorBets(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	ids, err := a.reads.GetBettorMatchIDs(ctx, addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "bet index unavailable")
		return
	}
	type betRow struct {
		MatchID uint64     `json:"matchId"`
		Bet     ledger.Bet `json:"bet"`
	}
	rows := make([]betRow, 0, len(ids))
	for _, id := range ids {
		bet, err := a.reads.GetBet(ctx, id, addr)
		if err != nil {
			continue
		}
		rows = append(rows, betRow{MatchID: id, Bet: bet})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	page := 0
	pageSize := 20
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			page = n
		}
	}
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			pageSize = n
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), httpReadTimeout)
	defer cancel()
	entries, err := a.reads.Leaderboard(ctx, page, pageSize)
	if err != nil {
		writeError(w, http.StatusBadGateway, "leaderboard unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "entries": entries})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":       a.srv.hub.GetStats(),
		"activeMatches":     len(a.matches.Active()),
		"quickQueue":        a.queueSize(),
		"tournamentQueue":   a.lobbySize(),
		"pendingChallenges": a.authPending(),
	})
}
