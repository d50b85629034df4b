package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"signals/orchestrator/internal/wire"
)

// GetMatch serves settled matches from the immutable cache; live matches
// always hit the ledger.
func (g *Gateway) GetMatch(ctx context.Context, matchID uint64) (MatchRecord, error) {
	if rec, ok := g.settled.get(matchID); ok {
		return rec, nil
	}
	vals, err := g.callGame(ctx, "getMatch", new(big.Int).SetUint64(matchID))
	if err != nil {
		return MatchRecord{}, err
	}
	rec := MatchRecord{
		ID:           vals[0].(*big.Int).Uint64(),
		TournamentID: vals[1].(*big.Int).Uint64(),
		Round:        uint32(vals[2].(*big.Int).Uint64()),
		AgentA:       vals[3].(common.Address),
		AgentB:       vals[4].(common.Address),
		ChoiceA:      wire.Choice(vals[5].(uint8)),
		ChoiceB:      wire.Choice(vals[6].(uint8)),
		Result:       wire.Result(vals[7].(uint8)),
		Settled:      vals[8].(bool),
	}
	if rec.Settled {
		g.settled.put(matchID, rec)
	}
	return rec, nil
}

func (g *Gateway) GetPool(ctx context.Context, matchID uint64) (Pool, error) {
	vals, err := g.callGame(ctx, "getPool", new(big.Int).SetUint64(matchID))
	if err != nil {
		return Pool{}, err
	}
	return Pool{Total: vals[0].(*big.Int), State: wire.PoolState(vals[1].(uint8))}, nil
}

func (g *Gateway) GetOdds(ctx context.Context, matchID uint64) ([4]*big.Int, error) {
	vals, err := g.callGame(ctx, "getOdds", new(big.Int).SetUint64(matchID))
	if err != nil {
		return [4]*big.Int{}, err
	}
	return vals[0].([4]*big.Int), nil
}

func (g *Gateway) GetOutcomePools(ctx context.Context, matchID uint64) ([4]*big.Int, error) {
	vals, err := g.callGame(ctx, "getOutcomePools", new(big.Int).SetUint64(matchID))
	if err != nil {
		return [4]*big.Int{}, err
	}
	return vals[0].([4]*big.Int), nil
}

// ChoiceNonce is the agent's replay counter, cached for 30s; the engine
// refetches at choice-phase entry and verification catches staleness.
func (g *Gateway) ChoiceNonce(ctx context.Context, agent common.Address) (uint64, error) {
	if n, ok := g.choiceNonce.get(agent); ok {
		return n, nil
	}
	vals, err := g.callGame(ctx, "choiceNonces", agent)
	if err != nil {
		return 0, err
	}
	n := vals[0].(*big.Int).Uint64()
	g.choiceNonce.put(agent, n)
	return n, nil
}

// InvalidateChoiceNonce drops the cached counter after a settlement bumps
// it on-ledger.
func (g *Gateway) InvalidateChoiceNonce(agent common.Address) {
	g.choiceNonce.invalidate(agent)
}

func (g *Gateway) IsRegistered(ctx context.Context, wallet common.Address) (bool, error) {
	if v, ok := g.registered.get(wallet); ok {
		return v, nil
	}
	vals, err := g.callUnpack(ctx, g.identity, registryABI, "isRegistered", wallet)
	if err != nil {
		return false, err
	}
	v := vals[0].(bool)
	g.registered.put(wallet, v)
	return v, nil
}

// AgentName resolves a display name from the identity registry; resolved
// names are immutable and cached forever. Unregistered wallets resolve to
// the empty string without error.
func (g *Gateway) AgentName(ctx context.Context, wallet common.Address) (string, error) {
	if v, ok := g.names.get(wallet); ok {
		return v, nil
	}
	vals, err := g.callUnpack(ctx, g.identity, registryABI, "getAgentByWallet", wallet)
	if err != nil {
		return "", err
	}
	name := vals[2].(string)
	if name != "" {
		g.names.put(wallet, name)
	}
	return name, nil
}

func (g *Gateway) GetAgentStats(ctx context.Context, agent common.Address) (AgentStats, error) {
	if s, ok := g.stats.get(agent); ok {
		return s, nil
	}
	vals, err := g.callGame(ctx, "getAgentStats", agent)
	if err != nil {
		return AgentStats{}, err
	}
	s := statsFromVals(vals)
	g.stats.put(agent, s)
	return s, nil
}

func statsFromVals(vals []any) AgentStats {
	return AgentStats{
		TotalPoints:   vals[0].(*big.Int).Uint64(),
		MatchesPlayed: vals[1].(*big.Int).Uint64(),
		Splits:        vals[2].(*big.Int).Uint64(),
		Steals:        vals[3].(*big.Int).Uint64(),
		Timeouts:      vals[4].(*big.Int).Uint64(),
	}
}

func (g *Gateway) GetAgentMatchIDs(ctx context.Context, agent common.Address) ([]uint64, error) {
	vals, err := g.callGame(ctx, "getAgentMatchIds", agent)
	if err != nil {
		return nil, err
	}
	return bigsToUints(vals[0].([]*big.Int)), nil
}

func (g *Gateway) GetTournamentMatchIDs(ctx context.Context, tournamentID uint64) ([]uint64, error) {
	vals, err := g.callGame(ctx, "getTournamentMatchIds", new(big.Int).SetUint64(tournamentID))
	if err != nil {
		return nil, err
	}
	return bigsToUints(vals[0].([]*big.Int)), nil
}

func (g *Gateway) GetBettorMatchIDs(ctx context.Context, bettor common.Address) ([]uint64, error) {
	vals, err := g.callGame(ctx, "getBettorMatchIds", bettor)
	if err != nil {
		return nil, err
	}
	return bigsToUints(vals[0].([]*big.Int)), nil
}

func (g *Gateway) GetBet(ctx context.Context, matchID uint64, bettor common.Address) (Bet, error) {
	vals, err := g.callGame(ctx, "getBet", new(big.Int).SetUint64(matchID), bettor)
	if err != nil {
		return Bet{}, err
	}
	return Bet{
		Outcome: wire.Result(vals[0].(uint8)),
		Amount:  vals[1].(*big.Int),
		Claimed: vals[2].(bool),
	}, nil
}

func (g *Gateway) GetTournament(ctx context.Context, id uint64) (TournamentRecord, error) {
	vals, err := g.callGame(ctx, "tournaments", new(big.Int).SetUint64(id))
	if err != nil {
		return TournamentRecord{}, err
	}
	return TournamentRecord{
		ID:           vals[0].(*big.Int).Uint64(),
		State:        wire.TournamentState(vals[1].(uint8)),
		EntryStake:   vals[2].(*big.Int),
		TotalRounds:  uint32(vals[3].(*big.Int).Uint64()),
		CurrentRound: uint32(vals[4].(*big.Int).Uint64()),
		PlayerCount:  uint32(vals[5].(*big.Int).Uint64()),
	}, nil
}

func (g *Gateway) GetPlayerStats(ctx context.Context, tournamentID uint64, player common.Address) (PlayerStats, error) {
	vals, err := g.callGame(ctx, "getPlayerStats", new(big.Int).SetUint64(tournamentID), player)
	if err != nil {
		return PlayerStats{}, err
	}
	return PlayerStats{
		Points:        vals[0].(*big.Int).Uint64(),
		MatchesPlayed: vals[1].(*big.Int).Uint64(),
	}, nil
}

func (g *Gateway) GetTournamentPlayers(ctx context.Context, id uint64) ([]common.Address, error) {
	vals, err := g.callGame(ctx, "getTournamentPlayers", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return vals[0].([]common.Address), nil
}

// TokenName reads the staking token's name() once; the permit domain binds
// to it.
func (g *Gateway) TokenName(ctx context.Context) (string, error) {
	if v, ok := g.tokenName.get(struct{}{}); ok {
		return v, nil
	}
	vals, err := g.callUnpack(ctx, g.token, tokenABI, "name")
	if err != nil {
		return "", err
	}
	name := vals[0].(string)
	g.tokenName.put(struct{}{}, name)
	return name, nil
}

// PermitNonce is the agent's ERC-2612 counter on the staking token.
func (g *Gateway) PermitNonce(ctx context.Context, owner common.Address) (uint64, error) {
	vals, err := g.callUnpack(ctx, g.token, tokenABI, "nonces", owner)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

func bigsToUints(in []*big.Int) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = v.Uint64()
	}
	return out
}

// ---- multicall ----

type mcCall struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type mcResult struct {
	Success    bool
	ReturnData []byte
}

// GetAgentStatsBatch fetches N agents' stats in one RPC through the
// aggregator, filling the per-agent cache as a side effect.
func (g *Gateway) GetAgentStatsBatch(ctx context.Context, agents []common.Address) (map[common.Address]AgentStats, error) {
	out := make(map[common.Address]AgentStats, len(agents))
	var misses []common.Address
	for _, a := range agents {
		if s, ok := g.stats.get(a); ok {
			out[a] = s
		} else {
			misses = append(misses, a)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	calls := make([]mcCall, len(misses))
	for i, a := range misses {
		data, err := gameABI.Pack("getAgentStats", a)
		if err != nil {
			return nil, fmt.Errorf("pack getAgentStats: %w", err)
		}
		calls[i] = mcCall{Target: g.game, AllowFailure: true, CallData: data}
	}
	data, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	raw, err := g.callView(ctx, g.multicallAddr, data)
	if err != nil {
		return nil, fmt.Errorf("aggregate3: %w", err)
	}
	vals, err := multicallABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	results := *abi.ConvertType(vals[0], new([]mcResult)).(*[]mcResult)
	if len(results) != len(misses) {
		return nil, fmt.Errorf("aggregate3: got %d results for %d calls", len(results), len(misses))
	}
	for i, r := range results {
		if !r.Success {
			continue
		}
		statVals, err := gameABI.Unpack("getAgentStats", r.ReturnData)
		if err != nil {
			continue
		}
		s := statsFromVals(statVals)
		out[misses[i]] = s
		g.stats.put(misses[i], s)
	}
	return out, nil
}

// ---- leaderboard ----

type registryAgent struct {
	Id     *big.Int
	Wallet common.Address
	Name   string
}

// Leaderboard assembles a ranked page from the identity registry roster
// plus batched stats reads. Pages are cached for 30s and dropped after any
// settlement.
func (g *Gateway) Leaderboard(ctx context.Context, page, pageSize int) ([]LeaderboardEntry, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if entries, ok := g.leaderboard.get(page); ok {
		return entries, nil
	}

	vals, err := g.callUnpack(ctx, g.identity, registryABI, "agentCount")
	if err != nil {
		return nil, err
	}
	count := vals[0].(*big.Int).Uint64()
	if count == 0 {
		return nil, nil
	}
	vals, err = g.callUnpack(ctx, g.identity, registryABI, "getAgents", common.Big0, new(big.Int).SetUint64(count))
	if err != nil {
		return nil, err
	}
	roster := *abi.ConvertType(vals[0], new([]registryAgent)).(*[]registryAgent)

	wallets := make([]common.Address, len(roster))
	for i, a := range roster {
		wallets[i] = a.Wallet
		if a.Name != "" {
			g.names.put(a.Wallet, a.Name)
		}
	}
	stats, err := g.GetAgentStatsBatch(ctx, wallets)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(roster))
	for _, a := range roster {
		entries = append(entries, LeaderboardEntry{Address: a.Wallet, Name: a.Name, Stats: stats[a.Wallet]})
	}
	sortLeaderboard(entries)

	start := page * pageSize
	if start >= len(entries) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	pageEntries := entries[start:end]
	g.leaderboard.put(page, pageEntries)
	return pageEntries, nil
}

// sortLeaderboard ranks by points descending; registry order breaks ties.
func sortLeaderboard(entries []LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Stats.TotalPoints > entries[j].Stats.TotalPoints
	})
}
