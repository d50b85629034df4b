package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"signals/orchestrator/internal/wire"
)

// CreateQuickMatchBatch submits pairs in one transaction (chunked at
// batchCap) and returns the ledger-assigned match ids, recovered from the
// MatchCreated logs in emission order.
func (g *Gateway) CreateQuickMatchBatch(ctx context.Context, pairs []MatchPair) ([]uint64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var ids []uint64
	for start := 0; start < len(pairs); start += g.batchCap {
		end := start + g.batchCap
		if end > len(pairs) {
			end = len(pairs)
		}
		data, err := gameABI.Pack("createQuickMatchBatch", pairs[start:end])
		if err != nil {
			return nil, fmt.Errorf("pack createQuickMatchBatch: %w", err)
		}
		receipt, err := g.transact(ctx, g.game, data)
		if err != nil {
			return nil, fmt.Errorf("createQuickMatchBatch: %w", err)
		}
		chunkIDs := decodeMatchCreated(receipt.Logs)
		if len(chunkIDs) != end-start {
			return nil, fmt.Errorf("createQuickMatchBatch: expected %d MatchCreated logs, got %d", end-start, len(chunkIDs))
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

// CreateTournamentMatchBatch is the tournament-round variant; the choice
// window rides with the batch so the contract can enforce deadlines.
func (g *Gateway) CreateTournamentMatchBatch(ctx context.Context, tournamentID uint64, pairs []MatchPair, choiceWindowSecs uint64) ([]uint64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var ids []uint64
	for start := 0; start < len(pairs); start += g.batchCap {
		end := start + g.batchCap
		if end > len(pairs) {
			end = len(pairs)
		}
		data, err := gameABI.Pack("createTournamentMatchBatch",
			new(big.Int).SetUint64(tournamentID), pairs[start:end], new(big.Int).SetUint64(choiceWindowSecs))
		if err != nil {
			return nil, fmt.Errorf("pack createTournamentMatchBatch: %w", err)
		}
		receipt, err := g.transact(ctx, g.game, data)
		if err != nil {
			return nil, fmt.Errorf("createTournamentMatchBatch: %w", err)
		}
		chunkIDs := decodeMatchCreated(receipt.Logs)
		if len(chunkIDs) != end-start {
			return nil, fmt.Errorf("createTournamentMatchBatch: expected %d MatchCreated logs, got %d", end-start, len(chunkIDs))
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

// decodeMatchCreated recovers assigned match ids from indexed log topics,
// preserving emission order.
func decodeMatchCreated(logs []*types.Log) []uint64 {
	var ids []uint64
	for _, l := range logs {
		if len(l.Topics) < 2 || l.Topics[0] != matchCreatedTopic {
			continue
		}
		ids = append(ids, new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64())
	}
	return ids
}

// SettleTimeout settles a match where neither side submitted in time.
func (g *Gateway) SettleTimeout(ctx context.Context, matchID uint64) (common.Hash, error) {
	return g.gameTx(ctx, "settleTimeout", new(big.Int).SetUint64(matchID))
}

// SettlePartialTimeout settles a match where exactly one side submitted.
func (g *Gateway) SettlePartialTimeout(ctx context.Context, matchID uint64, choice wire.Choice, nonce uint64, sig []byte, agentATimedOut bool) (common.Hash, error) {
	return g.gameTx(ctx, "settlePartialTimeout",
		new(big.Int).SetUint64(matchID), uint8(choice), new(big.Int).SetUint64(nonce), sig, agentATimedOut)
}

func (g *Gateway) CloseBetting(ctx context.Context, matchID uint64) error {
	_, err := g.gameTx(ctx, "closeBetting", new(big.Int).SetUint64(matchID))
	return err
}

func (g *Gateway) CloseBettingBatch(ctx context.Context, matchIDs []uint64) error {
	ids := make([]*big.Int, len(matchIDs))
	for i, id := range matchIDs {
		ids[i] = new(big.Int).SetUint64(id)
	}
	_, err := g.gameTx(ctx, "closeBettingBatch", ids)
	return err
}

// CreateTournament returns the new tournament id from the
// TournamentCreated log.
func (g *Gateway) CreateTournament(ctx context.Context, entryStake *big.Int, maxPlayers, totalRounds, registrationSecs uint64) (uint64, error) {
	data, err := gameABI.Pack("createTournament",
		entryStake, new(big.Int).SetUint64(maxPlayers), new(big.Int).SetUint64(totalRounds), new(big.Int).SetUint64(registrationSecs))
	if err != nil {
		return 0, fmt.Errorf("pack createTournament: %w", err)
	}
	receipt, err := g.transact(ctx, g.game, data)
	if err != nil {
		return 0, fmt.Errorf("createTournament: %w", err)
	}
	for _, l := range receipt.Logs {
		if len(l.Topics) >= 2 && l.Topics[0] == tournamentCreatedTopic {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), nil
		}
	}
	return 0, fmt.Errorf("createTournament: no TournamentCreated log")
}

func (g *Gateway) StartTournament(ctx context.Context, id uint64) error {
	_, err := g.gameTx(ctx, "startTournament", new(big.Int).SetUint64(id))
	return err
}

func (g *Gateway) CancelTournament(ctx context.Context, id uint64) error {
	_, err := g.gameTx(ctx, "cancelTournament", new(big.Int).SetUint64(id))
	return err
}

func (g *Gateway) AdvanceToFinal(ctx context.Context, id uint64) error {
	_, err := g.gameTx(ctx, "advanceToFinal", new(big.Int).SetUint64(id))
	return err
}

func (g *Gateway) CompleteTournament(ctx context.Context, id uint64) error {
	_, err := g.gameTx(ctx, "completeTournament", new(big.Int).SetUint64(id))
	return err
}

func (g *Gateway) SetFinalRankings(ctx context.Context, id uint64, ranked []common.Address) error {
	_, err := g.gameTx(ctx, "setFinalRankings", new(big.Int).SetUint64(id), ranked)
	return err
}

// JoinTournamentFor submits an agent's gasless join: the EIP-712 join
// signature plus the ERC-2612 permit pieces for the entry stake.
func (g *Gateway) JoinTournamentFor(ctx context.Context, tournamentID uint64, agent common.Address, nonce uint64, joinSig []byte, permitDeadline uint64, v uint8, r, s [32]byte) (common.Hash, error) {
	return g.gameTx(ctx, "joinTournamentFor",
		new(big.Int).SetUint64(tournamentID), agent, new(big.Int).SetUint64(nonce), joinSig,
		new(big.Int).SetUint64(permitDeadline), v, r, s)
}

func (g *Gateway) gameTx(ctx context.Context, method string, args ...any) (common.Hash, error) {
	data, err := gameABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	receipt, err := g.transact(ctx, g.game, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	return receipt.TxHash, nil
}
