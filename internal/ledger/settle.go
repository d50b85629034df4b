package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// abiSettlement mirrors the settleMultiple tuple component layout.
type abiSettlement struct {
	MatchId *big.Int
	ChoiceA uint8
	NonceA  *big.Int
	SigA    []byte
	ChoiceB uint8
	NonceB  *big.Int
	SigB    []byte
}

// EnqueueSettlement buffers one fully-signed outcome. The first enqueue
// arms the single-shot flush timer; at most one flush timer is in flight.
func (g *Gateway) EnqueueSettlement(s Settlement) {
	g.setMu.Lock()
	g.pending = append(g.pending, s)
	g.armFlushLocked(g.flushDelay)
	g.setMu.Unlock()
}

func (g *Gateway) armFlushLocked(delay time.Duration) {
	if g.flushTimer != nil {
		return
	}
	g.flushTimer = time.AfterFunc(delay, g.flushSettlements)
}

// flushSettlements drains the buffer and submits it in chunks of at most
// batchCap. A failed chunk is re-queued intact with a shorter retry delay;
// the callback fires exactly once per matchId of a confirmed chunk.
func (g *Gateway) flushSettlements() {
	g.setMu.Lock()
	g.flushTimer = nil
	batch := g.pending
	g.pending = nil
	onSettled := g.onSettled
	g.setMu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	for start := 0; start < len(batch); start += g.batchCap {
		end := start + g.batchCap
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		txHash, err := g.settleChunk(ctx, chunk)
		if err != nil {
			g.log.Error().Err(err).Int("size", len(chunk)).Msg("settlement chunk failed, re-queueing")
			g.setMu.Lock()
			g.pending = append(g.pending, chunk...)
			g.armFlushLocked(g.retryDelay)
			g.setMu.Unlock()
			continue
		}

		g.log.Info().Int("size", len(chunk)).Str("tx", txHash.Hex()).Msg("settlement chunk confirmed")
		g.stats.purge()
		g.leaderboard.purge()
		for _, s := range chunk {
			if onSettled != nil {
				onSettled(s.MatchID, txHash)
			}
		}
	}
}

// settleChunk closes the chunk's betting pools first (best effort: a pool
// with no bets is already auto-closed, so failure is ignored), then submits
// one multi-settle transaction.
func (g *Gateway) settleChunk(ctx context.Context, chunk []Settlement) (common.Hash, error) {
	ids := make([]uint64, len(chunk))
	for i, s := range chunk {
		ids[i] = s.MatchID
	}
	if err := g.CloseBettingBatch(ctx, ids); err != nil {
		g.log.Debug().Err(err).Msg("closeBettingBatch failed (ignored)")
	}

	tuples := make([]abiSettlement, len(chunk))
	for i, s := range chunk {
		tuples[i] = abiSettlement{
			MatchId: new(big.Int).SetUint64(s.MatchID),
			ChoiceA: uint8(s.ChoiceA),
			NonceA:  new(big.Int).SetUint64(s.NonceA),
			SigA:    s.SigA,
			ChoiceB: uint8(s.ChoiceB),
			NonceB:  new(big.Int).SetUint64(s.NonceB),
			SigB:    s.SigB,
		}
	}
	data, err := gameABI.Pack("settleMultiple", tuples)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack settleMultiple: %w", err)
	}
	receipt, err := g.transact(ctx, g.game, data)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// PendingSettlements reports the current buffer depth (stats endpoint).
func (g *Gateway) PendingSettlements() int {
	g.setMu.Lock()
	defer g.setMu.Unlock()
	return len(g.pending)
}
