// Package ledger is the sole owner of the operator key. Every transaction
// the orchestrator submits goes through its serialized nonce-managing
// signer; every on-chain read goes through its caches.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

const (
	statsTTL       = 60 * time.Second
	choiceNonceTTL = 30 * time.Second
	registeredTTL  = 300 * time.Second
	leaderboardTTL = 30 * time.Second

	defaultGasLimit = 3_000_000
	receiptPoll     = 500 * time.Millisecond
	receiptTimeout  = 90 * time.Second
)

type Options struct {
	ChainID          uint64
	OperatorKey      *ecdsa.PrivateKey
	GameContract     common.Address
	TokenContract    common.Address
	IdentityRegistry common.Address
	Multicall        common.Address
	FlushDelay       time.Duration // settlement debounce, default 200ms
	RetryDelay       time.Duration // re-queue delay for failed chunks
	BatchCap         int
}

type Gateway struct {
	log zerolog.Logger

	primary  Backend
	fallback Backend // nil unless a secondary read RPC is configured

	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	txSigner types.Signer

	game          common.Address
	token         common.Address
	identity      common.Address
	multicallAddr common.Address

	// Operator nonce. Serialized: one in-flight send at a time.
	nonceMu   sync.Mutex
	nonce     uint64
	nonceInit bool

	// Settlement buffer (see settle.go).
	setMu      sync.Mutex
	pending    []Settlement
	flushTimer *time.Timer
	flushDelay time.Duration
	retryDelay time.Duration
	batchCap   int
	onSettled  func(matchID uint64, txHash common.Hash)

	stats       *ttlCache[common.Address, AgentStats]
	choiceNonce *ttlCache[common.Address, uint64]
	registered  *ttlCache[common.Address, bool]
	leaderboard *ttlCache[int, []LeaderboardEntry]
	names       *ttlCache[common.Address, string]      // immutable
	settled     *ttlCache[uint64, MatchRecord]         // immutable once settled
	tokenName   *ttlCache[struct{}, string]            // immutable
}

func New(log zerolog.Logger, primary, fallback Backend, opts Options) (*Gateway, error) {
	if opts.OperatorKey == nil {
		return nil, fmt.Errorf("operator key is required")
	}
	if opts.ChainID == 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 200 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = opts.FlushDelay / 2
	}
	if opts.BatchCap <= 0 {
		opts.BatchCap = 30
	}
	chainID := new(big.Int).SetUint64(opts.ChainID)
	return &Gateway{
		log:           log.With().Str("component", "ledger").Logger(),
		primary:       primary,
		fallback:      fallback,
		key:           opts.OperatorKey,
		operator:      crypto.PubkeyToAddress(opts.OperatorKey.PublicKey),
		chainID:       chainID,
		txSigner:      types.LatestSignerForChainID(chainID),
		game:          opts.GameContract,
		token:         opts.TokenContract,
		identity:      opts.IdentityRegistry,
		multicallAddr: opts.Multicall,
		flushDelay:    opts.FlushDelay,
		retryDelay:    opts.RetryDelay,
		batchCap:      opts.BatchCap,
		stats:         newTTLCache[common.Address, AgentStats](statsTTL),
		choiceNonce:   newTTLCache[common.Address, uint64](choiceNonceTTL),
		registered:    newTTLCache[common.Address, bool](registeredTTL),
		leaderboard:   newTTLCache[int, []LeaderboardEntry](leaderboardTTL),
		names:         newTTLCache[common.Address, string](0),
		settled:       newTTLCache[uint64, MatchRecord](0),
		tokenName:     newTTLCache[struct{}, string](0),
	}, nil
}

// Operator returns the address the operator key controls (permit spender).
func (g *Gateway) Operator() common.Address { return g.operator }

// SetOnSettled registers the once-per-match settlement callback. Must be
// wired before the first settlement is enqueued.
func (g *Gateway) SetOnSettled(fn func(matchID uint64, txHash common.Hash)) {
	g.setMu.Lock()
	g.onSettled = fn
	g.setMu.Unlock()
}

// ---- write path ----

// transact packs, signs, sends, and waits for a receipt, retrying nonce
// collisions and provider rate limits within bounded budgets.
func (g *Gateway) transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	var nonceRetries, rateRetries int
	for {
		receipt, err := g.sendOnce(ctx, to, data)
		if err == nil {
			return receipt, nil
		}
		switch {
		case isNonceErr(err) && nonceRetries < maxNonceRetries:
			g.log.Warn().Err(err).Int("retry", nonceRetries+1).Msg("nonce collision, resetting signer")
			g.resetNonce()
			if serr := sleepCtx(ctx, backoff(nonceRetries, nonceBackoffCap)); serr != nil {
				return nil, serr
			}
			nonceRetries++
		case isRateLimited(err) && rateRetries < maxRateRetries:
			g.log.Warn().Err(err).Int("retry", rateRetries+1).Msg("provider rate limited")
			if serr := sleepCtx(ctx, backoff(rateRetries, rateBackoffCap)); serr != nil {
				return nil, serr
			}
			rateRetries++
		default:
			return nil, err
		}
	}
}

func (g *Gateway) sendOnce(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	gasPrice, err := g.primary.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := g.primary.EstimateGas(ctx, ethereum.CallMsg{From: g.operator, To: &to, Data: data})
	if err != nil {
		// Estimation can fail transiently; a generous fixed limit still
		// lets the node reject a genuinely reverting call.
		gasLimit = defaultGasLimit
	}

	g.nonceMu.Lock()
	if !g.nonceInit {
		n, err := g.primary.PendingNonceAt(ctx, g.operator)
		if err != nil {
			g.nonceMu.Unlock()
			return nil, fmt.Errorf("fetch operator nonce: %w", err)
		}
		g.nonce = n
		g.nonceInit = true
	}
	nonce := g.nonce

	tx := types.NewTransaction(nonce, to, common.Big0, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, g.txSigner, g.key)
	if err != nil {
		g.nonceMu.Unlock()
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := g.primary.SendTransaction(ctx, signed); err != nil {
		g.nonceMu.Unlock()
		return nil, err
	}
	g.nonce++
	g.nonceMu.Unlock()

	return g.waitMined(ctx, signed.Hash())
}

func (g *Gateway) resetNonce() {
	g.nonceMu.Lock()
	g.nonceInit = false
	g.nonceMu.Unlock()
}

func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(receiptTimeout)
	for {
		receipt, err := g.primary.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transaction %s not mined within %s", hash.Hex(), receiptTimeout)
		}
		if serr := sleepCtx(ctx, receiptPoll); serr != nil {
			return nil, serr
		}
	}
}

// ---- read path ----

// callView hits the primary with a small retry budget, then the fallback
// endpoint if one is configured.
func (g *Gateway) callView(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	var lastErr error
	for attempt := 0; attempt <= maxRateRetries; attempt++ {
		out, err := g.primary.CallContract(ctx, msg, nil)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			break
		}
		if serr := sleepCtx(ctx, backoff(attempt, rateBackoffCap)); serr != nil {
			return nil, serr
		}
	}
	if g.fallback != nil {
		out, err := g.fallback.CallContract(ctx, msg, nil)
		if err == nil {
			return out, nil
		}
		lastErr = fmt.Errorf("fallback: %w", err)
	}
	return nil, lastErr
}

func (g *Gateway) callGame(ctx context.Context, method string, args ...any) ([]any, error) {
	return g.callUnpack(ctx, g.game, gameABI, method, args...)
}

func (g *Gateway) callUnpack(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := g.callView(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}
