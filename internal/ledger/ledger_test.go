package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/wire"
)

// fakeBackend scripts transaction outcomes through sendHook: returning logs
// attaches them to a successful receipt, returning an error fails the send.
type fakeBackend struct {
	mu         sync.Mutex
	nonce      uint64
	nonceCalls int
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	sendHook   func(tx *types.Transaction) ([]*types.Log, error)
	revertNext bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("unexpected view call")
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var logs []*types.Log
	if f.sendHook != nil {
		var err error
		logs, err = f.sendHook(tx)
		if err != nil {
			return err
		}
	}
	status := types.ReceiptStatusSuccessful
	if f.revertNext {
		status = types.ReceiptStatusFailed
		f.revertNext = false
	}
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash(), Logs: logs}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// sentWith counts submitted transactions carrying the method's selector.
func (f *fakeBackend) sentWith(method string) int {
	sel := gameABI.Methods[method].ID
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.sent {
		if len(tx.Data()) >= 4 && bytes.Equal(tx.Data()[:4], sel) {
			n++
		}
	}
	return n
}

func txMethod(tx *types.Transaction, method string) bool {
	sel := gameABI.Methods[method].ID
	return len(tx.Data()) >= 4 && bytes.Equal(tx.Data()[:4], sel)
}

func newTestGateway(t *testing.T, backend *fakeBackend) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	g, err := New(zerolog.Nop(), backend, nil, Options{
		ChainID:      31337,
		OperatorKey:  key,
		GameContract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		FlushDelay:   10 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func testSettlement(matchID uint64) Settlement {
	return Settlement{
		MatchID: matchID,
		ChoiceA: wire.ChoiceSplit,
		NonceA:  1,
		SigA:    []byte{0x01},
		ChoiceB: wire.ChoiceSteal,
		NonceB:  2,
		SigB:    []byte{0x02},
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache[string, int](20 * time.Millisecond)
	c.put("k", 42)
	if v, ok := c.get("k"); !ok || v != 42 {
		t.Fatalf("fresh entry missing: %v %v", v, ok)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatalf("expired entry still served")
	}
}

func TestTTLCacheInvalidateAndPurge(t *testing.T) {
	c := newTTLCache[string, int](time.Minute)
	c.put("a", 1)
	c.put("b", 2)
	c.invalidate("a")
	if _, ok := c.get("a"); ok {
		t.Fatalf("invalidated entry still served")
	}
	c.purge()
	if _, ok := c.get("b"); ok {
		t.Fatalf("purged entry still served")
	}
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	c := newTTLCache[uint64, string](0)
	c.put(1, "immutable")
	time.Sleep(20 * time.Millisecond)
	if v, ok := c.get(1); !ok || v != "immutable" {
		t.Fatalf("zero-ttl entry expired: %v %v", v, ok)
	}
}

func TestBackoffDoublesAndClamps(t *testing.T) {
	if got := backoff(0, time.Second); got != 250*time.Millisecond {
		t.Fatalf("backoff(0) = %v", got)
	}
	if got := backoff(1, time.Second); got != 500*time.Millisecond {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := backoff(10, time.Second); got != time.Second {
		t.Fatalf("backoff(10) not clamped: %v", got)
	}
}

type fakeRPCError struct{ code int }

func (e fakeRPCError) Error() string  { return "scripted rpc error" }
func (e fakeRPCError) ErrorCode() int { return e.code }

func TestErrorClassifiers(t *testing.T) {
	if !isNonceErr(errors.New("Nonce too low")) {
		t.Fatalf("nonce too low not classified")
	}
	if isNonceErr(errors.New("execution reverted")) {
		t.Fatalf("revert misclassified as nonce error")
	}
	if !isRateLimited(fakeRPCError{code: rateLimitCode}) {
		t.Fatalf("provider code %d not classified as rate limit", rateLimitCode)
	}
	if !isRateLimited(errors.New("429 Too Many Requests")) {
		t.Fatalf("429 message not classified as rate limit")
	}
	if isRateLimited(nil) || isNonceErr(nil) {
		t.Fatalf("nil classified as error")
	}
}

func TestSettlementDebounceSingleFlush(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	var mu sync.Mutex
	var settled []uint64
	g.SetOnSettled(func(matchID uint64, _ common.Hash) {
		mu.Lock()
		settled = append(settled, matchID)
		mu.Unlock()
	})

	g.EnqueueSettlement(testSettlement(10))
	g.EnqueueSettlement(testSettlement(11))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settled) == 2
	})
	if backend.sentWith("settleMultiple") != 1 {
		t.Fatalf("expected one settleMultiple tx, got %d", backend.sentWith("settleMultiple"))
	}
	if g.PendingSettlements() != 0 {
		t.Fatalf("buffer not drained: %d", g.PendingSettlements())
	}

	// Both matches rode in the same tuple array.
	backend.mu.Lock()
	var data []byte
	for _, tx := range backend.sent {
		if txMethod(tx, "settleMultiple") {
			data = tx.Data()
		}
	}
	backend.mu.Unlock()
	vals, err := gameABI.Methods["settleMultiple"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack settleMultiple: %v", err)
	}
	if got := reflect.ValueOf(vals[0]).Len(); got != 2 {
		t.Fatalf("expected 2 settlement tuples, got %d", got)
	}
}

func TestFailedChunkRequeuedAndRetried(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	fails := 1
	backend.sendHook = func(tx *types.Transaction) ([]*types.Log, error) {
		if txMethod(tx, "settleMultiple") && fails > 0 {
			fails--
			return nil, fmt.Errorf("scripted provider outage")
		}
		return nil, nil
	}

	var mu sync.Mutex
	var settled []uint64
	g.SetOnSettled(func(matchID uint64, _ common.Hash) {
		mu.Lock()
		settled = append(settled, matchID)
		mu.Unlock()
	})

	g.EnqueueSettlement(testSettlement(20))
	g.EnqueueSettlement(testSettlement(21))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settled) == 2
	})
	if g.PendingSettlements() != 0 {
		t.Fatalf("buffer not drained after retry: %d", g.PendingSettlements())
	}
	if backend.sentWith("settleMultiple") != 1 {
		t.Fatalf("retry should produce exactly one confirmed settleMultiple, got %d", backend.sentWith("settleMultiple"))
	}
}

func TestSettlementChunkedAtBatchCap(t *testing.T) {
	backend := newFakeBackend()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	g, err := New(zerolog.Nop(), backend, nil, Options{
		ChainID:      31337,
		OperatorKey:  key,
		GameContract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		FlushDelay:   10 * time.Millisecond,
		BatchCap:     2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for id := uint64(30); id < 33; id++ {
		g.EnqueueSettlement(testSettlement(id))
	}
	waitUntil(t, func() bool { return backend.sentWith("settleMultiple") == 2 })
	if g.PendingSettlements() != 0 {
		t.Fatalf("buffer not drained: %d", g.PendingSettlements())
	}
}

func matchCreatedLog(id uint64) *types.Log {
	return &types.Log{Topics: []common.Hash{matchCreatedTopic, common.BigToHash(new(big.Int).SetUint64(id))}}
}

func TestCreateQuickMatchBatchDecodesIDs(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	backend.sendHook = func(tx *types.Transaction) ([]*types.Log, error) {
		if !txMethod(tx, "createQuickMatchBatch") {
			return nil, nil
		}
		return []*types.Log{
			matchCreatedLog(101),
			{Topics: []common.Hash{common.HexToHash("0x01")}}, // unrelated event
			matchCreatedLog(102),
		}, nil
	}

	pairs := []MatchPair{
		{AgentA: common.BytesToAddress([]byte{1}), AgentB: common.BytesToAddress([]byte{2})},
		{AgentA: common.BytesToAddress([]byte{3}), AgentB: common.BytesToAddress([]byte{4})},
	}
	ids, err := g.CreateQuickMatchBatch(context.Background(), pairs)
	if err != nil {
		t.Fatalf("CreateQuickMatchBatch: %v", err)
	}
	if len(ids) != 2 || ids[0] != 101 || ids[1] != 102 {
		t.Fatalf("ids not recovered in emission order: %v", ids)
	}
}

func TestCreateQuickMatchBatchLogCountMismatch(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	backend.sendHook = func(tx *types.Transaction) ([]*types.Log, error) {
		if txMethod(tx, "createQuickMatchBatch") {
			return []*types.Log{matchCreatedLog(101)}, nil
		}
		return nil, nil
	}

	pairs := []MatchPair{
		{AgentA: common.BytesToAddress([]byte{1}), AgentB: common.BytesToAddress([]byte{2})},
		{AgentA: common.BytesToAddress([]byte{3}), AgentB: common.BytesToAddress([]byte{4})},
	}
	if _, err := g.CreateQuickMatchBatch(context.Background(), pairs); err == nil {
		t.Fatalf("missing MatchCreated log not detected")
	}
}

func TestCreateTournamentReturnsIDFromLog(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	backend.sendHook = func(tx *types.Transaction) ([]*types.Log, error) {
		if txMethod(tx, "createTournament") {
			return []*types.Log{{Topics: []common.Hash{
				tournamentCreatedTopic, common.BigToHash(big.NewInt(77)),
			}}}, nil
		}
		return nil, nil
	}

	id, err := g.CreateTournament(context.Background(), big.NewInt(1), 8, 3, 120)
	if err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	if id != 77 {
		t.Fatalf("expected tournament id 77, got %d", id)
	}
}

func TestNonceCollisionResetsSigner(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	fails := 1
	backend.sendHook = func(tx *types.Transaction) ([]*types.Log, error) {
		if fails > 0 {
			fails--
			return nil, errors.New("nonce too low")
		}
		return nil, nil
	}

	if _, err := g.SettleTimeout(context.Background(), 5); err != nil {
		t.Fatalf("SettleTimeout after nonce retry: %v", err)
	}
	backend.mu.Lock()
	calls := backend.nonceCalls
	backend.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected nonce re-fetch after collision, got %d fetches", calls)
	}
}

func TestRevertedReceiptIsAnError(t *testing.T) {
	backend := newFakeBackend()
	backend.revertNext = true
	g := newTestGateway(t, backend)

	if _, err := g.SettleTimeout(context.Background(), 5); err == nil {
		t.Fatalf("reverted transaction not reported")
	}
}

func TestDecodeMatchCreatedSkipsForeignLogs(t *testing.T) {
	logs := []*types.Log{
		{Topics: []common.Hash{common.HexToHash("0xdead")}},
		matchCreatedLog(7),
		{Topics: nil},
		matchCreatedLog(8),
	}
	ids := decodeMatchCreated(logs)
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
