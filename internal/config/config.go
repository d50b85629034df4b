package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Defaults for timing knobs; all overridable from the environment.
const (
	DefaultNegotiationSecs  = 45
	DefaultChoiceSecs       = 15
	DefaultSettleGraceSecs  = 10
	DefaultSettleFlushMs    = 200
	DefaultBatchCap         = 30
	DefaultChallengeTTLSecs = 60
	DefaultListenAddr       = ":8080"
)

type Config struct {
	OperatorKey string // hex, no 0x prefix required
	RPCURL      string
	RPCFallback string // optional secondary read endpoint
	ChainID     uint64

	GameContract     common.Address
	TokenContract    common.Address
	IdentityRegistry common.Address
	Multicall        common.Address

	ListenAddr string

	NegotiationDur time.Duration
	ChoiceDur      time.Duration
	SettleGrace    time.Duration
	SettleFlush    time.Duration
	BatchCap       int
	ChallengeTTL   time.Duration
}

// Load reads the environment, after merging an optional .env file. Required
// values fail fast; timing knobs fall back to defaults.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	cfg := &Config{
		OperatorKey: strings.TrimPrefix(os.Getenv("OPERATOR_KEY"), "0x"),
		RPCURL:      os.Getenv("RPC_URL"),
		RPCFallback: os.Getenv("RPC_URL_FALLBACK"),
		ListenAddr:  envStr("LISTEN_ADDR", DefaultListenAddr),
	}

	if cfg.OperatorKey == "" {
		return nil, fmt.Errorf("OPERATOR_KEY is required")
	}
	if _, err := crypto.HexToECDSA(cfg.OperatorKey); err != nil {
		return nil, fmt.Errorf("OPERATOR_KEY invalid: %w", err)
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}

	chainID, err := envUint("CHAIN_ID", 0)
	if err != nil {
		return nil, err
	}
	if chainID == 0 {
		return nil, fmt.Errorf("CHAIN_ID is required")
	}
	cfg.ChainID = chainID

	for _, a := range []struct {
		name string
		dst  *common.Address
	}{
		{"GAME_CONTRACT", &cfg.GameContract},
		{"TOKEN_CONTRACT", &cfg.TokenContract},
		{"IDENTITY_REGISTRY", &cfg.IdentityRegistry},
		{"MULTICALL", &cfg.Multicall},
	} {
		raw := os.Getenv(a.name)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%s missing or not a hex address: %q", a.name, raw)
		}
		*a.dst = common.HexToAddress(raw)
	}

	negotiation, err := envUint("NEGOTIATION_SECS", DefaultNegotiationSecs)
	if err != nil {
		return nil, err
	}
	choice, err := envUint("CHOICE_SECS", DefaultChoiceSecs)
	if err != nil {
		return nil, err
	}
	flush, err := envUint("SETTLE_FLUSH_MS", DefaultSettleFlushMs)
	if err != nil {
		return nil, err
	}
	batchCap, err := envUint("BATCH_CAP", DefaultBatchCap)
	if err != nil {
		return nil, err
	}
	challengeTTL, err := envUint("AUTH_CHALLENGE_TTL_SECS", DefaultChallengeTTLSecs)
	if err != nil {
		return nil, err
	}
	if negotiation == 0 || choice == 0 || flush == 0 || batchCap == 0 || challengeTTL == 0 {
		return nil, fmt.Errorf("timing overrides must be > 0")
	}

	cfg.NegotiationDur = time.Duration(negotiation) * time.Second
	cfg.ChoiceDur = time.Duration(choice) * time.Second
	cfg.SettleGrace = DefaultSettleGraceSecs * time.Second
	cfg.SettleFlush = time.Duration(flush) * time.Millisecond
	cfg.BatchCap = int(batchCap)
	cfg.ChallengeTTL = time.Duration(challengeTTL) * time.Second

	return cfg, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envUint(name string, def uint64) (uint64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
