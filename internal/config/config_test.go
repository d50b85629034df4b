package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func setRequired(t *testing.T) {
	t.Setenv("OPERATOR_KEY", testKey)
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("GAME_CONTRACT", "0x00000000000000000000000000000000000000a1")
	t.Setenv("TOKEN_CONTRACT", "0x00000000000000000000000000000000000000a2")
	t.Setenv("IDENTITY_REGISTRY", "0x00000000000000000000000000000000000000a3")
	t.Setenv("MULTICALL", "0x00000000000000000000000000000000000000a4")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(31337), cfg.ChainID)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Equal(t, DefaultNegotiationSecs*time.Second, cfg.NegotiationDur)
	require.Equal(t, DefaultChoiceSecs*time.Second, cfg.ChoiceDur)
	require.Equal(t, DefaultSettleFlushMs*time.Millisecond, cfg.SettleFlush)
	require.Equal(t, DefaultBatchCap, cfg.BatchCap)
	require.Equal(t, DefaultChallengeTTLSecs*time.Second, cfg.ChallengeTTL)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("OPERATOR_KEY", "0x"+testKey) // prefix tolerated
	t.Setenv("NEGOTIATION_SECS", "90")
	t.Setenv("CHOICE_SECS", "30")
	t.Setenv("SETTLE_FLUSH_MS", "500")
	t.Setenv("BATCH_CAP", "10")
	t.Setenv("LISTEN_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.NegotiationDur)
	require.Equal(t, 30*time.Second, cfg.ChoiceDur)
	require.Equal(t, 500*time.Millisecond, cfg.SettleFlush)
	require.Equal(t, 10, cfg.BatchCap)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, testKey, cfg.OperatorKey)
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []string{"OPERATOR_KEY", "RPC_URL", "CHAIN_ID", "GAME_CONTRACT"}
	for _, name := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, "")
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	setRequired(t)
	t.Setenv("OPERATOR_KEY", "not-a-key")
	_, err := Load()
	require.Error(t, err)

	setRequired(t)
	t.Setenv("GAME_CONTRACT", "0x123")
	_, err = Load()
	require.Error(t, err)

	setRequired(t)
	t.Setenv("CHOICE_SECS", "0")
	_, err = Load()
	require.Error(t, err)

	setRequired(t)
	t.Setenv("BATCH_CAP", "many")
	_, err = Load()
	require.Error(t, err)
}
