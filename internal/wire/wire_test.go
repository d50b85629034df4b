package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"JOIN_QUEUE","timestamp":1}`))
	require.NoError(t, err)
	require.Equal(t, CmdJoinQueue, env.Type)

	_, err = DecodeEnvelope([]byte(`{"timestamp":1}`))
	require.Error(t, err, "missing type must be rejected")

	_, err = DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestNewEnvelopeStampsTimestamp(t *testing.T) {
	env, err := NewEnvelope(EvQueueUpdate, QueueUpdatePayload{QueueSize: 2})
	require.NoError(t, err)
	require.Equal(t, EvQueueUpdate, env.Type)
	require.NotZero(t, env.Timestamp)
	require.JSONEq(t, `{"queueSize":2}`, string(env.Payload))
}

func TestParseChoice(t *testing.T) {
	c, ok := ParseChoice("SPLIT")
	require.True(t, ok)
	require.Equal(t, ChoiceSplit, c)

	c, ok = ParseChoice("STEAL")
	require.True(t, ok)
	require.Equal(t, ChoiceSteal, c)

	_, ok = ParseChoice("NONE")
	require.False(t, ok, "NONE is not submittable")
	_, ok = ParseChoice("split")
	require.False(t, ok, "parsing is case-sensitive on purpose")
}

func TestResultStrings(t *testing.T) {
	require.Equal(t, "BOTH_SPLIT", ResultBothSplit.String())
	require.Equal(t, "AGENT_A_STEALS", ResultAgentASteals.String())
	require.Equal(t, "AGENT_B_STEALS", ResultAgentBSteals.String())
	require.Equal(t, "BOTH_STEAL", ResultBothSteal.String())
}
