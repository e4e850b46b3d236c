// ABOUTME: Tests for envelope framing and command type validation.
// ABOUTME: Verifies allow-list rejection happens before any command exists.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	wire, err := EncodeEnvelope(EventAuthAck, AuthAckPayload{Status: "ok"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(wire)
	require.NoError(t, err)
	assert.Equal(t, EventAuthAck, env.Event)

	var ack AuthAckPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "ok", ack.Status)
}

func TestEnvelopeCipherText(t *testing.T) {
	wire, err := EncodeEnvelope(EventCommand, "b64-ciphertext")
	require.NoError(t, err)

	env, err := DecodeEnvelope(wire)
	require.NoError(t, err)

	ct, err := env.CipherText()
	require.NoError(t, err)
	assert.Equal(t, "b64-ciphertext", ct)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"data":"x"}`))
	assert.Error(t, err, "missing event must be rejected")
}

func TestParseCommandType(t *testing.T) {
	for _, ct := range CommandTypes {
		got, err := ParseCommandType(string(ct))
		require.NoError(t, err)
		assert.Equal(t, ct, got)
	}

	for _, bad := range []string{"", "reboot", "HEALTH_CHECK", "health-check", "rm_rf"} {
		_, err := ParseCommandType(bad)
		assert.ErrorIs(t, err, ErrUnknownCommand, "input %q", bad)
	}
}

func TestValidateCommandSelfDestruct(t *testing.T) {
	assert.ErrorIs(t, ValidateCommand(CmdSelfDestruct, nil), ErrConfirmRequired)
	assert.ErrorIs(t, ValidateCommand(CmdSelfDestruct, map[string]any{"confirm": false}), ErrConfirmRequired)
	assert.ErrorIs(t, ValidateCommand(CmdSelfDestruct, map[string]any{"confirm": "true"}), ErrConfirmRequired)
	assert.NoError(t, ValidateCommand(CmdSelfDestruct, map[string]any{"confirm": true}))

	// No other type requires params.
	assert.NoError(t, ValidateCommand(CmdHealthCheck, nil))
	assert.NoError(t, ValidateCommand(CmdKillProcess, map[string]any{}))
}
