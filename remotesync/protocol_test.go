package remotesync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/hotmod"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgModuleInstall, ModuleInstallRequest{
		ModuleID:     "audio",
		ModuleConfig: map[string]any{"rate": 44100.0},
		Source:       "builtin",
	})
	require.NoError(t, err)
	assert.Equal(t, MsgModuleInstall, env.Type)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var req ModuleInstallRequest
	require.NoError(t, decode(decoded, &req))
	assert.Equal(t, "audio", req.ModuleID)
	assert.Equal(t, "builtin", req.Source)
	assert.Equal(t, 44100.0, req.ModuleConfig["rate"])
}

func TestDecodeMalformedData(t *testing.T) {
	env := Envelope{Type: MsgModuleInstall, Data: json.RawMessage(`{"moduleId": 42`)}

	var req ModuleInstallRequest
	err := decode(env, &req)
	assert.ErrorIs(t, err, hotmod.ErrProtocol)
}

func TestDecodeEmptyData(t *testing.T) {
	var req RegisterRequest
	err := decode(Envelope{Type: MsgRegister}, &req)
	assert.ErrorIs(t, err, hotmod.ErrProtocol)
}

func TestErrorEnvelope(t *testing.T) {
	env := errorEnvelope(hotmod.ErrModuleNotFound)
	assert.Equal(t, MsgError, env.Type)

	var reply ErrorReply
	require.NoError(t, decode(env, &reply))
	assert.Contains(t, reply.Error, "module not found")
	assert.False(t, reply.Timestamp.IsZero())
}
