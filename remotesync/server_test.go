package remotesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/hotmod"
	"github.com/GoCodeAlone/hotmod/statestore"
)

func newTestServer(t *testing.T, store statestore.Store) (*Server, *httptest.Server) {
	t.Helper()
	orch := hotmod.NewOrchestrator(hotmod.NewRegistry(nil), nil)
	srv := NewServer(orch, store, nil, ServerConfig{
		HeartbeatInterval:        time.Second,
		HeartbeatTimeoutMultiple: 5,
	}, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	env, err := NewEnvelope(msgType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readEnvelopeOfType skips interleaved broadcasts until an envelope of
// the wanted type arrives.
func readEnvelopeOfType(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %s envelope within 10 reads", msgType)
	return Envelope{}
}

func TestServer_RegisterHandshake(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgRegister, RegisterRequest{ClientType: "web_dashboard"})

	env := readEnvelopeOfType(t, conn, MsgRegistered)
	var reply RegisteredReply
	require.NoError(t, decode(env, &reply))
	assert.NotEmpty(t, reply.ClientID)
	assert.Equal(t, 0, reply.SystemStatus.Modules)

	assert.Eventually(t, func() bool { return srv.PeerCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_PingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgPing, nil)
	env := readEnvelopeOfType(t, conn, MsgPong)
	assert.Equal(t, MsgPong, env.Type)
}

func TestServer_MalformedEnvelopeKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelopeOfType(t, conn, MsgError)

	var reply ErrorReply
	require.NoError(t, decode(env, &reply))
	assert.Contains(t, reply.Error, "malformed")

	// The connection survives; a valid message still works.
	sendEnvelope(t, conn, MsgPing, nil)
	readEnvelopeOfType(t, conn, MsgPong)
}

func TestServer_UnknownMessageType(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, "teleport", nil)
	env := readEnvelopeOfType(t, conn, MsgError)

	var reply ErrorReply
	require.NoError(t, decode(env, &reply))
	assert.Contains(t, reply.Error, "unknown message type")
}

func TestServer_ModuleInstall(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgModuleInstall, ModuleInstallRequest{
		ModuleID: "audio",
		ModuleConfig: map[string]any{
			"name":    "Audio Engine",
			"version": "1.0.0",
		},
	})

	env := readEnvelopeOfType(t, conn, MsgModuleInstalled)
	var reply ModuleInstalledReply
	require.NoError(t, decode(env, &reply))
	assert.True(t, reply.Success)
	assert.Equal(t, "audio", reply.ModuleID)

	d, err := srv.orch.Registry().Get("audio")
	require.NoError(t, err)
	assert.Equal(t, "Audio Engine", d.Name)
	assert.Equal(t, "1.0.0", d.Version)
	assert.Equal(t, hotmod.StatusLoaded, d.Status)
}

func TestServer_ModuleInstallFailureReply(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	// Missing dependency makes the load step fail; the reply reports it
	// instead of dropping the connection.
	sendEnvelope(t, conn, MsgModuleInstall, ModuleInstallRequest{
		ModuleID: "app",
		ModuleConfig: map[string]any{
			"dependencies": []any{"ghost"},
		},
	})

	env := readEnvelopeOfType(t, conn, MsgModuleInstalled)
	var reply ModuleInstalledReply
	require.NoError(t, decode(env, &reply))
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "unregistered")
}

func TestServer_InstallBroadcastToOtherPeers(t *testing.T) {
	_, ts := newTestServer(t, nil)
	installer := dialWS(t, ts)
	watcher := dialWS(t, ts)

	// Both peers register so they are in the broadcast set.
	sendEnvelope(t, installer, MsgRegister, RegisterRequest{ClientType: "ai_agent"})
	readEnvelopeOfType(t, installer, MsgRegistered)
	sendEnvelope(t, watcher, MsgRegister, RegisterRequest{ClientType: "web_dashboard"})
	readEnvelopeOfType(t, watcher, MsgRegistered)

	sendEnvelope(t, installer, MsgModuleInstall, ModuleInstallRequest{
		ModuleID:     "audio",
		ModuleConfig: map[string]any{"version": "1.0.0"},
	})
	readEnvelopeOfType(t, installer, MsgModuleInstalled)

	env := readEnvelopeOfType(t, watcher, MsgModuleInstall)
	var req ModuleInstallRequest
	require.NoError(t, decode(env, &req))
	assert.Equal(t, "audio", req.ModuleID)
}

func TestServer_SystemCommands(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	require.NoError(t, srv.orch.Registry().Register("audio", hotmod.Descriptor{Name: "Audio"}))
	require.NoError(t, srv.orch.Load(context.Background(), "audio", nil))

	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgSystemCommand, SystemCommandRequest{Command: "list_modules"})
	env := readEnvelopeOfType(t, conn, MsgModuleList)
	var list ModuleListReply
	require.NoError(t, decode(env, &list))
	require.Len(t, list.Modules, 1)
	assert.Equal(t, "audio", list.Modules[0].ID)

	sendEnvelope(t, conn, MsgSystemCommand, SystemCommandRequest{Command: "get_system_status"})
	env = readEnvelopeOfType(t, conn, MsgSystemStatus)
	var status SystemStatusReply
	require.NoError(t, decode(env, &status))
	assert.Equal(t, 1, status.Status.Loaded)

	sendEnvelope(t, conn, MsgSystemCommand, SystemCommandRequest{Command: "restart_system"})
	readEnvelopeOfType(t, conn, MsgSystemRestarted)
	assert.Equal(t, 0, srv.orch.Registry().Len())
}

func TestServer_AICommandLoadModule(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	require.NoError(t, srv.orch.Registry().Register("audio", hotmod.Descriptor{}))

	agent := dialWS(t, ts)
	sendEnvelope(t, agent, MsgRegister, RegisterRequest{ClientType: "ai_agent"})
	readEnvelopeOfType(t, agent, MsgRegistered)

	sendEnvelope(t, agent, MsgAICommand, AICommandRequest{
		Command:  "load_module",
		Context:  map[string]any{"moduleId": "audio"},
		Priority: "3",
	})

	env := readEnvelopeOfType(t, agent, MsgAICommandExecuted)
	var executed AICommandExecuted
	require.NoError(t, decode(env, &executed))
	assert.Equal(t, "load_module", executed.Command)
	assert.Equal(t, []string{"load:audio"}, executed.Actions)
	assert.NotEmpty(t, executed.ExecutedBy)

	d, err := srv.orch.Registry().Get("audio")
	require.NoError(t, err)
	assert.Equal(t, hotmod.StatusLoaded, d.Status)
}

func TestServer_AICommandSnapshotWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgAICommand, AICommandRequest{Command: "create_snapshot"})
	env := readEnvelopeOfType(t, conn, MsgError)

	var reply ErrorReply
	require.NoError(t, decode(env, &reply))
	assert.Contains(t, reply.Error, "no state store")
}

func TestServer_HTTPAPI(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	require.NoError(t, srv.orch.Registry().Register("audio", hotmod.Descriptor{}))
	require.NoError(t, srv.orch.Registry().Register("voice-ui", hotmod.Descriptor{Dependencies: []string{"audio"}}))

	resp, err := http.Get(ts.URL + "/api/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ModuleListReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Modules, 2)

	graphResp, err := http.Get(ts.URL + "/api/graph")
	require.NoError(t, err)
	defer graphResp.Body.Close()

	var graph struct {
		Graph map[string][]string `json:"graph"`
	}
	require.NoError(t, json.NewDecoder(graphResp.Body).Decode(&graph))
	assert.Equal(t, []string{"audio"}, graph.Graph["voice-ui"])

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServer_PeerEvictionOnClose(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	sendEnvelope(t, conn, MsgPing, nil)
	readEnvelopeOfType(t, conn, MsgPong)
	require.Eventually(t, func() bool { return srv.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return srv.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
