// Package remotesync mirrors orchestrator operations to remote peers
// over a duplex websocket channel. Each connected peer runs a
// sequential message loop: one envelope is decoded at a time,
// dispatched to the orchestrator, answered to the originating peer, and
// the resulting effect is broadcast to all peers.
package remotesync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoCodeAlone/hotmod"
)

// Envelope is the wire frame: one message type and its payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types. Requests arrive from peers; replies go only to the
// originating peer; broadcast types fan out to every connected peer.
const (
	// requests
	MsgRegister        = "register"
	MsgModuleInstall   = "module_install"
	MsgModuleUpdate    = "module_update"
	MsgModuleUninstall = "module_uninstall"
	MsgModuleReload    = "module_reload"
	MsgSystemCommand   = "system_command"
	MsgAICommand       = "ai_command"
	MsgPing            = "ping"

	// replies
	MsgRegistered      = "registered"
	MsgModuleInstalled = "module_installed"
	MsgModuleList      = "module_list"
	MsgSystemStatus    = "system_status"
	MsgSystemRestarted = "system_restarted"
	MsgPong            = "pong"
	MsgError           = "error"

	// broadcasts
	MsgAICommandExecuted = "ai_command_executed"
	MsgModuleEvent       = "module_event"
)

// RegisterRequest announces a newly connected peer.
type RegisterRequest struct {
	ClientType string `json:"clientType"`
}

// RegisteredReply assigns the session id and reports system status.
type RegisteredReply struct {
	ClientID     string              `json:"clientId"`
	SystemStatus hotmod.SystemStatus `json:"systemStatus"`
}

// ModuleInstallRequest registers and loads a module.
type ModuleInstallRequest struct {
	ModuleID     string         `json:"moduleId"`
	ModuleConfig map[string]any `json:"moduleConfig,omitempty"`
	Source       string         `json:"source,omitempty"`
}

// ModuleInstalledReply reports the outcome of an install.
type ModuleInstalledReply struct {
	ModuleID string `json:"moduleId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ModuleUpdateRequest hot-swaps a loaded module's configuration.
type ModuleUpdateRequest struct {
	ModuleID     string         `json:"moduleId"`
	ModuleConfig map[string]any `json:"moduleConfig,omitempty"`
	Action       string         `json:"action,omitempty"`
}

// ModuleUninstallRequest unloads and unregisters a module.
type ModuleUninstallRequest struct {
	ModuleID string `json:"moduleId"`
}

// ModuleReloadRequest unloads then loads a module.
type ModuleReloadRequest struct {
	ModuleID string `json:"moduleId"`
}

// SystemCommandRequest carries one of the fixed system commands:
// list_modules, get_system_status, restart_system, execute_ai_command.
type SystemCommandRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// AICommandRequest translates a high-level command into orchestrator
// calls. Priority is accepted as any JSON scalar and coerced to an int.
type AICommandRequest struct {
	Command  string         `json:"command"`
	Context  map[string]any `json:"context,omitempty"`
	Priority any            `json:"priority,omitempty"`
}

// AICommandExecuted is broadcast after an ai_command ran.
type AICommandExecuted struct {
	Command    string   `json:"command"`
	Actions    []string `json:"actions"`
	ExecutedBy string   `json:"executedBy"`
}

// ModuleListReply answers list_modules.
type ModuleListReply struct {
	Modules []*hotmod.Descriptor `json:"modules"`
}

// SystemStatusReply answers get_system_status.
type SystemStatusReply struct {
	Status hotmod.SystemStatus `json:"status"`
}

// ErrorReply answers any request that failed. It is sent only to the
// requesting peer, never broadcast, and the connection stays open.
type ErrorReply struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ModuleEventPayload is the broadcast form of an orchestrator event.
type ModuleEventPayload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal %s payload: %v", hotmod.ErrProtocol, msgType, err)
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// mustEnvelope is NewEnvelope for payload types that cannot fail to
// marshal.
func mustEnvelope(msgType string, data any) Envelope {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		panic(err)
	}
	return env
}

// errorEnvelope builds the standard error reply.
func errorEnvelope(err error) Envelope {
	return mustEnvelope(MsgError, ErrorReply{Error: err.Error(), Timestamp: time.Now()})
}

// decode unmarshals an envelope payload into out, mapping malformed
// input to ErrProtocol.
func decode(env Envelope, out any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires a payload", hotmod.ErrProtocol, env.Type)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", hotmod.ErrProtocol, env.Type, err)
	}
	return nil
}
