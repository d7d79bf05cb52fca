package remotesync

import (
	"context"
	"fmt"
	"reflect"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/hotmod"
)

// dispatch routes one inbound envelope. It returns the reply for the
// originating peer (nil for none) and the envelope to broadcast to all
// peers (nil for none). Local errors become an error reply to the
// requester only; they are never broadcast.
func (s *Server) dispatch(ctx context.Context, p *peer, env Envelope) (reply, broadcast *Envelope) {
	switch env.Type {
	case MsgRegister:
		return s.handleRegister(p, env)
	case MsgModuleInstall:
		return s.handleModuleInstall(ctx, env)
	case MsgModuleUpdate:
		return s.handleModuleUpdate(ctx, env)
	case MsgModuleUninstall:
		return s.handleModuleUninstall(ctx, env)
	case MsgModuleReload:
		return s.handleModuleReload(ctx, env)
	case MsgSystemCommand:
		return s.handleSystemCommand(ctx, p, env)
	case MsgAICommand:
		var req AICommandRequest
		if err := decode(env, &req); err != nil {
			return errReply(err)
		}
		return s.handleAICommand(ctx, p, req)
	case MsgPing:
		pong := Envelope{Type: MsgPong}
		return &pong, nil
	default:
		return errReply(fmt.Errorf("%w: unknown message type %q", hotmod.ErrProtocol, env.Type))
	}
}

func (s *Server) handleRegister(p *peer, env Envelope) (*Envelope, *Envelope) {
	var req RegisterRequest
	if len(env.Data) > 0 {
		if err := decode(env, &req); err != nil {
			return errReply(err)
		}
	}
	p.clientType = req.ClientType
	s.logger.Info("Peer registered", "peer", p.id, "clientType", req.ClientType)

	reply := mustEnvelope(MsgRegistered, RegisteredReply{
		ClientID:     p.id,
		SystemStatus: s.orch.Status(),
	})
	return &reply, nil
}

func (s *Server) handleModuleInstall(ctx context.Context, env Envelope) (*Envelope, *Envelope) {
	var req ModuleInstallRequest
	if err := decode(env, &req); err != nil {
		return errReply(err)
	}
	if req.ModuleID == "" {
		return errReply(fmt.Errorf("%w: module_install requires moduleId", hotmod.ErrProtocol))
	}

	if err := s.installModule(ctx, req); err != nil {
		failed := mustEnvelope(MsgModuleInstalled, ModuleInstalledReply{
			ModuleID: req.ModuleID,
			Success:  false,
			Error:    err.Error(),
		})
		return &failed, nil
	}

	reply := mustEnvelope(MsgModuleInstalled, ModuleInstalledReply{ModuleID: req.ModuleID, Success: true})
	broadcast := mustEnvelope(MsgModuleInstall, req)
	return &reply, &broadcast
}

func (s *Server) installModule(ctx context.Context, req ModuleInstallRequest) error {
	hooks, err := s.installer.Resolve(ctx, req.ModuleID, req.Source, req.ModuleConfig)
	if err != nil {
		return err
	}

	descriptor := hotmod.Descriptor{
		Name:         stringFromConfig(req.ModuleConfig, "name", req.ModuleID),
		Version:      stringFromConfig(req.ModuleConfig, "version", ""),
		Dependencies: dependenciesFromConfig(req.ModuleConfig),
		Hooks:        hooks,
		Config:       req.ModuleConfig,
	}
	if err := s.orch.Registry().Register(req.ModuleID, descriptor); err != nil {
		return err
	}
	return s.orch.Load(ctx, req.ModuleID, req.ModuleConfig)
}

func (s *Server) handleModuleUpdate(ctx context.Context, env Envelope) (*Envelope, *Envelope) {
	var req ModuleUpdateRequest
	if err := decode(env, &req); err != nil {
		return errReply(err)
	}

	fragment := hotmod.DescriptorFragment{Config: req.ModuleConfig}
	if version := stringFromConfig(req.ModuleConfig, "version", ""); version != "" {
		fragment.Version = &version
	}
	if err := s.orch.HotSwap(ctx, req.ModuleID, fragment); err != nil {
		return errReply(err)
	}

	broadcast := mustEnvelope(MsgModuleUpdate, req)
	return nil, &broadcast
}

func (s *Server) handleModuleUninstall(ctx context.Context, env Envelope) (*Envelope, *Envelope) {
	var req ModuleUninstallRequest
	if err := decode(env, &req); err != nil {
		return errReply(err)
	}
	if err := s.orch.Uninstall(ctx, req.ModuleID); err != nil {
		return errReply(err)
	}
	broadcast := mustEnvelope(MsgModuleUninstall, req)
	return nil, &broadcast
}

func (s *Server) handleModuleReload(ctx context.Context, env Envelope) (*Envelope, *Envelope) {
	var req ModuleReloadRequest
	if err := decode(env, &req); err != nil {
		return errReply(err)
	}
	if err := s.orch.Reload(ctx, req.ModuleID); err != nil {
		return errReply(err)
	}
	broadcast := mustEnvelope(MsgModuleReload, req)
	return nil, &broadcast
}

func (s *Server) handleSystemCommand(ctx context.Context, p *peer, env Envelope) (*Envelope, *Envelope) {
	var req SystemCommandRequest
	if err := decode(env, &req); err != nil {
		return errReply(err)
	}

	switch req.Command {
	case "list_modules":
		reply := mustEnvelope(MsgModuleList, ModuleListReply{Modules: s.orch.Registry().List()})
		return &reply, nil
	case "get_system_status":
		reply := mustEnvelope(MsgSystemStatus, SystemStatusReply{Status: s.orch.Status()})
		return &reply, nil
	case "restart_system":
		if err := s.orch.RestartSystem(ctx); err != nil {
			return errReply(err)
		}
		reply := Envelope{Type: MsgSystemRestarted}
		return &reply, nil
	case "execute_ai_command":
		ai := AICommandRequest{
			Command:  stringFromConfig(req.Args, "command", ""),
			Priority: req.Args["priority"],
		}
		if nested, ok := req.Args["context"].(map[string]any); ok {
			ai.Context = nested
		}
		return s.handleAICommand(ctx, p, ai)
	default:
		return errReply(fmt.Errorf("%w: unknown system command %q", hotmod.ErrProtocol, req.Command))
	}
}

// handleAICommand translates a high-level command into one or more
// orchestrator calls and broadcasts what was executed.
func (s *Server) handleAICommand(ctx context.Context, p *peer, req AICommandRequest) (*Envelope, *Envelope) {
	priority := coercePriority(req.Priority)
	moduleID := stringFromConfig(req.Context, "moduleId", "")
	s.logger.Info("Executing ai command", "command", req.Command, "module", moduleID, "priority", priority)

	var actions []string
	var err error
	switch req.Command {
	case "load_module":
		err = s.orch.Load(ctx, moduleID, nil)
		actions = append(actions, "load:"+moduleID)
	case "unload_module":
		err = s.orch.Unload(ctx, moduleID)
		actions = append(actions, "unload:"+moduleID)
	case "reload_module":
		err = s.orch.Reload(ctx, moduleID)
		actions = append(actions, "reload:"+moduleID)
	case "update_module":
		fragment := hotmod.DescriptorFragment{}
		if cfg, ok := req.Context["config"].(map[string]any); ok {
			fragment.Config = cfg
		}
		err = s.orch.HotSwap(ctx, moduleID, fragment)
		actions = append(actions, "hot_swap:"+moduleID)
	case "create_snapshot":
		if s.store == nil {
			err = fmt.Errorf("%w: no state store configured", hotmod.ErrPersistence)
			break
		}
		snap, snapErr := s.store.CreateSnapshot(ctx, s.orch.StateSavers(), map[string]string{"trigger": "ai_command"})
		err = snapErr
		if snapErr == nil {
			actions = append(actions, "snapshot:"+snap.ID)
		}
	case "restart_system":
		err = s.orch.RestartSystem(ctx)
		actions = append(actions, "restart_system")
	default:
		return errReply(fmt.Errorf("%w: unknown ai command %q", hotmod.ErrProtocol, req.Command))
	}
	if err != nil {
		return errReply(err)
	}

	broadcast := mustEnvelope(MsgAICommandExecuted, AICommandExecuted{
		Command:    req.Command,
		Actions:    actions,
		ExecutedBy: p.id,
	})
	return nil, &broadcast
}

func errReply(err error) (*Envelope, *Envelope) {
	env := errorEnvelope(err)
	return &env, nil
}

func stringFromConfig(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// dependenciesFromConfig reads a "dependencies" list out of a free-form
// module config. JSON gives []any; string entries are kept as-is.
func dependenciesFromConfig(config map[string]any) []string {
	raw, ok := config["dependencies"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(list))
	for _, entry := range list {
		if dep, ok := entry.(string); ok {
			deps = append(deps, dep)
		}
	}
	return deps
}

// coercePriority accepts any JSON scalar for the priority field and
// coerces it to an int; unparseable values fall back to zero.
func coercePriority(v any) int {
	if v == nil {
		return 0
	}
	converted, err := cast.FromType(fmt.Sprint(v), reflect.TypeOf(0))
	if err != nil {
		return 0
	}
	priority, _ := converted.(int)
	return priority
}
