package gateway

import (
	"context"

	"github.com/kodymullinsx/paseo-sub005/internal/agent"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func (g *Gateway) registerAgentHandlers() {
	g.dispatcher.RegisterFunc(api.ActionCreateAgent, g.handleCreateAgent)
	g.dispatcher.RegisterFunc(api.ActionSendPrompt, g.handleSendPrompt)
	g.dispatcher.RegisterFunc(api.ActionCancelAgent, g.handleCancelAgent)
	g.dispatcher.RegisterFunc(api.ActionKillAgent, g.handleKillAgent)
	g.dispatcher.RegisterFunc(api.ActionDeleteAgent, g.handleDeleteAgent)
	g.dispatcher.RegisterFunc(api.ActionSetSessionMode, g.handleSetSessionMode)
	g.dispatcher.RegisterFunc(api.ActionRespondToPermission, g.handleRespondToPermission)
	g.dispatcher.RegisterFunc(api.ActionListAgents, g.handleListAgents)
	g.dispatcher.RegisterFunc(api.ActionFetchAgents, g.handleFetchAgents)
	g.dispatcher.RegisterFunc(api.ActionFetchAgentTimeline, g.handleFetchAgentTimeline)
	g.dispatcher.RegisterFunc(api.ActionWaitForFinish, g.handleWaitForFinish)
}

func (g *Gateway) handleCreateAgent(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.CreateAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	agentID, err := g.manager.CreateAgent(ctx, agent.CreateAgentParams{
		Provider:      req.Provider,
		Cwd:           req.Cwd,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
		InitialMode:   req.InitialMode,
		Labels:        req.Labels,
	})
	if err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, api.CreateAgentResponse{AgentID: agentID})
}

func (g *Gateway) handleSendPrompt(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.SendPromptRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	err := g.manager.SendPrompt(ctx, req.AgentID, req.Prompt, agent.SendPromptOptions{
		SessionMode: req.SessionMode,
		MessageID:   req.MessageID,
	})
	if err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (g *Gateway) handleCancelAgent(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.manager.CancelTurn(ctx, req.AgentID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (g *Gateway) handleKillAgent(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.manager.KillAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (g *Gateway) handleDeleteAgent(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.manager.DeleteAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (g *Gateway) handleSetSessionMode(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.SetSessionModeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.manager.SetSessionMode(ctx, req.AgentID, req.ModeID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
		"mode_id":  req.ModeID,
	})
}

func (g *Gateway) handleRespondToPermission(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.RespondToPermissionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.manager.RespondToPermission(ctx, req.AgentID, req.RequestID, req.OptionID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"agent_id":   req.AgentID,
		"request_id": req.RequestID,
	})
}

func (g *Gateway) handleListAgents(ctx context.Context, msg *api.Message) (*api.Message, error) {
	return api.NewResponse(msg.ID, msg.Action, api.ListAgentsResponse{
		Agents: g.manager.ListAgents(),
	})
}

// fetch_agents is the directory snapshot half of the fetch-then-deltas
// protocol; list_agents stays for one-shot queries.
func (g *Gateway) handleFetchAgents(ctx context.Context, msg *api.Message) (*api.Message, error) {
	return api.NewResponse(msg.ID, msg.Action, api.AgentDirectoryEvent{
		Agents: g.manager.ListAgents(),
	})
}

// fetch_agent_timeline triggers initialization on demand: an uninitialized
// agent is spun up so the timeline reflects a live session.
func (g *Gateway) handleFetchAgentTimeline(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	timeline, err := g.manager.InitializeAndGetTimeline(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, timeline)
}

func (g *Gateway) handleWaitForFinish(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	result, err := g.manager.WaitForFinish(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, result)
}
