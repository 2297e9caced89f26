package gateway

import (
	"context"
	"time"

	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

func (g *Gateway) registerTerminalHandlers() {
	g.dispatcher.RegisterFunc(api.ActionListTerminals, g.handleListTerminals)
	g.dispatcher.RegisterFunc(api.ActionCreateTerminal, g.handleCreateTerminal)
	g.dispatcher.RegisterFunc(api.ActionKillTerminal, g.handleKillTerminal)
	g.dispatcher.RegisterFunc(api.ActionSendTerminalInput, g.handleSendTerminalInput)
	g.dispatcher.RegisterFunc(api.ActionSendTerminalStreamInput, g.handleSendTerminalStreamInput)
	g.dispatcher.RegisterFunc(api.ActionSendTerminalStreamKey, g.handleSendTerminalStreamKey)
}

func (g *Gateway) registerRuntimeHandlers() {
	g.dispatcher.RegisterFunc(api.ActionPing, g.handlePing)
}

func (g *Gateway) handlePing(ctx context.Context, msg *api.Message) (*api.Message, error) {
	return api.NewResponse(msg.ID, msg.Action, api.PingResponse{
		ServerID: g.info.ServerID,
		Time:     time.Now().UTC(),
	})
}

func (g *Gateway) handleListTerminals(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.CwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}
	if req.Cwd == "" {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "cwd is required", nil)
	}

	return api.NewResponse(msg.ID, msg.Action, api.ListTerminalsResponse{
		Cwd:       req.Cwd,
		Terminals: g.mux.List(req.Cwd),
	})
}

func (g *Gateway) handleCreateTerminal(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.CwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}
	if req.Cwd == "" {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "cwd is required", nil)
	}

	info, err := g.mux.Create(req.Cwd)
	if err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, api.CreateTerminalResponse{Terminal: info})
}

func (g *Gateway) handleKillTerminal(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.TerminalIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.mux.Kill(req.TerminalID); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":     true,
		"terminal_id": req.TerminalID,
	})
}

// send_terminal_input carries structured terminal control; only resize is
// defined today.
func (g *Gateway) handleSendTerminalInput(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.TerminalInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	switch req.Type {
	case "resize":
		if req.Rows <= 0 || req.Cols <= 0 {
			return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "rows and cols must be positive", nil)
		}
		if err := g.mux.Resize(req.TerminalID, req.Rows, req.Cols); err != nil {
			return nil, err
		}
	default:
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "unknown input type: "+req.Type, nil)
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":     true,
		"terminal_id": req.TerminalID,
	})
}

func (g *Gateway) handleSendTerminalStreamInput(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.TerminalStreamInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.mux.WriteStream(req.StreamID, req.Data); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"stream_id": req.StreamID,
	})
}

func (g *Gateway) handleSendTerminalStreamKey(ctx context.Context, msg *api.Message) (*api.Message, error) {
	var req api.TerminalStreamKeyRequest
	if err := msg.ParsePayload(&req); err != nil {
		return api.NewError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error(), nil)
	}

	if err := g.mux.WriteStreamKey(req.StreamID, req.Key); err != nil {
		return nil, err
	}

	return api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"stream_id": req.StreamID,
	})
}
