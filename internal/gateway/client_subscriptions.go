package gateway

import (
	"context"

	"github.com/kodymullinsx/paseo-sub005/internal/terminal"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// handleSubscribeAgent binds an agent update stream to this connection. The
// manager captures the snapshot and registers the subscriber atomically, so
// the client observes snapshot followed by live updates with no gap and no
// update delivered twice.
func (c *Client) handleSubscribeAgent(ctx context.Context, msg *api.Message) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}
	if req.AgentID == "" {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "agent_id is required")
		return
	}

	key := req.SubscriptionID
	if key == "" {
		key = req.AgentID
	}

	sub := newSubscription(key, api.EventAgentUpdate, c)
	if !c.addAgentSub(key, sub) {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeConflict, "subscription already exists: "+key)
		return
	}

	snapshot, unsub, err := c.gateway.manager.SubscribeWithSnapshot(req.AgentID, func(update api.TimelineUpdate) {
		event, err := api.NewEvent(api.EventAgentUpdate, update)
		if err != nil {
			return
		}
		sub.push(event)
	})
	if err != nil {
		c.removeAgentSub(key)
		sub.drop()
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error())
		return
	}
	sub.cancel = unsub

	snapEvent, err := api.NewEvent(api.EventAgentSnapshot, snapshot)
	if err != nil {
		c.removeAgentSub(key)
		unsub()
		sub.drop()
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInternal, err.Error())
		return
	}
	sub.prepend(snapEvent)
	sub.start()

	resp, _ := api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":         true,
		"agent_id":        req.AgentID,
		"subscription_id": key,
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribeAgent(msg *api.Message) {
	var req api.AgentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}

	key := req.SubscriptionID
	if key == "" {
		key = req.AgentID
	}

	if sub := c.removeAgentSub(key); sub != nil {
		if sub.cancel != nil {
			sub.cancel()
		}
		sub.drop()
	}

	resp, _ := api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":         true,
		"subscription_id": key,
	})
	c.sendMessage(resp)
}

// handleAttachTerminalStream attaches a byte stream: the response carries
// the scrollback snapshot, then terminal_stream_data events follow.
func (c *Client) handleAttachTerminalStream(msg *api.Message) {
	var req api.TerminalIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}
	if req.TerminalID == "" {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "terminal_id is required")
		return
	}

	streamID, snapshot, events, err := c.gateway.mux.Attach(req.TerminalID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error())
		return
	}

	sub := newSubscription(streamID, api.EventTerminalStreamData, c)
	sub.cancel = func() { c.gateway.mux.Detach(streamID) }
	c.addStream(streamID, sub)

	// Respond before any data events so the client learns the streamId and
	// snapshot first; the subscription pump has not started yet.
	resp, err := api.NewResponse(msg.ID, msg.Action, api.AttachTerminalStreamResponse{
		StreamID: streamID,
		Snapshot: snapshot,
	})
	if err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInternal, err.Error())
		return
	}
	c.sendMessage(resp)

	go c.pumpTerminalStream(streamID, req.TerminalID, events, sub)
	sub.start()
}

// pumpTerminalStream forwards multiplexer stream events into the
// subscription queue until the channel closes.
func (c *Client) pumpTerminalStream(streamID, terminalID string, events <-chan terminal.StreamEvent, sub *subscription) {
	for ev := range events {
		if ev.Exit {
			exitEvent, err := api.NewEvent(api.EventTerminalStreamExit, api.TerminalStreamExitEvent{
				StreamID:   streamID,
				TerminalID: terminalID,
			})
			if err == nil {
				sub.push(exitEvent)
			}
			continue
		}
		dataEvent, err := api.NewEvent(api.EventTerminalStreamData, api.TerminalStreamDataEvent{
			StreamID: streamID,
			Data:     ev.Data,
		})
		if err == nil {
			sub.push(dataEvent)
		}
	}

	c.removeStream(streamID)
}

func (c *Client) handleDetachTerminalStream(msg *api.Message) {
	var req api.TerminalStreamInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}

	c.gateway.mux.Detach(req.StreamID)
	if sub := c.removeStream(req.StreamID); sub != nil {
		sub.drop()
	}

	resp, _ := api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"stream_id": req.StreamID,
	})
	c.sendMessage(resp)
}

// handleSubscribeTerminals binds terminal list-change events for a cwd.
func (c *Client) handleSubscribeTerminals(msg *api.Message) {
	var req api.CwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}
	if req.Cwd == "" {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "cwd is required")
		return
	}

	sub := newSubscription(req.Cwd, api.EventTerminalListChanged, c)
	if !c.addTerminalSub(req.Cwd, sub) {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeConflict, "already subscribed to cwd: "+req.Cwd)
		return
	}

	cwd := req.Cwd
	sub.cancel = c.gateway.mux.SubscribeList(cwd, func(infos []api.TerminalInfo) {
		event, err := api.NewEvent(api.EventTerminalListChanged, api.ListTerminalsResponse{
			Cwd:       cwd,
			Terminals: infos,
		})
		if err != nil {
			return
		}
		sub.push(event)
	})
	sub.start()

	resp, _ := api.NewResponse(msg.ID, msg.Action, api.ListTerminalsResponse{
		Cwd:       cwd,
		Terminals: c.gateway.mux.List(cwd),
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribeTerminals(msg *api.Message) {
	var req api.CwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, api.ErrorCodeInvalidArgument, "invalid payload: "+err.Error())
		return
	}

	if sub := c.removeTerminalSub(req.Cwd); sub != nil {
		if sub.cancel != nil {
			sub.cancel()
		}
		sub.drop()
	}

	resp, _ := api.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"cwd":     req.Cwd,
	})
	c.sendMessage(resp)
}
