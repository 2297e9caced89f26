package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// initTimeout bounds the spawn plus handshake plus session setup sequence.
const initTimeout = 60 * time.Second

// ensureInitialized drives the agent to a post-handshake state. Concurrent
// callers share the single in-flight initialization; the first caller spawns
// it. Returns nil immediately when a runtime already exists.
func (m *Manager) ensureInitialized(ctx context.Context, a *managedAgent) error {
	a.mu.Lock()

	switch a.state.tag {
	case stateKilled:
		a.mu.Unlock()
		return ErrAgentKilled
	case stateFailed:
		err := a.state.lastError
		a.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAgentFailed, err)
		}
		return ErrAgentFailed
	}

	if a.state.runtime != nil {
		a.mu.Unlock()
		return nil
	}

	if fut := a.state.init; fut != nil {
		a.mu.Unlock()
		select {
		case <-fut.done:
			return fut.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fut := newInitFuture()
	m.transitionLocked(a, agentState{tag: stateInitializing, init: fut}, "")
	rec := a.record
	pendingMode := a.pendingSessionMode
	a.mu.Unlock()

	go m.runInit(a, rec, pendingMode, fut)

	select {
	case <-fut.done:
		return fut.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runInit spawns the adapter, performs the handshake, opens (or resumes) the
// session, applies the mode policy, and transitions the agent to ready. Any
// failure lands the agent in failed with the adapter torn down.
func (m *Manager) runInit(a *managedAgent, rec Record, pendingMode string, fut *initFuture) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	provider := acp.Provider(rec.Provider.Provider)
	caps, err := acp.CapabilitiesFor(provider)
	if err != nil {
		m.finishInitFailure(a, fut, nil, err)
		return
	}

	adapter, err := m.factory(provider, rec.Cwd)
	if err != nil {
		m.finishInitFailure(a, fut, nil, fmt.Errorf("failed to spawn agent: %w", err))
		return
	}
	adapter.SetPermissionHandler(m.permissionHandler(a))

	if err := adapter.Initialize(ctx, acp.ClientCapabilities{
		ReadTextFile:  true,
		WriteTextFile: true,
	}); err != nil {
		m.finishInitFailure(a, fut, adapter, fmt.Errorf("handshake failed: %w", err))
		return
	}

	// Resume the persisted session when the provider supports it; fall back
	// to a fresh session when resumption fails.
	var session *acp.SessionInfo
	if caps.SupportsSessionPersistence && rec.PersistedSessionID != "" {
		session, err = adapter.LoadSession(ctx, rec.PersistedSessionID, rec.Cwd)
		if err != nil {
			m.logger.Warn("failed to resume persisted session, starting fresh",
				zap.String("agent_id", a.id),
				zap.String("session_id", rec.PersistedSessionID),
				zap.Error(err))
			session = nil
		}
	}
	if session == nil {
		session, err = adapter.NewSession(ctx, rec.Cwd)
		if err != nil {
			m.finishInitFailure(a, fut, adapter, fmt.Errorf("failed to open session: %w", err))
			return
		}
	}

	modes, modeID := acp.ResolveModes(provider, session.AvailableModes, session.CurrentModeID, pendingMode)
	if modeID != "" && modeID != session.CurrentModeID {
		if err := adapter.SetSessionMode(ctx, session.SessionID, modeID); err != nil {
			m.logger.Warn("failed to apply initial session mode",
				zap.String("agent_id", a.id),
				zap.String("mode_id", modeID),
				zap.Error(err))
			modeID = session.CurrentModeID
		}
	}

	runtime := &Runtime{
		Adapter:        adapter,
		SessionID:      session.SessionID,
		CurrentModeID:  modeID,
		AvailableModes: modes,
	}

	a.mu.Lock()
	if a.state.tag == stateKilled {
		a.mu.Unlock()
		_ = adapter.Close()
		fut.resolve(ErrAgentKilled)
		return
	}
	a.pendingSessionMode = ""
	persistNeeded := false
	if caps.SupportsSessionPersistence && session.SessionID != "" && session.SessionID != a.record.PersistedSessionID {
		a.record.PersistedSessionID = session.SessionID
		persistNeeded = true
	}
	m.transitionLocked(a, agentState{tag: stateReady, runtime: runtime}, "")
	recSnapshot := a.record
	a.mu.Unlock()

	if persistNeeded {
		m.persist(recSnapshot)
	}
	m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))

	go m.pumpUpdates(a, adapter)
	go m.watchDone(a, adapter)

	m.logger.Info("agent initialized",
		zap.String("agent_id", a.id),
		zap.String("session_id", session.SessionID),
		zap.String("mode_id", modeID))
	fut.resolve(nil)
}

func (m *Manager) finishInitFailure(a *managedAgent, fut *initFuture, adapter acp.Adapter, err error) {
	if adapter != nil {
		go func() { _ = adapter.Close() }()
	}

	a.mu.Lock()
	if a.state.tag != stateKilled {
		m.transitionLocked(a, agentState{tag: stateFailed, lastError: err}, "")
	}
	m.cancelPendingPermissionsLocked(a)
	a.mu.Unlock()

	m.logger.Error("agent initialization failed",
		zap.String("agent_id", a.id),
		zap.Error(err))
	fut.resolve(err)
}

// pumpUpdates drains adapter notifications into the timeline until the
// updates channel closes.
func (m *Manager) pumpUpdates(a *managedAgent, adapter acp.Adapter) {
	for u := range adapter.Updates() {
		switch u.Type {
		case acp.UpdateTypeModeChange:
			a.mu.Lock()
			if rt := a.state.runtime; rt != nil && rt.Adapter == adapter {
				rt.CurrentModeID = u.ModeID
			}
			a.mu.Unlock()
			m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))
			continue
		}

		update, ok := convertUpdate(u)
		if !ok {
			continue
		}
		a.mu.Lock()
		m.appendAndEmitLocked(a, update)
		a.mu.Unlock()
	}
}

// convertUpdate maps an adapter notification to a timeline update.
func convertUpdate(u acp.SessionUpdate) (api.TimelineUpdate, bool) {
	switch u.Type {
	case acp.UpdateTypeMessageChunk:
		return api.TimelineUpdate{Type: api.UpdateAgentMessageChunk, Text: u.Text}, true
	case acp.UpdateTypeThoughtChunk:
		return api.TimelineUpdate{Type: api.UpdateAgentThoughtChunk, Text: u.Text}, true
	case acp.UpdateTypeToolCall:
		return api.TimelineUpdate{
			Type:       api.UpdateToolCall,
			ToolCallID: u.ToolCallID,
			ToolName:   u.ToolName,
			ToolTitle:  u.ToolTitle,
			ToolStatus: u.ToolStatus,
			ToolArgs:   u.ToolArgs,
		}, true
	case acp.UpdateTypeToolUpdate:
		return api.TimelineUpdate{
			Type:       api.UpdateToolCallUpdate,
			ToolCallID: u.ToolCallID,
			ToolStatus: u.ToolStatus,
			ToolArgs:   u.ToolArgs,
		}, true
	case acp.UpdateTypePlan:
		entries := make([]api.PlanEntry, len(u.PlanEntries))
		for i, e := range u.PlanEntries {
			entries[i] = api.PlanEntry{Description: e.Description, Status: e.Status, Priority: e.Priority}
		}
		return api.TimelineUpdate{Type: api.UpdatePlan, Plan: entries}, true
	}
	return api.TimelineUpdate{}, false
}

// watchDone handles unexpected child exit: any live state becomes failed.
// A kill in progress owns the teardown instead.
func (m *Manager) watchDone(a *managedAgent, adapter acp.Adapter) {
	<-adapter.Done()

	a.mu.Lock()
	rt := a.state.runtime
	if a.state.tag == stateKilled || rt == nil || rt.Adapter != adapter {
		a.mu.Unlock()
		return
	}
	a.turnSeq++
	m.cancelPendingPermissionsLocked(a)
	m.transitionLocked(a, agentState{
		tag:       stateFailed,
		runtime:   rt,
		lastError: fmt.Errorf("agent process exited unexpectedly"),
	}, "")
	m.closeTurnLocked(a)
	rec := a.record
	a.mu.Unlock()

	m.persist(rec)
	m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))
	m.logger.Warn("agent process exited unexpectedly", zap.String("agent_id", a.id))
}

// permissionHandler bridges adapter permission requests into pending
// permissions that clients resolve via RespondToPermission. When the turn is
// cancelled before a decision arrives, the request resolves as cancelled.
func (m *Manager) permissionHandler(a *managedAgent) acp.PermissionHandler {
	return func(ctx context.Context, req *acp.PermissionRequest) (*acp.PermissionResponse, error) {
		apiReq := &api.PermissionRequest{
			AgentID:    a.id,
			RequestID:  uuid.New().String(),
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCallID,
			Title:      req.Title,
			Options:    make([]api.PermissionOption, len(req.Options)),
		}
		for i, o := range req.Options {
			apiReq.Options[i] = api.PermissionOption{OptionID: o.OptionID, Name: o.Name, Kind: o.Kind}
		}

		p := newPendingPermission(apiReq)

		a.mu.Lock()
		a.pending[apiReq.RequestID] = p
		m.appendAndEmitLocked(a, api.TimelineUpdate{
			Type:       api.UpdatePermissionRequest,
			Permission: apiReq,
		})
		for id, ch := range a.permWaiters {
			ch <- apiReq
			delete(a.permWaiters, id)
		}
		a.mu.Unlock()

		resp, ok := p.wait(ctx.Done())
		if !ok {
			// Adapter-side cancellation raced the human decision.
			a.mu.Lock()
			if _, pending := a.pending[apiReq.RequestID]; pending {
				delete(a.pending, apiReq.RequestID)
				if p.resolve(acp.PermissionResponse{Cancelled: true}) {
					m.emitPermissionResolvedLocked(a, apiReq.RequestID, api.PermissionOutcomeCancelled, "")
				}
			}
			a.mu.Unlock()
			return &acp.PermissionResponse{Cancelled: true}, nil
		}
		return &resp, nil
	}
}

// emitPermissionResolvedLocked records the single resolution of a pending
// permission. Requires a.mu held.
func (m *Manager) emitPermissionResolvedLocked(a *managedAgent, requestID, outcome, optionID string) {
	m.appendAndEmitLocked(a, api.TimelineUpdate{
		Type: api.UpdatePermissionResolved,
		Resolution: &api.PermissionResolved{
			AgentID:   a.id,
			RequestID: requestID,
			Outcome:   outcome,
			OptionID:  optionID,
		},
	})
}

// cancelPendingPermissionsLocked resolves every outstanding permission as
// cancelled. Resolutions are recorded before any subsequent transition so
// subscribers observe them in order. Requires a.mu held.
func (m *Manager) cancelPendingPermissionsLocked(a *managedAgent) {
	for id, p := range a.pending {
		delete(a.pending, id)
		if p.resolve(acp.PermissionResponse{Cancelled: true}) {
			m.emitPermissionResolvedLocked(a, id, api.PermissionOutcomeCancelled, "")
		}
	}
}

func (m *Manager) persist(rec Record) {
	if err := m.store.Upsert(rec); err != nil {
		m.logger.Warn("failed to persist agent record",
			zap.String("agent_id", rec.ID),
			zap.Error(err))
	}
}
