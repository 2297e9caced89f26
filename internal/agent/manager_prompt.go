package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/tracing"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

const (
	// promptSettleDelay gives a cancelled turn time to unwind before the
	// replacement prompt is dispatched.
	promptSettleDelay = 100 * time.Millisecond

	cancelTimeout = 5 * time.Second
)

// SendPromptOptions are the optional inputs for SendPrompt.
type SendPromptOptions struct {
	SessionMode string
	MessageID   string
}

// SendPrompt starts a prompt turn. A turn already in flight is cancelled
// first and its outstanding permissions resolve as cancelled; the new prompt
// is recorded as a user message chunk before the processing transition. The
// turn itself runs in the background; completion is observable via
// WaitForFinish or subscriptions.
func (m *Manager) SendPrompt(ctx context.Context, agentID string, prompt api.Prompt, opts SendPromptOptions) error {
	blocks := promptBlocks(prompt)
	if len(blocks) == 0 {
		return ErrEmptyPrompt
	}

	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	if err := m.ensureInitialized(ctx, a); err != nil {
		return err
	}

	a.mu.Lock()
	if err := terminalErrLocked(a); err != nil {
		a.mu.Unlock()
		return err
	}
	rt := a.state.runtime

	// Auto-cancel an in-flight turn, then let it settle.
	if a.state.tag == stateProcessing {
		done := a.turnDone
		a.mu.Unlock()

		cctx, ccancel := context.WithTimeout(ctx, cancelTimeout)
		if err := rt.Adapter.Cancel(cctx, rt.SessionID); err != nil {
			m.logger.Warn("failed to cancel in-flight turn",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		ccancel()

		if done != nil {
			select {
			case <-done:
			case <-time.After(promptSettleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		a.mu.Lock()
		if err := terminalErrLocked(a); err != nil {
			a.mu.Unlock()
			return err
		}
		rt = a.state.runtime
		if rt == nil {
			a.mu.Unlock()
			return ErrAgentFailed
		}
	}

	requestedMode := opts.SessionMode
	if requestedMode != "" && requestedMode != rt.CurrentModeID {
		if !acp.KnownMode(rt.AvailableModes, requestedMode) {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownMode, requestedMode)
		}
	} else {
		requestedMode = ""
	}

	// Cancel-caused permission resolutions precede the new user message.
	m.cancelPendingPermissionsLocked(a)

	m.appendAndEmitLocked(a, api.TimelineUpdate{
		Type:      api.UpdateUserMessageChunk,
		MessageID: opts.MessageID,
		Text:      promptText(prompt),
	})

	a.turnSeq++
	seq := a.turnSeq
	a.turnDone = make(chan struct{})
	tctx, tcancel := context.WithTimeout(context.Background(), m.cfg.TurnTimeout)
	a.turnCancel = tcancel
	m.transitionLocked(a, agentState{tag: stateProcessing, runtime: rt, startedAt: time.Now()}, "")
	rec := a.record
	a.mu.Unlock()

	m.persist(rec)
	go m.runTurn(tctx, tcancel, a, rt, seq, requestedMode, blocks)
	return nil
}

func terminalErrLocked(a *managedAgent) error {
	switch a.state.tag {
	case stateKilled:
		return ErrAgentKilled
	case stateFailed:
		if a.state.lastError != nil {
			return fmt.Errorf("%w: %v", ErrAgentFailed, a.state.lastError)
		}
		return ErrAgentFailed
	}
	return nil
}

// runTurn executes one prompt turn and applies the resulting transition
// unless a newer prompt or a kill superseded it.
func (m *Manager) runTurn(ctx context.Context, cancel context.CancelFunc, a *managedAgent, rt *Runtime, seq uint64, modeID string, blocks []acp.ContentBlock) {
	defer cancel()

	ctx, span := tracing.Tracer("agent").Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("agent.id", a.id),
			attribute.String("acp.session_id", rt.SessionID),
		))
	defer span.End()

	if modeID != "" {
		if err := rt.Adapter.SetSessionMode(ctx, rt.SessionID, modeID); err != nil {
			m.logger.Warn("failed to switch session mode for turn",
				zap.String("agent_id", a.id),
				zap.String("mode_id", modeID),
				zap.Error(err))
		} else {
			a.mu.Lock()
			rt.CurrentModeID = modeID
			a.mu.Unlock()
		}
	}

	stop, err := rt.Adapter.Prompt(ctx, rt.SessionID, blocks)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("acp.stop_reason", string(stop)))
	}

	a.mu.Lock()
	if a.turnSeq != seq || a.state.tag != stateProcessing {
		a.mu.Unlock()
		return
	}

	// Any permission still pending when the turn ends is dead.
	m.cancelPendingPermissionsLocked(a)

	switch {
	case err != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("turn timed out after %s: %w", m.cfg.TurnTimeout, err)
		}
		m.transitionLocked(a, agentState{tag: stateFailed, runtime: rt, lastError: err}, "")
	case stop == acp.StopReasonCancelled:
		m.transitionLocked(a, agentState{tag: stateReady, runtime: rt}, stop)
	default:
		m.transitionLocked(a, agentState{tag: stateCompleted, runtime: rt}, stop)
	}
	m.closeTurnLocked(a)
	rec := a.record
	a.mu.Unlock()

	m.persist(rec)
	m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))
}

// CancelTurn requests cancellation of the in-flight turn. A no-op when the
// agent is not processing; the transition to ready happens when the adapter
// reports the cancelled stop reason.
func (m *Manager) CancelTurn(ctx context.Context, agentID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	rt := a.state.runtime
	processing := a.state.tag == stateProcessing
	a.mu.Unlock()

	if !processing || rt == nil {
		return nil
	}
	return rt.Adapter.Cancel(ctx, rt.SessionID)
}

// SetSessionMode switches the agent's session mode. Unknown modes are
// rejected; adapter errors propagate without a state change.
func (m *Manager) SetSessionMode(ctx context.Context, agentID, modeID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}
	if err := m.ensureInitialized(ctx, a); err != nil {
		return err
	}

	a.mu.Lock()
	rt := a.state.runtime
	if rt == nil {
		a.mu.Unlock()
		return ErrAgentFailed
	}
	if !acp.KnownMode(rt.AvailableModes, modeID) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMode, modeID)
	}
	sessionID := rt.SessionID
	a.mu.Unlock()

	if err := rt.Adapter.SetSessionMode(ctx, sessionID, modeID); err != nil {
		return fmt.Errorf("failed to set session mode: %w", err)
	}

	a.mu.Lock()
	rt.CurrentModeID = modeID
	a.mu.Unlock()

	m.publishDirectory(DirectoryEventUpserted, m.infoLocked(a))
	return nil
}

// RespondToPermission resolves a pending permission with the chosen option.
// Duplicate and late responses are no-ops.
func (m *Manager) RespondToPermission(ctx context.Context, agentID, requestID, optionID string) error {
	a, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, requestID)
	}
	delete(a.pending, requestID)
	if p.resolve(acp.PermissionResponse{OptionID: optionID}) {
		m.emitPermissionResolvedLocked(a, requestID, api.PermissionOutcomeSelected, optionID)
	}
	return nil
}

// WaitForPermissionRequest blocks until the agent asks for a permission or
// the current turn ends without asking (nil result). An already-pending
// request returns immediately.
func (m *Manager) WaitForPermissionRequest(ctx context.Context, agentID string) (*api.PermissionRequest, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	for _, p := range a.pending {
		req := p.request
		a.mu.Unlock()
		return req, nil
	}
	if a.state.tag != stateProcessing {
		a.mu.Unlock()
		return nil, nil
	}

	waiterID := uuid.New().String()
	ch := make(chan *api.PermissionRequest, 1)
	a.permWaiters[waiterID] = ch
	a.mu.Unlock()

	select {
	case req := <-ch:
		// A closed channel means the turn ended without asking.
		return req, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.permWaiters, waiterID)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

// WaitForFinish blocks until the agent is neither initializing nor
// processing, then reports the resulting status and stop reason.
func (m *Manager) WaitForFinish(ctx context.Context, agentID string) (api.WaitForFinishResponse, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return api.WaitForFinishResponse{}, err
	}

	for {
		a.mu.Lock()
		tag := a.state.tag
		if tag != stateProcessing && tag != stateInitializing {
			resp := api.WaitForFinishResponse{
				Status:     a.state.status(),
				StopReason: string(a.state.stopReason),
			}
			a.mu.Unlock()
			return resp, nil
		}
		turnDone := a.turnDone
		var initDone chan struct{}
		if a.state.init != nil {
			initDone = a.state.init.done
		}
		a.mu.Unlock()

		if turnDone == nil && initDone == nil {
			// Transition in progress; re-check shortly.
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return api.WaitForFinishResponse{}, ctx.Err()
			}
			continue
		}
		select {
		case <-turnDone:
		case <-initDone:
		case <-ctx.Done():
			return api.WaitForFinishResponse{}, ctx.Err()
		}
	}
}

// InitializeAndGetTimeline drives initialization and returns an atomic pair
// of agent info and timeline. An initialization failure is reflected in the
// returned status rather than an error.
func (m *Manager) InitializeAndGetTimeline(ctx context.Context, agentID string) (api.AgentTimelineResponse, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return api.AgentTimelineResponse{}, err
	}

	if err := m.ensureInitialized(ctx, a); err != nil {
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			return api.AgentTimelineResponse{}, err
		}
		m.logger.Debug("returning timeline for uninitializable agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return api.AgentTimelineResponse{
		Agent:   m.buildInfo(a),
		Updates: a.timeline.snapshot(),
	}, nil
}

// GetTimeline returns the agent's info and timeline without initializing it.
func (m *Manager) GetTimeline(agentID string) (api.AgentTimelineResponse, error) {
	a, err := m.lookup(agentID)
	if err != nil {
		return api.AgentTimelineResponse{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return api.AgentTimelineResponse{
		Agent:   m.buildInfo(a),
		Updates: a.timeline.snapshot(),
	}, nil
}

// promptBlocks normalizes a prompt into content blocks. Empty prompts yield
// no blocks.
func promptBlocks(prompt api.Prompt) []acp.ContentBlock {
	if len(prompt.Blocks) > 0 {
		blocks := make([]acp.ContentBlock, 0, len(prompt.Blocks))
		for _, b := range prompt.Blocks {
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			blocks = append(blocks, acp.TextBlock(b.Text))
		}
		return blocks
	}
	if strings.TrimSpace(prompt.Text) == "" {
		return nil
	}
	return []acp.ContentBlock{acp.TextBlock(prompt.Text)}
}

// promptText flattens a prompt to display text for the user message entry.
func promptText(prompt api.Prompt) string {
	if len(prompt.Blocks) == 0 {
		return prompt.Text
	}
	parts := make([]string, 0, len(prompt.Blocks))
	for _, b := range prompt.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
