package acpsdk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	acpcontract "github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

const defaultKillGrace = 5 * time.Second

// Adapter spawns an ACP agent child process and implements the adapter
// contract over its stdin/stdout.
type Adapter struct {
	provider  acpcontract.Provider
	caps      acpcontract.Capabilities
	cwd       string
	killGrace time.Duration
	logger    *logger.Logger

	client *sdkClient

	mu        sync.RWMutex
	cmd       *exec.Cmd
	conn      *acp.ClientSideConnection
	closed    bool
	updatesCh chan acpcontract.SessionUpdate
	doneCh    chan struct{}
}

// New creates an adapter for the given provider bound to cwd. The child is
// spawned lazily in Initialize. A non-positive killGrace falls back to the
// default.
func New(provider acpcontract.Provider, cwd string, killGrace time.Duration, log *logger.Logger) (*Adapter, error) {
	caps, err := acpcontract.CapabilitiesFor(provider)
	if err != nil {
		return nil, err
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	l := log.WithFields(zap.String("adapter", "acp"), zap.String("provider", string(provider)))
	return &Adapter{
		provider:  provider,
		caps:      caps,
		cwd:       cwd,
		killGrace: killGrace,
		logger:    l,
		client:    newSDKClient(cwd, l),
		updatesCh: make(chan acpcontract.SessionUpdate, 100),
		doneCh:    make(chan struct{}),
	}, nil
}

// Factory returns an adapter factory with the given kill grace period.
func Factory(log *logger.Logger, killGrace time.Duration) acpcontract.Factory {
	return func(provider acpcontract.Provider, cwd string) (acpcontract.Adapter, error) {
		return New(provider, cwd, killGrace, log)
	}
}

// Initialize spawns the child process and performs the ACP handshake.
func (a *Adapter) Initialize(ctx context.Context, caps acpcontract.ClientCapabilities) error {
	a.mu.Lock()
	if a.cmd != nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter already initialized")
	}

	cmd := exec.Command(a.caps.Command, a.caps.Args...)
	cmd.Dir = a.cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to spawn %s: %w", a.caps.Command, err)
	}
	a.cmd = cmd

	a.client.setUpdateHandler(a.handleNotification)
	a.conn = acp.NewClientSideConnection(a.client, stdin, stdout)
	conn := a.conn
	a.mu.Unlock()

	go a.waitForExit()

	a.logger.Info("spawned agent process",
		zap.String("command", a.caps.Command),
		zap.Int("pid", cmd.Process.Pid))

	_, err = conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  caps.ReadTextFile,
				WriteTextFile: caps.WriteTextFile,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	a.logger.Info("ACP handshake complete")
	return nil
}

// NewSession opens a fresh session bound to cwd.
func (a *Adapter) NewSession(ctx context.Context, cwd string) (*acpcontract.SessionInfo, error) {
	conn := a.connection()
	if conn == nil {
		return nil, fmt.Errorf("adapter not initialized")
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	info := &acpcontract.SessionInfo{SessionID: string(resp.SessionId)}
	applyModeState(info, resp.Modes)
	a.logger.Info("created session", zap.String("session_id", info.SessionID))
	return info, nil
}

// LoadSession resumes a persisted session.
func (a *Adapter) LoadSession(ctx context.Context, sessionID, cwd string) (*acpcontract.SessionInfo, error) {
	conn := a.connection()
	if conn == nil {
		return nil, fmt.Errorf("adapter not initialized")
	}
	if !a.caps.SupportsSessionPersistence {
		return nil, fmt.Errorf("provider %s does not support session persistence", a.provider)
	}

	resp, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
		SessionId:  acp.SessionId(sessionID),
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	info := &acpcontract.SessionInfo{SessionID: sessionID}
	applyModeState(info, resp.Modes)
	a.logger.Info("loaded session", zap.String("session_id", sessionID))
	return info, nil
}

func applyModeState(info *acpcontract.SessionInfo, modes *acp.SessionModeState) {
	if modes == nil {
		return
	}
	info.CurrentModeID = string(modes.CurrentModeId)
	for _, m := range modes.AvailableModes {
		info.AvailableModes = append(info.AvailableModes, acpcontract.Mode{
			ID:   string(m.Id),
			Name: m.Name,
		})
	}
}

// Prompt runs one turn and returns the agent's stop reason.
func (a *Adapter) Prompt(ctx context.Context, sessionID string, prompt []acpcontract.ContentBlock) (acpcontract.StopReason, error) {
	conn := a.connection()
	if conn == nil {
		return "", fmt.Errorf("adapter not initialized")
	}

	blocks := make([]acp.ContentBlock, 0, len(prompt))
	for _, b := range prompt {
		blocks = append(blocks, acp.TextBlock(b.Text))
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    blocks,
	})
	if err != nil {
		return "", err
	}

	switch string(resp.StopReason) {
	case "end_turn":
		return acpcontract.StopReasonEndTurn, nil
	case "refusal":
		return acpcontract.StopReasonRefusal, nil
	case "cancelled":
		return acpcontract.StopReasonCancelled, nil
	default:
		return acpcontract.StopReasonOther, nil
	}
}

// Cancel requests cancellation of the in-flight turn.
func (a *Adapter) Cancel(ctx context.Context, sessionID string) error {
	conn := a.connection()
	if conn == nil {
		return fmt.Errorf("adapter not initialized")
	}
	return conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(sessionID),
	})
}

// SetSessionMode switches the session mode.
func (a *Adapter) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	conn := a.connection()
	if conn == nil {
		return fmt.Errorf("adapter not initialized")
	}
	_, err := conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: acp.SessionId(sessionID),
		ModeId:    acp.SessionModeId(modeID),
	})
	return err
}

// Updates delivers normalized session notifications.
func (a *Adapter) Updates() <-chan acpcontract.SessionUpdate {
	return a.updatesCh
}

// SetPermissionHandler installs the handler for permission requests.
func (a *Adapter) SetPermissionHandler(handler acpcontract.PermissionHandler) {
	a.client.setPermissionHandler(handler)
}

// Done is closed when the child process exits.
func (a *Adapter) Done() <-chan struct{} {
	return a.doneCh
}

// Close terminates the child process, escalating to SIGKILL after the grace
// period, and releases resources.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cmd := a.cmd
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-a.doneCh:
		case <-time.After(a.killGrace):
			a.logger.Warn("agent process did not exit, force killing",
				zap.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			<-a.doneCh
		}
	}

	// The write lock excludes in-flight handleNotification sends, which hold
	// the read lock; closed is already set, so no new send can start.
	a.mu.Lock()
	close(a.updatesCh)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) connection() *acp.ClientSideConnection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

func (a *Adapter) waitForExit() {
	a.mu.RLock()
	cmd := a.cmd
	a.mu.RUnlock()

	err := cmd.Wait()
	if err != nil {
		a.logger.Info("agent process exited", zap.Error(err))
	} else {
		a.logger.Info("agent process exited cleanly")
	}
	close(a.doneCh)
}

// handleNotification converts an SDK SessionNotification into a normalized
// SessionUpdate and pushes it onto the updates channel.
func (a *Adapter) handleNotification(n acp.SessionNotification) {
	update := convertNotification(n)
	if update == nil {
		return
	}

	// The send stays under the read lock so Close cannot close the channel
	// mid-send; the send itself never blocks.
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.updatesCh <- *update:
	default:
		a.logger.Warn("updates channel full, dropping notification",
			zap.String("type", update.Type))
	}
}

func convertNotification(n acp.SessionNotification) *acpcontract.SessionUpdate {
	u := n.Update
	sessionID := string(n.SessionId)

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return nil
		}
		return &acpcontract.SessionUpdate{
			Type:      acpcontract.UpdateTypeMessageChunk,
			SessionID: sessionID,
			Text:      u.AgentMessageChunk.Content.Text.Text,
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return nil
		}
		return &acpcontract.SessionUpdate{
			Type:      acpcontract.UpdateTypeThoughtChunk,
			SessionID: sessionID,
			Text:      u.AgentThoughtChunk.Content.Text.Text,
		}

	case u.ToolCall != nil:
		args := map[string]interface{}{}
		if u.ToolCall.Kind != "" {
			args["kind"] = string(u.ToolCall.Kind)
		}
		if len(u.ToolCall.Locations) > 0 {
			args["path"] = u.ToolCall.Locations[0].Path
		}
		if u.ToolCall.RawInput != nil {
			args["raw_input"] = u.ToolCall.RawInput
		}
		status := string(u.ToolCall.Status)
		if status == "" {
			status = "running"
		}
		return &acpcontract.SessionUpdate{
			Type:       acpcontract.UpdateTypeToolCall,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolName:   string(u.ToolCall.Kind),
			ToolTitle:  u.ToolCall.Title,
			ToolStatus: status,
			ToolArgs:   args,
		}

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		return &acpcontract.SessionUpdate{
			Type:       acpcontract.UpdateTypeToolUpdate,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			ToolStatus: status,
		}

	case u.Plan != nil:
		entries := make([]acpcontract.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = acpcontract.PlanEntry{
				Description: e.Content,
				Status:      string(e.Status),
				Priority:    string(e.Priority),
			}
		}
		return &acpcontract.SessionUpdate{
			Type:        acpcontract.UpdateTypePlan,
			SessionID:   sessionID,
			PlanEntries: entries,
		}

	case u.CurrentModeUpdate != nil:
		return &acpcontract.SessionUpdate{
			Type:      acpcontract.UpdateTypeModeChange,
			SessionID: sessionID,
			ModeID:    string(u.CurrentModeUpdate.CurrentModeId),
		}
	}

	return nil
}
