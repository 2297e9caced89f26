// Package acpsdk implements the adapter contract over a child process
// speaking ACP (JSON-RPC 2.0 over stdin/stdout), using the coder acp-go-sdk
// for framing.
package acpsdk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	acpcontract "github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
)

// updateHandler receives raw session notifications from the SDK connection.
type updateHandler func(notification acp.SessionNotification)

// sdkClient implements the SDK's acp.Client interface: it answers the
// callbacks the agent makes into us (permissions, file access, session
// updates).
type sdkClient struct {
	logger  *logger.Logger
	workDir string

	mu                sync.RWMutex
	updateHandler     updateHandler
	permissionHandler acpcontract.PermissionHandler
}

func newSDKClient(workDir string, log *logger.Logger) *sdkClient {
	return &sdkClient{
		logger:  log,
		workDir: workDir,
	}
}

func (c *sdkClient) setUpdateHandler(h updateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

func (c *sdkClient) setPermissionHandler(h acpcontract.PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = h
}

// RequestPermission bridges an agent permission request to the installed
// handler. Without a handler the request is cancelled; granting by default
// would bypass the arbitration the manager exists for.
func (c *sdkClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	c.logger.Info("received permission request",
		zap.String("session_id", string(p.SessionId)),
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("title", title),
		zap.Int("num_options", len(p.Options)))

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil || len(p.Options) == 0 {
		return cancelledOutcome(), nil
	}

	options := make([]acpcontract.PermissionOption, len(p.Options))
	for i, opt := range p.Options {
		options[i] = acpcontract.PermissionOption{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		}
	}

	req := &acpcontract.PermissionRequest{
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		Title:      title,
		Options:    options,
	}

	resp, err := handler(ctx, req)
	if err != nil {
		c.logger.Error("permission handler failed", zap.Error(err))
		return cancelledOutcome(), nil
	}
	if resp == nil || resp.Cancelled {
		return cancelledOutcome(), nil
	}

	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(resp.OptionID),
			},
		},
	}, nil
}

func cancelledOutcome() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate forwards session notifications to the adapter.
func (c *sdkClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(n)
	}
	return nil
}

// ReadTextFile reads a text file for the agent.
func (c *sdkClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.logger.Debug("reading file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes a text file for the agent.
func (c *sdkClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.logger.Debug("writing file", zap.String("path", p.Path))

	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}

	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// The remaining callbacks satisfy the SDK client interface. The daemon runs
// its own terminal multiplexer, so agent-driven terminals are not offered.

func (c *sdkClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal capability not offered")
}

func (c *sdkClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal capability not offered")
}

func (c *sdkClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal capability not offered")
}

func (c *sdkClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal capability not offered")
}

func (c *sdkClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal capability not offered")
}
