// Package acp defines the adapter contract between the agent lifecycle
// manager and the external coding assistants speaking the Agent Client
// Protocol. Concrete transports live in subpackages; the manager only sees
// this interface.
package acp

import "context"

// StopReason is the terminal outcome of a prompt turn.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonRefusal   StopReason = "refusal"
	StopReasonCancelled StopReason = "cancelled"
	StopReasonOther     StopReason = "other"
)

// ClientCapabilities advertises what the daemon offers to the agent during
// the initialize handshake.
type ClientCapabilities struct {
	ReadTextFile  bool
	WriteTextFile bool
}

// SessionInfo is the result of opening or loading a session.
type SessionInfo struct {
	SessionID      string
	CurrentModeID  string
	AvailableModes []Mode
}

// Mode is a named session configuration advertised by the agent.
type Mode struct {
	ID   string
	Name string
}

// Update type constants for SessionUpdate.
const (
	UpdateTypeMessageChunk = "agent_message_chunk"
	UpdateTypeThoughtChunk = "agent_thought_chunk"
	UpdateTypeToolCall     = "tool_call"
	UpdateTypeToolUpdate   = "tool_call_update"
	UpdateTypePlan         = "plan"
	UpdateTypeModeChange   = "mode_change"
)

// SessionUpdate is a normalized asynchronous notification from the agent.
type SessionUpdate struct {
	Type      string
	SessionID string

	// Message fields
	Text string

	// Tool call fields
	ToolCallID string
	ToolName   string
	ToolTitle  string
	ToolStatus string
	ToolArgs   map[string]interface{}

	// Plan fields
	PlanEntries []PlanEntry

	// Mode change fields
	ModeID string
}

// PlanEntry is one entry of an agent execution plan.
type PlanEntry struct {
	Description string
	Status      string
	Priority    string
}

// PermissionRequest is an in-flight tool permission request from the agent.
type PermissionRequest struct {
	SessionID  string
	ToolCallID string
	Title      string
	Options    []PermissionOption
}

// PermissionOption is one selectable permission choice.
type PermissionOption struct {
	OptionID string
	Name     string
	Kind     string // allow_once, allow_always, reject_once, reject_always
}

// PermissionResponse is the resolution of a permission request.
// Exactly one of OptionID or Cancelled is meaningful.
type PermissionResponse struct {
	OptionID  string
	Cancelled bool
}

// PermissionHandler bridges an agent permission request to a human decision.
// It must return exactly once per request.
type PermissionHandler func(ctx context.Context, req *PermissionRequest) (*PermissionResponse, error)

// Adapter is the capability set the manager relies on. Implementations own a
// child process and the protocol framing to it.
type Adapter interface {
	// Initialize spawns the child (if not already running) and performs the
	// protocol handshake, advertising the given client capabilities.
	Initialize(ctx context.Context, caps ClientCapabilities) error

	// NewSession opens a fresh session bound to cwd.
	NewSession(ctx context.Context, cwd string) (*SessionInfo, error)

	// LoadSession resumes a persisted session. Implementations return an
	// error when the agent does not support session persistence.
	LoadSession(ctx context.Context, sessionID, cwd string) (*SessionInfo, error)

	// Prompt runs one turn. It blocks until the agent reports a stop reason;
	// streaming output arrives on Updates meanwhile.
	Prompt(ctx context.Context, sessionID string, prompt []ContentBlock) (StopReason, error)

	// Cancel requests cancellation of the in-flight turn.
	Cancel(ctx context.Context, sessionID string) error

	// SetSessionMode switches the session mode.
	SetSessionMode(ctx context.Context, sessionID, modeID string) error

	// Updates delivers session notifications. Closed when the adapter closes.
	Updates() <-chan SessionUpdate

	// SetPermissionHandler installs the handler for permission requests.
	SetPermissionHandler(handler PermissionHandler)

	// Done is closed when the child process exits, expectedly or not.
	Done() <-chan struct{}

	// Close terminates the child and releases resources.
	Close() error
}

// ContentBlock is one block of prompt content.
type ContentBlock struct {
	Type string // text
	Text string
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Factory spawns a new adapter for the given provider and working directory.
// The daemon wires a real factory; tests install fakes.
type Factory func(provider Provider, cwd string) (Adapter, error)
