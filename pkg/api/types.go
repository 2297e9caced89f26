package api

import "time"

// Provider identifies which external coding assistant backs an agent.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderOpencode Provider = "opencode"
)

// ProviderOptions is the tagged provider variant for an agent.
// Exactly one of the option structs may be set, matching Provider.
type ProviderOptions struct {
	Provider Provider       `json:"provider"`
	Claude   *ClaudeOptions `json:"claude,omitempty"`
}

// ClaudeOptions carries claude-specific options.
type ClaudeOptions struct {
	SessionID string `json:"session_id,omitempty"`
}

// AgentStatus is the externally visible agent state tag.
type AgentStatus string

const (
	AgentStatusUninitialized AgentStatus = "uninitialized"
	AgentStatusInitializing  AgentStatus = "initializing"
	AgentStatusReady         AgentStatus = "ready"
	AgentStatusProcessing    AgentStatus = "processing"
	AgentStatusCompleted     AgentStatus = "completed"
	AgentStatusFailed        AgentStatus = "failed"
	AgentStatusKilled        AgentStatus = "killed"
)

// SessionMode is a named per-session configuration advertised by the adapter
// or provided statically per provider.
type SessionMode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AgentInfo is the wire representation of a managed agent.
type AgentInfo struct {
	ID             string            `json:"id"`
	Title          string            `json:"title,omitempty"`
	Cwd            string            `json:"cwd"`
	Provider       ProviderOptions   `json:"provider_options"`
	Status         AgentStatus       `json:"status"`
	StopReason     string            `json:"stop_reason,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CurrentModeID  string            `json:"current_mode_id,omitempty"`
	AvailableModes []SessionMode     `json:"available_modes,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// Timeline update types.
const (
	UpdateUserMessageChunk   = "user_message_chunk"
	UpdateAgentMessageChunk  = "agent_message_chunk"
	UpdateAgentThoughtChunk  = "agent_thought_chunk"
	UpdateToolCall           = "tool_call"
	UpdateToolCallUpdate     = "tool_call_update"
	UpdatePlan               = "plan"
	UpdateStatusChange       = "status_change"
	UpdatePermissionRequest  = "permission_request"
	UpdatePermissionResolved = "permission_resolved"
)

// TimelineUpdate is one enriched entry in an agent's timeline.
// Chunked message entries share a stable MessageID until the turn ends.
type TimelineUpdate struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Tool call fields
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolTitle  string                 `json:"tool_title,omitempty"`
	ToolStatus string                 `json:"tool_status,omitempty"`
	ToolArgs   map[string]interface{} `json:"tool_args,omitempty"`

	// Plan fields
	Plan []PlanEntry `json:"plan,omitempty"`

	// Status change fields
	Status     AgentStatus `json:"status,omitempty"`
	StopReason string      `json:"stop_reason,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Permission fields
	Permission *PermissionRequest  `json:"permission,omitempty"`
	Resolution *PermissionResolved `json:"resolution,omitempty"`
}

// PlanEntry is one entry of an agent execution plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// PermissionRequest is a pending tool-permission request surfaced to clients.
type PermissionRequest struct {
	AgentID    string             `json:"agent_id"`
	RequestID  string             `json:"request_id"`
	SessionID  string             `json:"session_id"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Title      string             `json:"title,omitempty"`
	Options    []PermissionOption `json:"options"`
}

// PermissionOption is a permission choice.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// Permission resolution outcomes.
const (
	PermissionOutcomeSelected  = "selected"
	PermissionOutcomeCancelled = "cancelled"
)

// PermissionResolved reports the single resolution of a pending permission.
type PermissionResolved struct {
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"` // selected | cancelled
	OptionID  string `json:"option_id,omitempty"`
}

// Prompt is the user prompt for a turn: plain text or content blocks.
type Prompt struct {
	Text   string        `json:"text,omitempty"`
	Blocks []PromptBlock `json:"blocks,omitempty"`
}

// PromptBlock is one content block of a structured prompt.
type PromptBlock struct {
	Type string `json:"type"` // text
	Text string `json:"text,omitempty"`
}

// CreateAgentRequest is the payload for create_agent.
type CreateAgentRequest struct {
	Provider      ProviderOptions   `json:"provider_options"`
	Cwd           string            `json:"cwd"`
	Title         string            `json:"title,omitempty"`
	InitialPrompt *Prompt           `json:"initial_prompt,omitempty"`
	InitialMode   string            `json:"initial_mode,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// CreateAgentResponse is the response for create_agent.
type CreateAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// SendPromptRequest is the payload for send_prompt.
type SendPromptRequest struct {
	AgentID     string `json:"agent_id"`
	Prompt      Prompt `json:"prompt"`
	SessionMode string `json:"session_mode,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// AgentIDRequest is the payload for cancel_agent, kill_agent, delete_agent,
// fetch_agent_timeline, wait_for_finish, subscribe_agent and unsubscribe_agent.
type AgentIDRequest struct {
	AgentID        string `json:"agent_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// SetSessionModeRequest is the payload for set_session_mode.
type SetSessionModeRequest struct {
	AgentID string `json:"agent_id"`
	ModeID  string `json:"mode_id"`
}

// RespondToPermissionRequest is the payload for respond_to_permission.
type RespondToPermissionRequest struct {
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id"`
}

// ListAgentsResponse is the response for list_agents and fetch_agents.
type ListAgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

// AgentTimelineResponse is the response for fetch_agent_timeline and the
// payload of agent_snapshot events.
type AgentTimelineResponse struct {
	Agent   AgentInfo        `json:"agent"`
	Updates []TimelineUpdate `json:"updates"`
}

// WaitForFinishResponse is the response for wait_for_finish.
type WaitForFinishResponse struct {
	Status     AgentStatus `json:"status"`
	StopReason string      `json:"stop_reason,omitempty"`
}

// TerminalInfo is the wire representation of a terminal.
type TerminalInfo struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CwdRequest is the payload for list_terminals, create_terminal,
// subscribe_terminals and unsubscribe_terminals.
type CwdRequest struct {
	Cwd            string `json:"cwd"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// TerminalIDRequest is the payload for kill_terminal and attach_terminal_stream.
type TerminalIDRequest struct {
	TerminalID     string `json:"terminal_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// ListTerminalsResponse is the response for list_terminals and the payload of
// terminal_list_changed events.
type ListTerminalsResponse struct {
	Cwd       string         `json:"cwd"`
	Terminals []TerminalInfo `json:"terminals"`
}

// CreateTerminalResponse is the response for create_terminal.
type CreateTerminalResponse struct {
	Terminal TerminalInfo `json:"terminal"`
}

// AttachTerminalStreamResponse is the response for attach_terminal_stream.
// Snapshot carries the scrollback present at attach time; subsequent bytes
// arrive as terminal_stream_data events.
type AttachTerminalStreamResponse struct {
	StreamID string `json:"stream_id"`
	Snapshot []byte `json:"snapshot,omitempty"`
}

// TerminalStreamInputRequest is the payload for send_terminal_stream_input
// and detach_terminal_stream.
type TerminalStreamInputRequest struct {
	StreamID string `json:"stream_id"`
	Data     []byte `json:"data,omitempty"`
}

// TerminalKey is a structured non-printable key event with modifiers.
type TerminalKey struct {
	Key   string `json:"key"` // Escape, Enter, Tab, Backspace, Up, Down, Left, Right, or a single rune
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// TerminalStreamKeyRequest is the payload for send_terminal_stream_key.
type TerminalStreamKeyRequest struct {
	StreamID string      `json:"stream_id"`
	Key      TerminalKey `json:"key"`
}

// TerminalInputRequest is the payload for send_terminal_input.
// Only resize is defined today.
type TerminalInputRequest struct {
	TerminalID string `json:"terminal_id"`
	Type       string `json:"type"` // resize
	Rows       int    `json:"rows,omitempty"`
	Cols       int    `json:"cols,omitempty"`
}

// TerminalStreamDataEvent is the payload of terminal_stream_data events.
type TerminalStreamDataEvent struct {
	StreamID string `json:"stream_id"`
	Data     []byte `json:"data"`
}

// TerminalStreamExitEvent is the payload of terminal_stream_exit events.
type TerminalStreamExitEvent struct {
	StreamID   string `json:"stream_id"`
	TerminalID string `json:"terminal_id"`
}

// ClientHello is the payload of get_client_info: the version/identity
// exchange performed after accept.
type ClientHello struct {
	ClientID          string `json:"client_id"`
	RuntimeGeneration uint64 `json:"runtime_generation"`
	ProtocolVersion   int    `json:"protocol_version"`
}

// ClientInfoResponse is the daemon's half of the identity exchange.
type ClientInfoResponse struct {
	ServerID           string `json:"server_id"`
	Version            string `json:"version"`
	DaemonPublicKeyB64 string `json:"daemon_public_key_b64"`
	ProtocolVersion    int    `json:"protocol_version"`
}

// PingResponse is the response for ping.
type PingResponse struct {
	ServerID string    `json:"server_id,omitempty"`
	Time     time.Time `json:"time"`
}

// AgentDirectoryEvent is the payload of agent_directory_snapshot and
// agent_directory_delta events.
type AgentDirectoryEvent struct {
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Agents         []AgentInfo `json:"agents,omitempty"`
	Upserted       []AgentInfo `json:"upserted,omitempty"`
	RemovedIDs     []string    `json:"removed_ids,omitempty"`
}
