package api

// Request actions (client -> daemon)
const (
	// Runtime
	ActionPing          = "ping"
	ActionGetClientInfo = "get_client_info"

	// Agents
	ActionCreateAgent         = "create_agent"
	ActionSendPrompt          = "send_prompt"
	ActionCancelAgent         = "cancel_agent"
	ActionKillAgent           = "kill_agent"
	ActionDeleteAgent         = "delete_agent"
	ActionSetSessionMode      = "set_session_mode"
	ActionRespondToPermission = "respond_to_permission"
	ActionListAgents          = "list_agents"
	ActionFetchAgents         = "fetch_agents"
	ActionFetchAgentTimeline  = "fetch_agent_timeline"
	ActionWaitForFinish       = "wait_for_finish"
	ActionSubscribeAgent      = "subscribe_agent"
	ActionUnsubscribeAgent    = "unsubscribe_agent"

	// Terminals
	ActionListTerminals           = "list_terminals"
	ActionCreateTerminal          = "create_terminal"
	ActionKillTerminal            = "kill_terminal"
	ActionAttachTerminalStream    = "attach_terminal_stream"
	ActionDetachTerminalStream    = "detach_terminal_stream"
	ActionSendTerminalStreamInput = "send_terminal_stream_input"
	ActionSendTerminalStreamKey   = "send_terminal_stream_key"
	ActionSendTerminalInput       = "send_terminal_input"
	ActionSubscribeTerminals      = "subscribe_terminals"
	ActionUnsubscribeTerminals    = "unsubscribe_terminals"
)

// Event actions (daemon -> client)
const (
	EventAgentSnapshot          = "agent_snapshot"
	EventAgentUpdate            = "agent_update"
	EventPermissionRequest      = "permission_request"
	EventPermissionResolved     = "permission_resolved"
	EventTerminalListChanged    = "terminal_list_changed"
	EventTerminalStreamData     = "terminal_stream_data"
	EventTerminalStreamExit     = "terminal_stream_exit"
	EventAgentDirectorySnapshot = "agent_directory_snapshot"
	EventAgentDirectoryDelta    = "agent_directory_delta"
)

// Error codes
const (
	ErrorCodeUnauthorized      = "unauthorized"
	ErrorCodeUnknownAgent      = "unknown_agent"
	ErrorCodeUnknownTerminal   = "unknown_terminal"
	ErrorCodeInvalidArgument   = "invalid_argument"
	ErrorCodeResourceExhausted = "resource_exhausted"
	ErrorCodeRateLimited       = "rate_limited"
	ErrorCodeNotFound          = "not_found"
	ErrorCodePrecondition      = "failed_precondition"
	ErrorCodeConflict          = "conflict"
	ErrorCodeTimeout           = "timeout"
	ErrorCodeInternal          = "internal"
	ErrorCodeUnknownAction     = "unknown_action"
)
