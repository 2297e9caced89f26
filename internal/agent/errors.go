package agent

import "errors"

// Sentinel errors surfaced to the gateway, which maps them to wire codes.
var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentKilled        = errors.New("agent is killed")
	ErrAgentFailed        = errors.New("agent is in failed state")
	ErrCwdInaccessible    = errors.New("cwd is not accessible")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrUnknownMode        = errors.New("unknown session mode")
	ErrPermissionNotFound = errors.New("permission request not found")
	ErrShuttingDown       = errors.New("manager is shutting down")
)
