package gateway

import (
	"context"
	"errors"

	"github.com/kodymullinsx/paseo-sub005/internal/agent"
	"github.com/kodymullinsx/paseo-sub005/internal/terminal"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// errorCode maps internal sentinel errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return api.ErrorCodeUnknownAgent
	case errors.Is(err, terminal.ErrUnknownTerminal):
		return api.ErrorCodeUnknownTerminal
	case errors.Is(err, terminal.ErrUnknownStream):
		return api.ErrorCodeNotFound
	case errors.Is(err, agent.ErrPermissionNotFound):
		return api.ErrorCodeNotFound
	case errors.Is(err, agent.ErrUnknownProvider),
		errors.Is(err, agent.ErrCwdInaccessible),
		errors.Is(err, agent.ErrEmptyPrompt),
		errors.Is(err, agent.ErrUnknownMode),
		errors.Is(err, terminal.ErrUnknownKey):
		return api.ErrorCodeInvalidArgument
	case errors.Is(err, agent.ErrAgentKilled),
		errors.Is(err, agent.ErrAgentFailed),
		errors.Is(err, agent.ErrShuttingDown):
		return api.ErrorCodePrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return api.ErrorCodeTimeout
	default:
		return api.ErrorCodeInternal
	}
}
