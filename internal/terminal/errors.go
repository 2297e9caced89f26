package terminal

import "errors"

// Sentinel errors surfaced to the gateway, which maps them to wire codes.
var (
	ErrUnknownTerminal = errors.New("unknown terminal")
	ErrUnknownStream   = errors.New("unknown terminal stream")
	ErrUnknownKey      = errors.New("unknown key")
)
