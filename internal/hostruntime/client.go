package hostruntime

import (
	"context"
	"strings"
)

// ClientState is one transition on a client's status stream. Reason is only
// meaningful when Online is false.
type ClientState struct {
	Online bool
	Reason string
}

// Client is a live transport to a daemon built from one candidate. The
// controller exclusively owns its active client; Close must be idempotent
// and must terminate the States stream.
type Client interface {
	Connect(ctx context.Context) error
	States() <-chan ClientState
	Close()
}

// ClientFactory builds a client for a candidate. Construction must be cheap
// and side-effect free; all I/O happens in Connect.
type ClientFactory func(serverID string, cand Candidate) (Client, error)

// ProbeResult is the latest latency measurement for one candidate.
type ProbeResult struct {
	Available bool `json:"available"`
	LatencyMs int  `json:"latency_ms"`
}

// ProbeFunc measures round-trip latency to a candidate without side effects.
type ProbeFunc func(ctx context.Context, cand Candidate) ProbeResult

// Disconnect reason codes used for structured logging and state selection.
const (
	ReasonConnectTimeout = "connect_timeout"
	ReasonDisposed       = "disposed"
	ReasonClientClosed   = "client_closed"
	ReasonTransportError = "transport_error"
	ReasonConnectFailed  = "connect_failed"
	ReasonUnknown        = "unknown"
)

// classifyReason maps a raw disconnect reason onto the closed reason set.
func classifyReason(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case lower == "":
		return ReasonUnknown
	case strings.Contains(lower, "disposed"), strings.Contains(lower, "stopped"):
		return ReasonDisposed
	case strings.Contains(lower, "client closed"), strings.Contains(lower, "going away"),
		strings.Contains(lower, "normal closure"):
		return ReasonClientClosed
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return ReasonConnectTimeout
	case strings.Contains(lower, "connect failed"), strings.Contains(lower, "connection refused"):
		return ReasonConnectFailed
	case strings.Contains(lower, "reset"), strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "eof"), strings.Contains(lower, "abnormal"):
		return ReasonTransportError
	default:
		return ReasonUnknown
	}
}
