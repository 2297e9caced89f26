package agent

import (
	"time"

	"github.com/kodymullinsx/paseo-sub005/internal/acp"
	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// Record is the persisted representation of an agent. Process existence is
// orthogonal to record existence: a record may describe an agent whose child
// has never been spawned in this daemon lifetime.
type Record struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title,omitempty"`
	Cwd                string              `json:"cwd"`
	Provider           api.ProviderOptions `json:"provider_options"`
	PersistedSessionID string              `json:"persisted_session_id,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	LastActivityAt     time.Time           `json:"last_activity_at"`
	Labels             map[string]string   `json:"labels,omitempty"`
}

// stateTag enumerates the agent finite-state machine.
type stateTag string

const (
	stateUninitialized stateTag = "uninitialized"
	stateInitializing  stateTag = "initializing"
	stateReady         stateTag = "ready"
	stateProcessing    stateTag = "processing"
	stateCompleted     stateTag = "completed"
	stateFailed        stateTag = "failed"
	stateKilled        stateTag = "killed"
)

// Runtime exists only once the adapter handshake has succeeded. It is torn
// down on kill and delete.
type Runtime struct {
	Adapter        acp.Adapter
	SessionID      string
	CurrentModeID  string
	AvailableModes []acp.Mode
}

// initFuture is the single in-flight initialization for an agent. Concurrent
// ensureInitialized callers all wait on the same future.
type initFuture struct {
	done chan struct{}
	err  error
}

func newInitFuture() *initFuture {
	return &initFuture{done: make(chan struct{})}
}

func (f *initFuture) resolve(err error) {
	f.err = err
	close(f.done)
}

// agentState is the tagged state variant. Runtime is non-nil iff the tag is
// in {ready, processing, completed, initializing post-handshake,
// failed-with-runtime}.
type agentState struct {
	tag        stateTag
	runtime    *Runtime
	init       *initFuture
	startedAt  time.Time
	stopReason acp.StopReason
	lastError  error
}

func (s agentState) status() api.AgentStatus {
	return api.AgentStatus(s.tag)
}

// terminal reports whether the agent can no longer accept prompts.
func (s agentState) terminal() bool {
	return s.tag == stateKilled || s.tag == stateFailed
}

func apiModes(modes []acp.Mode) []api.SessionMode {
	if len(modes) == 0 {
		return nil
	}
	out := make([]api.SessionMode, len(modes))
	for i, m := range modes {
		out[i] = api.SessionMode{ID: m.ID, Name: m.Name}
	}
	return out
}
