package hostruntime

import "time"

// ConnectionStatus is the externally visible connection state.
type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusOnline     ConnectionStatus = "online"
	StatusOffline    ConnectionStatus = "offline"
	StatusError      ConnectionStatus = "error"
)

// DirectoryStatus tracks agent directory sync independently of the
// connection state. Pre- and post-first-success errors are distinguished so
// a consumer can tell "never loaded" from "stale data".
type DirectoryStatus string

const (
	DirectoryIdle            DirectoryStatus = "idle"
	DirectoryInitialLoading  DirectoryStatus = "initial_loading"
	DirectoryRevalidating    DirectoryStatus = "revalidating"
	DirectoryReady           DirectoryStatus = "ready"
	DirectoryErrorBeforeLoad DirectoryStatus = "error_before_first_success"
	DirectoryErrorAfterReady DirectoryStatus = "error_after_ready"
)

// Snapshot is an immutable view of one controller. Fields describing the
// active connection (ActiveConnectionID, ActiveConnection, ConnectionStatus,
// Client, ClientGeneration) are always updated together.
type Snapshot struct {
	ServerID string

	ActiveConnectionID string
	ActiveConnection   *Candidate
	ConnectionStatus   ConnectionStatus
	LastError          string
	LastOnlineAt       time.Time

	ProbeByConnectionID map[string]ProbeResult

	Client           Client
	ClientGeneration uint64

	AgentDirectoryStatus        DirectoryStatus
	AgentDirectoryError         string
	HasEverLoadedAgentDirectory bool
}

// IsOnline reports whether the controller has a live transport.
func (s Snapshot) IsOnline() bool {
	return s.ConnectionStatus == StatusOnline
}

// clone copies the snapshot including its probe map so publications never
// share mutable state.
func (s Snapshot) clone() Snapshot {
	out := s
	out.ProbeByConnectionID = make(map[string]ProbeResult, len(s.ProbeByConnectionID))
	for id, pr := range s.ProbeByConnectionID {
		out.ProbeByConnectionID[id] = pr
	}
	if s.ActiveConnection != nil {
		cand := *s.ActiveConnection
		out.ActiveConnection = &cand
	}
	return out
}
