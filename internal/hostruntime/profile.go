// Package hostruntime implements the client-side transport controller: for
// each known daemon it probes the available transport candidates, connects
// through the best one, fails over when the active path dies, and switches
// adaptively with hysteresis when another path is materially faster. All
// observable state is published as immutable snapshots.
package hostruntime

import "fmt"

// CandidateKind distinguishes transport paths to the same daemon.
type CandidateKind string

const (
	KindDirect CandidateKind = "direct"
	KindRelay  CandidateKind = "relay"
)

// Candidate is one transport option for reaching a daemon. The ID is stable
// for a given profile revision and doubles as the probe and selection key.
type Candidate struct {
	ID                 string
	Kind               CandidateKind
	Endpoint           string
	DaemonPublicKeyB64 string
}

// CandidateID derives the stable id for a kind and endpoint pair.
func CandidateID(kind CandidateKind, endpoint string) string {
	return fmt.Sprintf("%s:%s", kind, endpoint)
}

// RelayInfo describes the relay path from a pairing offer.
type RelayInfo struct {
	Endpoint           string
	DaemonPublicKeyB64 string
}

// HostProfile is the client's static knowledge of one daemon: where it can
// be reached and which path the user prefers.
type HostProfile struct {
	ServerID              string
	PreferredConnectionID string
	DirectEndpoints       []string
	Relay                 *RelayInfo
}

// Candidates expands the profile into the ranked transport candidates.
// Direct endpoints come first; order beyond that carries no preference,
// selection is latency-driven.
func (p HostProfile) Candidates() []Candidate {
	out := make([]Candidate, 0, len(p.DirectEndpoints)+1)
	for _, ep := range p.DirectEndpoints {
		out = append(out, Candidate{
			ID:       CandidateID(KindDirect, ep),
			Kind:     KindDirect,
			Endpoint: ep,
		})
	}
	if p.Relay != nil && p.Relay.Endpoint != "" {
		out = append(out, Candidate{
			ID:                 CandidateID(KindRelay, p.Relay.Endpoint),
			Kind:               KindRelay,
			Endpoint:           p.Relay.Endpoint,
			DaemonPublicKeyB64: p.Relay.DaemonPublicKeyB64,
		})
	}
	return out
}
