package acp

import "fmt"

// Provider identifies an external assistant kind.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderOpencode Provider = "opencode"
)

// Capabilities describes static, per-provider behavior the daemon needs
// before the adapter has said anything.
type Capabilities struct {
	// SupportsSessionPersistence reports whether persisted session ids can be
	// resumed across adapter restarts via LoadSession.
	SupportsSessionPersistence bool

	// StaticModes is the fallback mode list used when the adapter does not
	// advertise any modes during session setup.
	StaticModes []Mode

	// DefaultModeID is the mode used when a requested mode is unknown.
	DefaultModeID string

	// Command and Args spawn the agent child process.
	Command string
	Args    []string
}

var providerCapabilities = map[Provider]Capabilities{
	ProviderClaude: {
		SupportsSessionPersistence: true,
		StaticModes: []Mode{
			{ID: "default", Name: "Default"},
			{ID: "acceptEdits", Name: "Accept Edits"},
			{ID: "bypassPermissions", Name: "Bypass Permissions"},
			{ID: "plan", Name: "Plan"},
		},
		DefaultModeID: "default",
		Command:       "claude-code-acp",
	},
	ProviderCodex: {
		SupportsSessionPersistence: false,
		StaticModes: []Mode{
			{ID: "default", Name: "Default"},
			{ID: "full-access", Name: "Full Access"},
		},
		DefaultModeID: "default",
		Command:       "codex",
		Args:          []string{"acp"},
	},
	ProviderOpencode: {
		SupportsSessionPersistence: false,
		StaticModes:                nil,
		DefaultModeID:              "",
		Command:                    "opencode",
		Args:                       []string{"acp"},
	},
}

// CapabilitiesFor returns the static capabilities for a provider.
func CapabilitiesFor(p Provider) (Capabilities, error) {
	caps, ok := providerCapabilities[p]
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown provider %q", p)
	}
	return caps, nil
}

// ValidProvider reports whether p names a known provider.
func ValidProvider(p Provider) bool {
	_, ok := providerCapabilities[p]
	return ok
}

// ResolveModes applies the mode-selection policy: adapter-advertised modes
// win, static per-provider modes are the fallback, and an unknown requested
// mode is remapped to the provider default.
func ResolveModes(p Provider, advertised []Mode, currentModeID, requestedModeID string) (modes []Mode, modeID string) {
	caps, _ := CapabilitiesFor(p)

	modes = advertised
	if len(modes) == 0 {
		modes = caps.StaticModes
	}

	modeID = requestedModeID
	if modeID == "" {
		modeID = currentModeID
	}
	if modeID == "" {
		modeID = caps.DefaultModeID
	}
	if modeID != "" && !KnownMode(modes, modeID) {
		modeID = caps.DefaultModeID
	}
	return modes, modeID
}

// KnownMode reports whether id appears in modes.
func KnownMode(modes []Mode, id string) bool {
	for _, m := range modes {
		if m.ID == id {
			return true
		}
	}
	return false
}
