package reconcile

import (
	"strings"

	"github.com/CliForge/envforge/pkg/config"
)

// StateKind classifies where an integration is registered.
type StateKind string

const (
	Unregistered         StateKind = "unregistered"
	RegisteredIn         StateKind = "registered"
	RegisteredInMultiple StateKind = "registered-multiple"
	// Unknown is the zero State, before anything was observed.
	Unknown StateKind = "unknown"
)

// State is the set of scopes an integration is registered in.
type State struct {
	Scopes []config.Scope `json:"scopes"`
	known  bool
}

// KnownState builds a state from an observed set of scopes.
func KnownState(scopes ...config.Scope) State {
	return State{Scopes: sortScopes(scopes), known: true}
}

// Kind classifies the state.
func (s State) Kind() StateKind {
	switch {
	case !s.known:
		return Unknown
	case len(s.Scopes) == 0:
		return Unregistered
	case len(s.Scopes) == 1:
		return RegisteredIn
	default:
		return RegisteredInMultiple
	}
}

// Equal reports whether both states hold the same scopes.
func (s State) Equal(o State) bool {
	if s.known != o.known || len(s.Scopes) != len(o.Scopes) {
		return false
	}
	for i := range s.Scopes {
		if s.Scopes[i] != o.Scopes[i] {
			return false
		}
	}
	return true
}

func (s State) String() string {
	switch s.Kind() {
	case Unknown:
		return "unknown"
	case Unregistered:
		return "unregistered"
	}
	names := make([]string, len(s.Scopes))
	for i, sc := range s.Scopes {
		names[i] = string(sc)
	}
	return strings.Join(names, "+")
}

func sortScopes(scopes []config.Scope) []config.Scope {
	seen := map[config.Scope]bool{}
	for _, s := range scopes {
		seen[s] = true
	}
	var out []config.Scope
	for _, s := range config.AllScopes {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
