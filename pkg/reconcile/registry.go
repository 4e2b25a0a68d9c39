// Package reconcile converges server-integration registrations so each
// integration ends up registered in exactly its target scopes and nowhere
// else.
package reconcile

import (
	"context"
	"errors"
	"sort"

	"github.com/CliForge/envforge/pkg/config"
)

// ErrNotRegistered is returned by Remove when the name is absent from the
// scope.
var ErrNotRegistered = errors.New("integration not registered")

// Registry is the external store of registrations.
type Registry interface {
	List(ctx context.Context) (Registrations, error)
	Register(ctx context.Context, scope config.Scope, in config.Integration) error
	Remove(ctx context.Context, scope config.Scope, name string) error
}

// Registrations maps each scope to the set of names registered in it.
type Registrations map[config.Scope]map[string]bool

// Has reports whether name is registered in scope.
func (r Registrations) Has(scope config.Scope, name string) bool {
	return r[scope][name]
}

// Add records name in scope.
func (r Registrations) Add(scope config.Scope, name string) {
	if r[scope] == nil {
		r[scope] = map[string]bool{}
	}
	r[scope][name] = true
}

// Delete removes name from scope.
func (r Registrations) Delete(scope config.Scope, name string) {
	delete(r[scope], name)
}

// ScopesOf returns the scopes holding name, in config.AllScopes order.
func (r Registrations) ScopesOf(name string) []config.Scope {
	var scopes []config.Scope
	for _, s := range config.AllScopes {
		if r.Has(s, name) {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// Names returns the sorted names registered in scope.
func (r Registrations) Names(scope config.Scope) []string {
	names := make([]string, 0, len(r[scope]))
	for n := range r[scope] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (r Registrations) Clone() Registrations {
	out := Registrations{}
	for scope, names := range r {
		for n := range names {
			out.Add(scope, n)
		}
	}
	return out
}
