package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/CliForge/envforge/pkg/config"
)

// MemoryRegistry is an in-memory Registry. It backs dry runs and tests;
// failures can be injected per scope.
type MemoryRegistry struct {
	mu    sync.Mutex
	regs  Registrations
	specs map[string]config.Integration

	// ListErr, when set, is returned by List.
	ListErr error
	// RemoveErr and RegisterErr fail the matching operation in a scope.
	RemoveErr   map[config.Scope]error
	RegisterErr map[config.Scope]error

	// Calls records every mutation as "op scope name".
	Calls []string
}

// NewMemoryRegistry creates a registry seeded with a copy of initial.
func NewMemoryRegistry(initial Registrations) *MemoryRegistry {
	regs := Registrations{}
	if initial != nil {
		regs = initial.Clone()
	}
	return &MemoryRegistry{regs: regs, specs: map[string]config.Integration{}}
}

// List returns a copy of the current registrations.
func (m *MemoryRegistry) List(_ context.Context) (Registrations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.regs.Clone(), nil
}

// Register adds in to scope.
func (m *MemoryRegistry) Register(_ context.Context, scope config.Scope, in config.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("add %s %s", scope, in.Name))
	if err := m.RegisterErr[scope]; err != nil {
		return err
	}
	if m.regs.Has(scope, in.Name) {
		return fmt.Errorf("%s already exists in %s scope", in.Name, scope)
	}
	m.regs.Add(scope, in.Name)
	m.specs[string(scope)+"/"+in.Name] = in
	return nil
}

// Remove deletes name from scope.
func (m *MemoryRegistry) Remove(_ context.Context, scope config.Scope, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("remove %s %s", scope, name))
	if err := m.RemoveErr[scope]; err != nil {
		return err
	}
	if !m.regs.Has(scope, name) {
		return fmt.Errorf("%s in %s scope: %w", name, scope, ErrNotRegistered)
	}
	m.regs.Delete(scope, name)
	delete(m.specs, string(scope)+"/"+name)
	return nil
}

// Registrations returns a copy of the current state.
func (m *MemoryRegistry) Registrations() Registrations {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs.Clone()
}

// Spec returns the integration last registered under name in scope.
func (m *MemoryRegistry) Spec(scope config.Scope, name string) (config.Integration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.specs[string(scope)+"/"+name]
	return in, ok
}
