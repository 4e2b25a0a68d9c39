package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regs(entries map[config.Scope][]string) Registrations {
	r := Registrations{}
	for scope, names := range entries {
		for _, n := range names {
			r.Add(scope, n)
		}
	}
	return r
}

func integration(name string, scopes ...config.Scope) config.Integration {
	return config.Integration{Name: name, Transport: config.TransportStdio, Command: "npx " + name, Scopes: scopes}
}

func TestReconciler_ConvergesFromEveryState(t *testing.T) {
	tests := []struct {
		name      string
		initial   Registrations
		target    []config.Scope
		priorKind StateKind
		removed   []config.Scope
	}{
		{
			name:      "unregistered",
			initial:   Registrations{},
			target:    []config.Scope{config.ScopeUser},
			priorKind: Unregistered,
		},
		{
			name:      "already in target scope",
			initial:   regs(map[config.Scope][]string{config.ScopeUser: {"x"}}),
			target:    []config.Scope{config.ScopeUser},
			priorKind: RegisteredIn,
			removed:   []config.Scope{config.ScopeUser},
		},
		{
			name:      "in a different scope",
			initial:   regs(map[config.Scope][]string{config.ScopeLocal: {"x"}}),
			target:    []config.Scope{config.ScopeUser},
			priorKind: RegisteredIn,
			removed:   []config.Scope{config.ScopeLocal},
		},
		{
			name: "in multiple scopes",
			initial: regs(map[config.Scope][]string{
				config.ScopeUser:    {"x"},
				config.ScopeProject: {"x"},
				config.ScopeLocal:   {"x"},
			}),
			target:    []config.Scope{config.ScopeProject},
			priorKind: RegisteredInMultiple,
			removed:   []config.Scope{config.ScopeUser, config.ScopeProject, config.ScopeLocal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewMemoryRegistry(tt.initial)
			outcomes := New(reg).Reconcile(context.Background(), []config.Integration{integration("x", tt.target...)}, nil)

			require.Len(t, outcomes, 1)
			o := outcomes[0]
			require.NoError(t, o.Err)
			assert.Equal(t, tt.priorKind, o.Prior.Kind())
			assert.Equal(t, tt.removed, o.Removed)
			assert.Equal(t, tt.target, o.Added)
			assert.Equal(t, tt.target, reg.Registrations().ScopesOf("x"))
		})
	}
}

func TestReconciler_CombinedScopes(t *testing.T) {
	reg := NewMemoryRegistry(regs(map[config.Scope][]string{config.ScopeLocal: {"x"}}))

	outcomes := New(reg).Reconcile(context.Background(),
		[]config.Integration{integration("x", config.ScopeUser, config.ScopeProject)}, nil)

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "local", outcomes[0].Prior.String())
	assert.Equal(t, "user+project", outcomes[0].Final.String())
	assert.Equal(t, []config.Scope{config.ScopeUser, config.ScopeProject}, reg.Registrations().ScopesOf("x"))
}

func TestReconciler_Idempotent(t *testing.T) {
	reg := NewMemoryRegistry(regs(map[config.Scope][]string{
		config.ScopeUser:  {"a", "unrelated"},
		config.ScopeLocal: {"b"},
	}))
	desired := []config.Integration{
		integration("a", config.ScopeProject),
		integration("b", config.ScopeUser, config.ScopeLocal),
	}
	r := New(reg)

	first := r.Reconcile(context.Background(), desired, nil)
	after := reg.Registrations()
	second := r.Reconcile(context.Background(), desired, nil)

	assert.Equal(t, after, reg.Registrations())
	for i := range first {
		assert.True(t, first[i].Final.Equal(second[i].Final), first[i].Name)
		assert.True(t, second[i].Prior.Equal(second[i].Final), second[i].Name)
	}
	assert.True(t, reg.Registrations().Has(config.ScopeUser, "unrelated"))
}

func TestReconciler_RemovalFailureSkipsRegistration(t *testing.T) {
	reg := NewMemoryRegistry(regs(map[config.Scope][]string{config.ScopeLocal: {"x"}}))
	reg.RemoveErr = map[config.Scope]error{config.ScopeLocal: errors.New("permission denied")}

	outcomes := New(reg).Reconcile(context.Background(), []config.Integration{integration("x", config.ScopeUser)}, nil)

	require.Len(t, outcomes, 1)
	var recErr *ReconciliationError
	require.ErrorAs(t, outcomes[0].Err, &recErr)
	assert.Equal(t, "remove", recErr.Op)
	assert.Equal(t, []config.Scope{config.ScopeLocal}, recErr.Scopes)
	assert.Empty(t, outcomes[0].Added)
	assert.NotContains(t, reg.Calls, "add user x")
	assert.Equal(t, []config.Scope{config.ScopeLocal}, reg.Registrations().ScopesOf("x"))
}

func TestReconciler_AddFailureDoesNotAbortBatch(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	reg.RegisterErr = map[config.Scope]error{config.ScopeProject: errors.New("no project")}

	outcomes := New(reg).Reconcile(context.Background(), []config.Integration{
		integration("x", config.ScopeUser, config.ScopeProject),
		integration("y", config.ScopeUser),
	}, nil)

	require.Len(t, outcomes, 2)
	var recErr *ReconciliationError
	require.ErrorAs(t, outcomes[0].Err, &recErr)
	assert.Equal(t, "add", recErr.Op)
	assert.Equal(t, []config.Scope{config.ScopeUser}, outcomes[0].Added)
	assert.NoError(t, outcomes[1].Err)

	ok, failed := Summary(outcomes)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestReconciler_ListFailureTriesEveryScope(t *testing.T) {
	reg := NewMemoryRegistry(regs(map[config.Scope][]string{config.ScopeProject: {"x"}}))
	reg.ListErr = errors.New("store unreadable")

	outcomes := New(reg).Reconcile(context.Background(), []config.Integration{integration("x", config.ScopeUser)}, nil)

	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, []string{"remove user x", "remove project x", "remove local x", "add user x"}, reg.Calls)
	assert.Equal(t, "project", outcomes[0].Prior.String())
	assert.Equal(t, []config.Scope{config.ScopeUser}, reg.Registrations().ScopesOf("x"))
}

func TestReconciler_RetiredNames(t *testing.T) {
	reg := NewMemoryRegistry(regs(map[config.Scope][]string{
		config.ScopeUser:    {"old", "x"},
		config.ScopeProject: {"old"},
	}))

	outcomes := New(reg).Reconcile(context.Background(),
		[]config.Integration{integration("x", config.ScopeUser)}, []string{"old", "x"})

	require.Len(t, outcomes, 2)
	retired := outcomes[1]
	assert.True(t, retired.Retired)
	assert.Equal(t, "old", retired.Name)
	assert.Equal(t, Unregistered, retired.Final.Kind())
	assert.Empty(t, reg.Registrations().ScopesOf("old"))
	assert.Equal(t, []config.Scope{config.ScopeUser}, reg.Registrations().ScopesOf("x"))
}

func TestState(t *testing.T) {
	assert.Equal(t, Unknown, State{}.Kind())
	assert.Equal(t, "unregistered", KnownState().String())
	assert.Equal(t, "user+local", KnownState(config.ScopeLocal, config.ScopeUser).String())
	assert.True(t, KnownState(config.ScopeUser).Equal(KnownState(config.ScopeUser)))
	assert.False(t, KnownState().Equal(State{}))
}
