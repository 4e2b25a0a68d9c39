package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/install"
	"github.com/CliForge/envforge/pkg/output"
	"github.com/CliForge/envforge/pkg/reconcile"
	"github.com/CliForge/envforge/pkg/runner"
	"github.com/CliForge/envforge/pkg/state"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const teamDoc = `name: team
base-url: .
agents:
  - agents/reviewer.md
hooks:
  files: [hooks/fmt.py]
  events:
    - event: PostToolUse
      matcher: Edit
      command: fmt.py
mcp-servers:
  - name: search
    url: https://search.example.com/mcp
    scopes: [project]
  - name: files
    command: npx files-server
model: opus
dependencies:
  common: ["echo common"]
  linux: ["echo linux"]
  windows: ["echo windows"]
`

type staticCreds struct {
	creds auth.Credentials
	err   error
}

func (s staticCreds) Resolve(context.Context) (auth.Credentials, error) {
	return s.creds, s.err
}

type fakeLock struct {
	err       error
	acquired  int
	released  int
	onAcquire func()
}

func (l *fakeLock) Acquire(context.Context) error {
	if l.err != nil {
		return l.err
	}
	l.acquired++
	if l.onAcquire != nil {
		l.onAcquire()
	}
	return nil
}

func (l *fakeLock) Release() error {
	l.released++
	return nil
}

type noLister struct{}

func (noLister) ListTree(context.Context, install.GitHubLocation) ([]string, error) {
	return nil, errors.New("unexpected tree listing")
}

type recordingRunner struct {
	mu    sync.Mutex
	lines []string
	fail  map[string]bool
}

func (r *recordingRunner) Run(_ context.Context, in runner.Input) (*runner.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := in.Args[len(in.Args)-1]
	r.lines = append(r.lines, line)
	if r.fail[line] {
		return &runner.Output{ExitCode: 3}, &runner.ExitError{Command: in.Command, ExitCode: 3, Stderr: "boom"}
	}
	return &runner.Output{}, nil
}

type fixture struct {
	fs       afero.Fs
	registry *reconcile.MemoryRegistry
	runner   *recordingRunner
	ledger   *state.Manager
	lock     *fakeLock
	onPath   bool
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(body), 0o644))
	}
	ledger, err := state.NewManager("envforge", state.WithFs(fs), state.WithPath("/state/state.yaml"),
		state.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	require.NoError(t, err)

	return &fixture{
		fs:       fs,
		registry: reconcile.NewMemoryRegistry(nil),
		runner:   &recordingRunner{fail: map[string]bool{}},
		ledger:   ledger,
		lock:     &fakeLock{},
		onPath:   true,
	}
}

func (f *fixture) provisioner(opts Options) *Provisioner {
	if opts.Source == "" {
		opts.Source = "/work/env.yaml"
	}
	opts.ConfigRoot = "/home/u/.claude"
	opts.GOOS = "linux"
	return New(opts,
		WithFs(f.fs),
		WithFetcher(fetch.New(fetch.WithFs(f.fs))),
		WithCredentials(staticCreds{}),
		WithRegistry(f.registry),
		WithRunner(f.runner),
		WithLedger(f.ledger),
		WithLock(f.lock),
		WithLister(noLister{}),
		WithLookPath(func(string) (string, error) {
			if f.onPath {
				return "/usr/bin/claude", nil
			}
			return "", errors.New("not found")
		}),
	)
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	b, err := afero.ReadFile(f.fs, name)
	require.NoError(t, err)
	return string(b)
}

func teamFiles() map[string]string {
	return map[string]string{
		"/work/env.yaml":           teamDoc,
		"/work/agents/reviewer.md": "# reviewer\n",
		"/work/hooks/fmt.py":       "print('fmt')\n",
	}
}

func TestProvisioner_Run(t *testing.T) {
	t.Run("Should provision a local environment", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.registry = reconcile.NewMemoryRegistry(reconcile.Registrations{
			config.ScopeUser: {"search": true},
		})

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitOK, sum.ExitCode, sum.Warnings)
		assert.Equal(t, "team", sum.Profile)
		assert.NotEmpty(t, sum.RunID)

		assert.Equal(t, "# reviewer\n", f.read(t, "/home/u/.claude/agents/reviewer.md"))
		assert.Equal(t, "print('fmt')\n", f.read(t, "/home/u/.claude/hooks/fmt.py"))

		doc := f.read(t, "/home/u/.claude/settings.json")
		assert.Equal(t, "opus", gjson.Get(doc, "model").String())
		hook := gjson.Get(doc, "hooks.PostToolUse.0.hooks.0.command").String()
		assert.Contains(t, hook, "python3")
		assert.Contains(t, hook, "/home/u/.claude/hooks/fmt.py")
		allow := gjson.Get(doc, "permissions.allow").String()
		assert.Contains(t, allow, "mcp__search")
		assert.Contains(t, allow, "mcp__files")

		regs := f.registry.Registrations()
		assert.Equal(t, []config.Scope{config.ScopeProject}, regs.ScopesOf("search"))
		assert.Equal(t, []config.Scope{config.ScopeUser}, regs.ScopesOf("files"))

		assert.Equal(t, []string{"echo common", "echo linux"}, f.runner.lines)
		assert.Equal(t, 1, f.lock.acquired)
		assert.Equal(t, 1, f.lock.released)

		profile, ok := f.ledger.Profile("team")
		require.True(t, ok)
		assert.Equal(t, []string{"files", "search"}, profile.Integrations)
		assert.Equal(t, sum.RunID, profile.RunID)
		require.Len(t, f.ledger.Runs(), 1)
		assert.Equal(t, ExitOK, f.ledger.Runs()[0].ExitCode)
	})

	t.Run("Should finish with partial status when an optional resource fails", func(t *testing.T) {
		files := teamFiles()
		delete(files, "/work/agents/reviewer.md")
		f := newFixture(t, files)

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitPartial, sum.ExitCode)

		var failed []string
		for _, r := range sum.Resources {
			if r.Status == output.StatusFailed {
				failed = append(failed, r.Label)
			}
		}
		assert.Equal(t, []string{"agent:agents/reviewer.md"}, failed)

		// Everything else is still applied.
		assert.Equal(t, "print('fmt')\n", f.read(t, "/home/u/.claude/hooks/fmt.py"))
		assert.True(t, f.registry.Registrations().Has(config.ScopeProject, "search"))
	})

	t.Run("Should abort before any mutation when a required resource fails", func(t *testing.T) {
		files := teamFiles()
		delete(files, "/work/hooks/fmt.py")
		f := newFixture(t, files)

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, ExitFatal, sum.ExitCode)
		assert.NotEmpty(t, sum.Error)

		exists, _ := afero.Exists(f.fs, "/home/u/.claude/settings.json")
		assert.False(t, exists)
		assert.Empty(t, f.registry.Calls)
		assert.Empty(t, f.runner.lines)
		assert.Empty(t, f.ledger.Runs())
	})

	t.Run("Should fail on an invalid document", func(t *testing.T) {
		f := newFixture(t, map[string]string{"/work/env.yaml": "agents: [a.md]\n"})

		sum, err := f.provisioner(Options{}).Run(context.Background())
		var verrs config.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, ExitFatal, sum.ExitCode)
	})

	t.Run("Should fail when another run holds the lock", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.lock.err = state.ErrLocked

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.ErrorIs(t, err, state.ErrLocked)
		assert.Equal(t, ExitFatal, sum.ExitCode)
	})

	t.Run("Should report credential errors as fatal", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		p := f.provisioner(Options{})
		p.creds = staticCreds{err: errors.New("invalid auth header")}

		sum, err := p.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, ExitFatal, sum.ExitCode)
	})

	t.Run("Should remove integrations the profile no longer declares", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.ledger.Record(state.Profile{Name: "team", Integrations: []string{"legacy", "search"}})
		require.NoError(t, f.ledger.Save())
		f.registry = reconcile.NewMemoryRegistry(reconcile.Registrations{
			config.ScopeLocal: {"legacy": true},
		})

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitOK, sum.ExitCode)
		assert.Empty(t, f.registry.Registrations().ScopesOf("legacy"))

		var retired []string
		for _, row := range sum.Integrations {
			if row.Retired {
				retired = append(retired, row.Name)
			}
		}
		assert.Equal(t, []string{"legacy"}, retired)
	})

	t.Run("Should keep a retired integration owned when removal fails", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.ledger.Record(state.Profile{Name: "team", Integrations: []string{"legacy"}})
		require.NoError(t, f.ledger.Save())
		f.registry = reconcile.NewMemoryRegistry(reconcile.Registrations{
			config.ScopeLocal: {"legacy": true},
		})
		f.registry.RemoveErr = map[config.Scope]error{config.ScopeLocal: errors.New("locked store")}

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitPartial, sum.ExitCode)

		profile, _ := f.ledger.Profile("team")
		assert.Contains(t, profile.Integrations, "legacy")
	})

	t.Run("Should report dependency failures without stopping", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.runner.fail["echo common"] = true

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitPartial, sum.ExitCode)
		assert.Equal(t, []string{"echo common", "echo linux"}, f.runner.lines)
		require.Len(t, sum.Commands, 2)
		assert.Equal(t, output.StatusFailed, sum.Commands[0].Status)
		assert.Equal(t, 3, sum.Commands[0].ExitCode)
		assert.Equal(t, output.StatusOK, sum.Commands[1].Status)
	})

	t.Run("Should install the assistant CLI when missing", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.onPath = false

		_, err := f.provisioner(Options{InstallCommand: "install-cli"}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"install-cli", "echo common", "echo linux"}, f.runner.lines)
	})

	t.Run("Should skip installation when asked", func(t *testing.T) {
		f := newFixture(t, teamFiles())
		f.onPath = false

		_, err := f.provisioner(Options{SkipInstall: true, InstallCommand: "install-cli"}).Run(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, f.runner.lines, "install-cli")
	})

	t.Run("Should converge to the same state when run twice", func(t *testing.T) {
		f := newFixture(t, teamFiles())

		_, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		first := f.read(t, "/home/u/.claude/settings.json")
		regs := f.registry.Registrations()

		sum, err := f.provisioner(Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ExitOK, sum.ExitCode)
		assert.Equal(t, first, f.read(t, "/home/u/.claude/settings.json"))
		assert.Empty(t, sum.Settings)
		assert.Equal(t, regs, f.registry.Registrations())
		assert.Len(t, f.ledger.Runs(), 2)
	})
}

func TestProvisioner_OptionalSkillListingFailure(t *testing.T) {
	files := teamFiles()
	files["/work/env.yaml"] = teamDoc + `skills:
  - name: docs
    base-url: https://raw.githubusercontent.com/acme/skills/main/docs/
    files: ["**/*.md"]
`
	f := newFixture(t, files)

	sum, err := f.provisioner(Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitPartial, sum.ExitCode)

	assert.Equal(t, "# reviewer\n", f.read(t, "/home/u/.claude/agents/reviewer.md"))
	assert.True(t, f.registry.Registrations().Has(config.ScopeProject, "search"))
	assert.Equal(t, []string{"echo common", "echo linux"}, f.runner.lines)

	var failed []output.Resource
	for _, row := range sum.Resources {
		if row.Status == output.StatusFailed {
			failed = append(failed, row)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "skill:skills/docs", failed[0].Label)
	assert.False(t, failed[0].Required)
	assert.Contains(t, failed[0].Error, "unexpected tree listing")
}

func TestProvisioner_ReadsLedgerUnderLock(t *testing.T) {
	f := newFixture(t, teamFiles())
	f.registry = reconcile.NewMemoryRegistry(reconcile.Registrations{
		config.ScopeUser: {"legacy": true},
	})
	// Another run finishes and saves its ledger while this one waits for
	// the lock.
	f.lock.onAcquire = func() {
		other, err := state.NewManager("envforge", state.WithFs(f.fs), state.WithPath("/state/state.yaml"))
		require.NoError(t, err)
		other.Record(state.Profile{Name: "team", Integrations: []string{"legacy"}})
		require.NoError(t, other.Save())
	}

	sum, err := f.provisioner(Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitOK, sum.ExitCode)
	assert.False(t, f.registry.Registrations().Has(config.ScopeUser, "legacy"))
}

func TestProvisioner_DryRun(t *testing.T) {
	f := newFixture(t, teamFiles())
	f.registry = reconcile.NewMemoryRegistry(reconcile.Registrations{
		config.ScopeUser: {"search": true},
	})

	sum, err := f.provisioner(Options{DryRun: true}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, ExitOK, sum.ExitCode)

	exists, _ := afero.Exists(f.fs, "/home/u/.claude/agents/reviewer.md")
	assert.False(t, exists)
	exists, _ = afero.Exists(f.fs, "/home/u/.claude/settings.json")
	assert.False(t, exists)

	assert.Empty(t, f.registry.Calls)
	assert.Empty(t, f.runner.lines)
	assert.Empty(t, f.ledger.Runs())
	assert.Zero(t, f.lock.acquired)

	assert.Contains(t, sum.Settings, "model")
	for _, c := range sum.Commands {
		assert.Equal(t, output.StatusSkipped, c.Status)
	}
	require.NotEmpty(t, sum.Integrations)
	for _, row := range sum.Integrations {
		if row.Name == "search" {
			assert.Equal(t, "user", row.Prior)
			assert.Equal(t, "project", row.Final)
		}
	}
}

func TestProvisioner_Validate(t *testing.T) {
	f := newFixture(t, teamFiles())
	cfg, err := f.provisioner(Options{}).Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "team", cfg.Name)
	assert.Len(t, cfg.MCPServers, 2)
	assert.Empty(t, f.registry.Calls)
}
