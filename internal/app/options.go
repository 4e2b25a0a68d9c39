package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/install"
	"github.com/CliForge/envforge/pkg/progress"
	"github.com/CliForge/envforge/pkg/reconcile"
	"github.com/CliForge/envforge/pkg/runner"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/CliForge/envforge/pkg/state"
	"github.com/spf13/afero"
)

// DefaultInstallCommand installs the assistant CLI when it is missing.
const DefaultInstallCommand = "npm install -g @anthropic-ai/claude-code"

// Options are the per-run settings, usually bound from flags.
type Options struct {
	// Source is the configuration document: a path, URL or library name.
	Source string
	// ConfigRoot receives installed resources, ~/.claude by default.
	ConfigRoot string
	// SettingsPath is the settings document, <ConfigRoot>/settings.json by
	// default.
	SettingsPath string
	Concurrency  int
	DryRun       bool
	SkipInstall  bool
	// InstallCommand is run through the shell when the assistant CLI is
	// not on PATH.
	InstallCommand string
	// Binary is the assistant CLI name looked up on PATH.
	Binary string
	// GOOS selects the platform dependency list.
	GOOS string
}

func (o Options) withDefaults() Options {
	if o.ConfigRoot == "" {
		home, _ := os.UserHomeDir()
		o.ConfigRoot = filepath.Join(home, ".claude")
	}
	if o.SettingsPath == "" {
		o.SettingsPath = filepath.Join(o.ConfigRoot, "settings.json")
	}
	if o.InstallCommand == "" {
		o.InstallCommand = DefaultInstallCommand
	}
	if o.Binary == "" {
		o.Binary = reconcile.DefaultBinary
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	return o
}

// Fetcher fetches one document or resource.
type Fetcher interface {
	Fetch(ctx context.Context, desc source.Descriptor, creds auth.Credentials) fetch.Result
}

// CredentialResolver produces the credentials for a run.
type CredentialResolver interface {
	Resolve(ctx context.Context) (auth.Credentials, error)
}

// Locker serializes runs.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithFs sets the filesystem resources and settings are written to.
func WithFs(fs afero.Fs) Option {
	return func(p *Provisioner) {
		if fs != nil {
			p.fs = fs
		}
	}
}

// WithFetcher sets the fetcher used for documents and resources.
func WithFetcher(f Fetcher) Option {
	return func(p *Provisioner) {
		p.fetcher = f
	}
}

// WithThrottle sets the throttle consulted before each batch dispatch.
func WithThrottle(t *fetch.Throttle) Option {
	return func(p *Provisioner) {
		p.throttle = t
	}
}

// WithCredentials sets the credential resolver.
func WithCredentials(r CredentialResolver) Option {
	return func(p *Provisioner) {
		p.creds = r
	}
}

// WithRegistry sets the integration registry.
func WithRegistry(r reconcile.Registry) Option {
	return func(p *Provisioner) {
		p.registry = r
	}
}

// WithRunner sets the command runner for dependencies and installation.
func WithRunner(r runner.Runner) Option {
	return func(p *Provisioner) {
		p.runner = r
	}
}

// WithLedger sets the state ledger.
func WithLedger(m *state.Manager) Option {
	return func(p *Provisioner) {
		p.ledger = m
	}
}

// WithLock sets the run lock.
func WithLock(l Locker) Option {
	return func(p *Provisioner) {
		p.lock = l
	}
}

// WithLister sets the tree lister for remote skill patterns.
func WithLister(l install.TreeLister) Option {
	return func(p *Provisioner) {
		p.lister = l
	}
}

// WithLocator sets the locator for named sources.
func WithLocator(l source.Locator) Option {
	return func(p *Provisioner) {
		p.locator = l
	}
}

// WithProgress sets the fetch phase indicator.
func WithProgress(pr progress.Progress) Option {
	return func(p *Provisioner) {
		if pr != nil {
			p.progress = pr
		}
	}
}

// WithDetector sets the secret detector used on reported errors.
func WithDetector(d *secrets.Detector) Option {
	return func(p *Provisioner) {
		if d != nil {
			p.detector = d
		}
	}
}

// WithLookPath replaces the PATH lookup for the assistant CLI.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *Provisioner) {
		if fn != nil {
			p.lookPath = fn
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}
