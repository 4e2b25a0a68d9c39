// Package app wires the provisioning pipeline: resolve credentials, load
// the environment document, fetch every referenced resource, install it,
// assemble settings, run dependencies and reconcile integrations.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/batch"
	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/install"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/output"
	"github.com/CliForge/envforge/pkg/progress"
	"github.com/CliForge/envforge/pkg/reconcile"
	"github.com/CliForge/envforge/pkg/runner"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/CliForge/envforge/pkg/settings"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/CliForge/envforge/pkg/state"
	"github.com/spf13/afero"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// Provisioner runs one provisioning pipeline.
type Provisioner struct {
	opts     Options
	fs       afero.Fs
	fetcher  Fetcher
	throttle *fetch.Throttle
	creds    CredentialResolver
	registry reconcile.Registry
	runner   runner.Runner
	ledger   *state.Manager
	lock     Locker
	lister   install.TreeLister
	locator  source.Locator
	progress progress.Progress
	detector *secrets.Detector
	lookPath func(string) (string, error)
	now      func() time.Time
}

// New creates a provisioner. Collaborators that are not supplied get their
// production implementation.
func New(opts Options, options ...Option) *Provisioner {
	p := &Provisioner{
		opts:     opts.withDefaults(),
		fs:       afero.NewOsFs(),
		progress: progress.Noop{},
		detector: secrets.NewDetector(),
		lookPath: runner.LookPath,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(p)
	}

	if p.fetcher == nil {
		p.fetcher = fetch.New(fetch.WithFs(p.fs), fetch.WithThrottle(p.throttle))
	}
	if p.creds == nil {
		p.creds = auth.NewResolver()
	}
	if p.runner == nil {
		p.runner = runner.NewExecRunner(p.opts.Binary, runner.ShellCommand())
	}
	if p.registry == nil {
		p.registry = reconcile.NewCLIRegistry(p.runner, reconcile.WithFs(p.fs), reconcile.WithBinary(p.opts.Binary))
	}
	return p
}

// Options returns the effective options.
func (p *Provisioner) Options() Options {
	return p.opts
}

// Run provisions the environment. The summary is always returned. A
// non-nil error means the run was fatal and nothing was applied.
func (p *Provisioner) Run(ctx context.Context) (*output.Summary, error) {
	started := p.now()
	runID := state.NewRunID()
	sum := &output.Summary{
		RunID:      runID,
		Source:     p.opts.Source,
		DryRun:     p.opts.DryRun,
		ConfigRoot: p.opts.ConfigRoot,
	}
	defer func() { sum.Duration = p.now().Sub(started) }()

	log := logger.FromContext(ctx).With("run", runID)
	ctx = logger.ContextWithLogger(ctx, log)

	fatal := func(err error) (*output.Summary, error) {
		sum.ExitCode = ExitFatal
		sum.Error = p.detector.MaskString(err.Error())
		return sum, err
	}

	if p.lock != nil && !p.opts.DryRun {
		if err := p.lock.Acquire(ctx); err != nil {
			return fatal(err)
		}
		defer func() {
			if err := p.lock.Release(); err != nil {
				log.Warn("failed to release run lock", "err", err)
			}
		}()
	}

	// The ledger is read under the lock so a concurrent run cannot change it
	// between this read and our save.
	if p.ledger != nil {
		if err := p.ledger.Reload(); err != nil {
			return fatal(fmt.Errorf("state: %w", err))
		}
	}

	creds, err := p.creds.Resolve(ctx)
	if err != nil {
		return fatal(fmt.Errorf("credentials: %w", err))
	}
	p.detector.AddKnown(creds.GitHub.Token, creds.GitLab.Token, creds.Generic.Token, creds.Override.Value)

	cfg, err := p.load(ctx, creds)
	if cfg != nil {
		sum.Profile = cfg.Name
		sum.Warnings = append(sum.Warnings, cfg.Warnings...)
	}
	if err != nil {
		return fatal(err)
	}
	log = log.With("profile", cfg.Name)
	ctx = logger.ContextWithLogger(ctx, log)

	plan, err := p.planner(ctx, creds).Plan(ctx, cfg)
	if err != nil {
		return fatal(fmt.Errorf("plan: %w", err))
	}

	report, err := p.fetchAll(ctx, plan, creds)
	sum.Resources = p.resourceRows(plan, report)
	if err != nil {
		return fatal(err)
	}

	retired := p.retired(cfg)

	if p.opts.DryRun {
		p.dryRun(ctx, cfg, plan, report, retired, sum)
		sum.ExitCode = exitCode(sum, false)
		return sum, nil
	}

	installer := install.NewInstaller(p.fs, p.opts.ConfigRoot)
	written, failures := installer.Materialize(plan.Items, report)
	for idx, werr := range failures {
		sum.Resources[idx].Status = output.StatusFailed
		sum.Resources[idx].Error = p.detector.MaskString(werr.Error())
	}

	settingsFailed := false
	changes, err := settings.NewStore(p.fs, p.opts.SettingsPath).Update(p.sections(cfg, written))
	if err != nil {
		settingsFailed = true
		sum.Warnings = append(sum.Warnings, p.detector.MaskString("settings: "+err.Error()))
		log.Error("failed to update settings", "path", p.opts.SettingsPath, "err", err)
	}
	sum.Settings = updatedKeys(changes)

	sum.Commands = append(sum.Commands, p.installBase(ctx)...)
	sum.Commands = append(sum.Commands, p.runDependencies(ctx, cfg)...)

	outcomes := reconcile.New(p.registry).Reconcile(ctx, cfg.MCPServers, retired)
	sum.Integrations = p.integrationRows(outcomes)

	sum.ExitCode = exitCode(sum, settingsFailed)
	p.record(cfg, written, outcomes, report, sum, started)
	return sum, nil
}

// Validate loads and validates the document without fetching resources.
func (p *Provisioner) Validate(ctx context.Context) (*config.EnvironmentConfig, error) {
	creds, err := p.creds.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return p.load(ctx, creds)
}

func (p *Provisioner) load(ctx context.Context, creds auth.Credentials) (*config.EnvironmentConfig, error) {
	loader := config.NewLoader(
		config.WithFs(p.fs),
		config.WithFetcher(p.fetcher),
		config.WithCredentials(creds),
		config.WithLocator(p.locator),
	)
	return loader.Load(ctx, p.opts.Source)
}

func (p *Provisioner) planner(ctx context.Context, creds auth.Credentials) *install.Planner {
	lister := p.lister
	if lister == nil {
		lister = install.NewGitHubLister(ctx, creds.GitHub.Token, install.WithListerThrottle(p.throttle))
	}
	return install.NewPlanner(install.NewSkillExpander(p.fs, lister))
}

func (p *Provisioner) fetchAll(ctx context.Context, plan install.Plan, creds auth.Credentials) (batch.Report, error) {
	counter := progress.NewCounter(p.progress, "fetching resources", len(plan.Items))
	if err := counter.Start(); err != nil {
		logger.FromContext(ctx).Debug("progress unavailable", "err", err)
	}

	report, err := batch.Run(ctx, p.fetcher, plan.Requests(), creds, batch.Options{
		Concurrency: p.opts.Concurrency,
		Throttle:    p.throttle,
		OnResult: func(_ int, item batch.Item) {
			counter.Done(item.Result.OK())
		},
	})
	_ = counter.Finish()

	for _, item := range report.OptionalFailures() {
		logger.FromContext(ctx).Warn("optional resource failed",
			"resource", item.Request.Label, "err", p.detector.MaskString(item.Result.Failure().Error()))
	}
	return report, err
}

// sections builds the settings the environment owns from the installed
// files.
func (p *Provisioner) sections(cfg *config.EnvironmentConfig, written []install.Written) settings.Sections {
	s := settings.Sections{
		Model:       cfg.Model,
		Env:         cfg.EnvVariables,
		Permissions: cfg.Permissions,
		OutputStyle: cfg.OutputStyle,
	}

	if events := install.RewriteHookEvents(cfg.Hooks.Events, install.HookIndex(written)); len(events) > 0 {
		s.Hooks = settings.HooksFrom(events)
	}

	if cfg.StatusLine != nil {
		for _, w := range written {
			if w.Item.Kind == install.KindStatusLine {
				s.StatusLine = &settings.StatusLine{
					Type:    "command",
					Command: install.ScriptCommand(w.Path),
					Padding: cfg.StatusLine.Padding,
				}
			}
		}
	}

	for _, in := range cfg.MCPServers {
		s.AllowIntegrations = append(s.AllowIntegrations, in.Name)
	}
	return s
}

func (p *Provisioner) installBase(ctx context.Context) []output.Command {
	if p.opts.SkipInstall {
		return nil
	}
	if path, err := p.lookPath(p.opts.Binary); err == nil {
		logger.FromContext(ctx).Debug("assistant CLI present", "path", path)
		return nil
	}
	logger.FromContext(ctx).Info("installing assistant CLI", "command", p.opts.InstallCommand)
	return []output.Command{p.runCommand(ctx, p.opts.InstallCommand)}
}

// runDependencies runs the common commands, then the platform list, in
// declared order. Failures are reported and never stop the next command.
func (p *Provisioner) runDependencies(ctx context.Context, cfg *config.EnvironmentConfig) []output.Command {
	var rows []output.Command
	for _, line := range cfg.DependenciesFor(p.opts.GOOS) {
		rows = append(rows, p.runCommand(ctx, line))
	}
	return rows
}

func (p *Provisioner) runCommand(ctx context.Context, line string) output.Command {
	row := output.Command{Command: p.detector.MaskString(line), Status: output.StatusOK}
	out, err := p.runner.Run(ctx, runner.Shell(line))
	if out != nil {
		row.ExitCode = out.ExitCode
	}
	if err != nil {
		row.Status = output.StatusFailed
		row.Error = p.detector.MaskString(err.Error())
		var exitErr *runner.ExitError
		if !errors.As(err, &exitErr) && row.ExitCode == 0 {
			row.ExitCode = -1
		}
		logger.FromContext(ctx).Warn("command failed", "command", row.Command, "err", row.Error)
	}
	return row
}

func (p *Provisioner) retired(cfg *config.EnvironmentConfig) []string {
	if p.ledger == nil {
		return nil
	}
	return p.ledger.Retired(cfg.Name, integrationNames(cfg.MCPServers))
}

// dryRun computes what a run would change without touching the config
// root, the settings document or the registry.
func (p *Provisioner) dryRun(ctx context.Context, cfg *config.EnvironmentConfig, plan install.Plan, report batch.Report, retired []string, sum *output.Summary) {
	var written []install.Written
	for idx, item := range report.Items {
		if item.Result.OK() {
			it := plan.Items[idx]
			written = append(written, install.Written{Item: it, Path: install.DestPath(p.opts.ConfigRoot, it.Dest)})
		}
	}

	store := settings.NewStore(p.fs, p.opts.SettingsPath)
	existing, err := store.Load()
	if err == nil {
		_, changes, aerr := settings.Apply(existing, p.sections(cfg, written))
		err = aerr
		sum.Settings = updatedKeys(changes)
	}
	if err != nil {
		sum.Warnings = append(sum.Warnings, "settings: "+err.Error())
	}

	snapshot, err := p.registry.List(ctx)
	if err != nil {
		sum.Warnings = append(sum.Warnings, p.detector.MaskString("registry: "+err.Error()))
		snapshot = nil
	}
	outcomes := reconcile.New(reconcile.NewMemoryRegistry(snapshot)).Reconcile(ctx, cfg.MCPServers, retired)
	sum.Integrations = p.integrationRows(outcomes)

	for _, line := range cfg.DependenciesFor(p.opts.GOOS) {
		sum.Commands = append(sum.Commands, output.Command{Command: p.detector.MaskString(line), Status: output.StatusSkipped})
	}
}

func (p *Provisioner) record(cfg *config.EnvironmentConfig, written []install.Written, outcomes []reconcile.Outcome, report batch.Report, sum *output.Summary, started time.Time) {
	if p.ledger == nil {
		return
	}

	owned := integrationNames(cfg.MCPServers)
	for _, o := range outcomes {
		// A retired integration that could not be removed stays owned so the
		// next run retries it.
		if o.Retired && o.Failed() {
			owned = append(owned, o.Name)
		}
	}
	var resources []string
	for _, w := range written {
		resources = append(resources, w.Item.Dest)
	}

	p.ledger.Record(state.Profile{
		Name:         cfg.Name,
		Source:       p.opts.Source,
		Integrations: owned,
		Resources:    resources,
		RunID:        sum.RunID,
	})
	_, failed := sum.Counts()
	p.ledger.AddRun(state.Run{
		ID:         sum.RunID,
		Profile:    cfg.Name,
		Source:     p.opts.Source,
		StartedAt:  started,
		FinishedAt: p.now(),
		ExitCode:   sum.ExitCode,
		Fetched:    len(report.Succeeded()),
		Failed:     failed,
	})
	if err := p.ledger.Save(); err != nil {
		sum.Warnings = append(sum.Warnings, "state: "+err.Error())
	}
}

func exitCode(sum *output.Summary, settingsFailed bool) int {
	if _, failed := sum.Counts(); failed > 0 || settingsFailed {
		return ExitPartial
	}
	return ExitOK
}

func integrationNames(in []config.Integration) []string {
	names := make([]string, 0, len(in))
	for _, i := range in {
		names = append(names, i.Name)
	}
	return names
}

func updatedKeys(changes []settings.Change) []string {
	var keys []string
	for _, c := range changes {
		if c.Updated {
			keys = append(keys, c.Key)
		}
	}
	return keys
}
