package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/CliForge/envforge/internal/app"
	"github.com/CliForge/envforge/pkg/batch"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/output"
	"github.com/CliForge/envforge/pkg/progress"
	"github.com/CliForge/envforge/pkg/reconcile"
	"github.com/CliForge/envforge/pkg/runner"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/CliForge/envforge/pkg/state"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	var v *viper.Viper

	cmd := &cobra.Command{
		Use:   "envforge [source]",
		Short: "Provision a configured assistant environment from a declarative document",
		Long: `envforge provisions an assistant environment from a document that may be
a local file, a URL or the name of a library environment.

It fetches every referenced agent, command, hook and skill, writes them
under the config root, assembles settings.json, runs the declared
dependency commands and registers server integrations in exactly the
scopes the document asks for.

Exit codes:
  0  everything applied
  1  fatal configuration or fetch error, nothing applied
  2  applied with optional-resource, dependency or registration failures`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			v, err = newViper(cmd.Flags())
			if err != nil {
				return err
			}
			return loadEnvFile(v.GetString(flagEnvFile))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, v, args)
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("envforge %s (built %s)\n", version, buildDate))

	addGlobalFlags(cmd.PersistentFlags())

	flags := cmd.Flags()
	flags.String(flagConfig, "", "Configuration source, same as the positional argument")
	flags.String(flagConfigRoot, "", "Directory resources are installed into (default ~/.claude)")
	flags.String(flagSettings, "", "Settings document (default <config-root>/settings.json)")
	flags.String(flagProjectDir, "", "Project directory for project and local scopes (default current directory)")
	flags.Int(flagConcurrency, batch.DefaultConcurrency, "Parallel resource downloads")
	flags.Bool(flagDryRun, false, "Fetch and plan without writing anything")
	flags.Bool(flagSkipInstall, false, "Do not install the assistant CLI")
	flags.String(flagInstallCommand, app.DefaultInstallCommand, "Command that installs the assistant CLI")
	flags.Bool(flagJSON, false, "Print the summary as JSON")

	cmd.AddCommand(newValidateCmd(func() *viper.Viper { return v }))
	cmd.AddCommand(newAuthCmd(func() *viper.Viper { return v }))
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// sourceArg returns the positional source or ENVFORGE_CONFIG.
func sourceArg(v *viper.Viper, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	if s := strings.TrimSpace(v.GetString(flagConfig)); s != "" {
		return s, nil
	}
	return "", errors.New("no configuration source: pass one as an argument or set ENVFORGE_CONFIG")
}

func runProvision(cmd *cobra.Command, v *viper.Viper, args []string) error {
	src, err := sourceArg(v, args)
	if err != nil {
		return err
	}

	detector := secrets.NewDetector()
	log := setupLogging(v, detector)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, log)

	p, err := newProvisioner(v, detector, log, src)
	if err != nil {
		return err
	}

	sum, runErr := p.Run(ctx)
	if runErr != nil {
		log.Error("provisioning failed", "err", detector.MaskString(runErr.Error()))
	}

	format := "table"
	if v.GetBool(flagJSON) {
		format = "json"
	}
	formatter, err := output.For(format)
	if err != nil {
		return err
	}
	fc := output.NewFormatConfig().WithColors(isatty.IsTerminal(os.Stdout.Fd()))
	if err := formatter.Format(cmd.OutOrStdout(), sum, fc); err != nil {
		return err
	}

	if sum.ExitCode != app.ExitOK {
		return &exitError{code: sum.ExitCode}
	}
	return nil
}

func newProvisioner(v *viper.Viper, detector *secrets.Detector, log logger.Logger, src string) (*app.Provisioner, error) {
	fetcher, throttle := newFetcher(v, detector, log)
	// Only the assistant CLI and the shell that runs dependency lines.
	run := runner.NewExecRunner(reconcile.DefaultBinary, runner.ShellCommand())

	opts := app.Options{
		Source:         src,
		ConfigRoot:     v.GetString(flagConfigRoot),
		SettingsPath:   v.GetString(flagSettings),
		Concurrency:    v.GetInt(flagConcurrency),
		DryRun:         v.GetBool(flagDryRun),
		SkipInstall:    v.GetBool(flagSkipInstall),
		InstallCommand: v.GetString(flagInstallCommand),
	}

	registry := reconcile.NewCLIRegistry(run, reconcile.WithProjectDir(v.GetString(flagProjectDir)))

	ledger, err := state.NewManager(appName, state.WithDeferredLoad())
	if err != nil {
		return nil, err
	}

	prog := progress.New(&progress.Config{
		Enabled: !v.GetBool(flagJSON) && isatty.IsTerminal(os.Stderr.Fd()),
		Writer:  os.Stderr,
	})

	return app.New(opts,
		app.WithFetcher(fetcher),
		app.WithThrottle(throttle),
		app.WithCredentials(newResolver(v, log)),
		app.WithRegistry(registry),
		app.WithRunner(run),
		app.WithLedger(ledger),
		app.WithLock(state.NewRunLock(state.DefaultLockPath(appName))),
		app.WithLocator(source.Locator{DefaultBase: v.GetString(flagBase)}),
		app.WithProgress(prog),
		app.WithDetector(detector),
	), nil
}
