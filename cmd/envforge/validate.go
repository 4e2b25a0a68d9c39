package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CliForge/envforge/internal/app"
	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newValidateCmd(vf func() *viper.Viper) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [source]",
		Short: "Load and validate an environment document",
		Long: `Load an environment document with its inheritance chain, resolve every
resource reference and validate the result. Nothing is fetched besides
the documents themselves and nothing is written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := vf()
			src, err := sourceArg(v, args)
			if err != nil {
				return err
			}

			detector := secrets.NewDetector()
			log := setupLogging(v, detector)
			fetcher, throttle := newFetcher(v, detector, log)

			p := app.New(app.Options{Source: src},
				app.WithFetcher(fetcher),
				app.WithThrottle(throttle),
				app.WithCredentials(newResolver(v, log)),
				app.WithLocator(source.Locator{DefaultBase: v.GetString(flagBase)}),
				app.WithDetector(detector),
			)

			cfg, err := p.Validate(cmd.Context())
			out := cmd.OutOrStdout()

			var verrs config.ValidationErrors
			if errors.As(err, &verrs) {
				for _, e := range verrs {
					fmt.Fprintln(out, pterm.Error.Sprint(e.Error()))
				}
				return &exitError{code: app.ExitFatal}
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}

			for _, w := range cfg.Warnings {
				fmt.Fprintln(out, pterm.Warning.Sprint(w))
			}
			fmt.Fprintln(out, pterm.Success.Sprintf("%s is valid", cfg.Name))
			fmt.Fprintf(out, "  documents:     %d\n", len(cfg.Chain))
			fmt.Fprintf(out, "  agents:        %d\n", len(cfg.Agents))
			fmt.Fprintf(out, "  commands:      %d\n", len(cfg.SlashCommands))
			fmt.Fprintf(out, "  hooks:         %d\n", len(cfg.Hooks.Files))
			fmt.Fprintf(out, "  skills:        %d\n", len(cfg.Skills))
			fmt.Fprintf(out, "  integrations:  %d\n", len(cfg.MCPServers))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the resolved document as JSON")

	return cmd
}
