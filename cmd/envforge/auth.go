package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/auth/storage"
	"github.com/CliForge/envforge/pkg/auth/types"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/secrets"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAuthCmd(vf func() *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage repository tokens",
		Long: `Store, remove and inspect the tokens used to fetch private documents.

Tokens are looked up in this order: --auth, environment variables
(GITHUB_TOKEN or GH_TOKEN, GITLAB_TOKEN, REPO_TOKEN), then storage.`,
	}

	cmd.AddCommand(newAuthLoginCmd(vf))
	cmd.AddCommand(newAuthLogoutCmd(vf))
	cmd.AddCommand(newAuthStatusCmd(vf))

	return cmd
}

func newAuthLoginCmd(vf func() *viper.Viper) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login <github|gitlab|generic>",
		Short: "Store a token for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := auth.ParseProvider(args[0])
			if err != nil {
				return err
			}

			if token == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Paste the %s token: ", provider)
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token is empty")
			}

			st, err := tokenStorage(vf())
			if err != nil {
				return err
			}
			err = st.SaveToken(cmd.Context(), auth.StorageKey(provider), &types.Token{
				AccessToken: token,
				TokenType:   "Bearer",
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("stored %s token %s", provider, secrets.Mask(token)))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token value (read from stdin when omitted)")

	return cmd
}

func newAuthLogoutCmd(vf func() *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <github|gitlab|generic>",
		Short: "Remove a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := auth.ParseProvider(args[0])
			if err != nil {
				return err
			}
			st, err := tokenStorage(vf())
			if err != nil {
				return err
			}
			if err := st.DeleteToken(cmd.Context(), auth.StorageKey(provider)); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
				return fmt.Errorf("failed to remove token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("removed %s token", provider))
			return nil
		},
	}
}

func newAuthStatusCmd(vf func() *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which credentials a run would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := vf()
			creds, err := newResolver(v, logger.GetDefault()).Resolve(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{{"PROVIDER", "SOURCE", "TOKEN"}}
			for _, entry := range []struct {
				provider source.Provider
				cred     auth.Credential
			}{
				{source.ProviderGitHub, creds.GitHub},
				{source.ProviderGitLab, creds.GitLab},
				{source.ProviderGeneric, creds.Generic},
			} {
				masked := ""
				if entry.cred.Present() {
					masked = secrets.Mask(entry.cred.Token)
				}
				rows = append(rows, []string{string(entry.provider), entry.cred.Origin(), masked})
			}
			if creds.HasOverride() {
				rows = append(rows, []string{"override", creds.Override.Name, secrets.Mask(creds.Override.Value)})
			}

			rendered, err := pterm.DefaultTable.WithHasHeader(true).WithData(rows).Srender()
			if err != nil {
				return fmt.Errorf("failed to render table: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}
