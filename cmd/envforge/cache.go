package main

import (
	"fmt"
	"time"

	"github.com/CliForge/envforge/pkg/cache"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the resource cache",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Cache directory (default "+cache.Dir(appName)+")")

	open := func() (*cache.ResourceCache, error) {
		var opts []cache.Option
		if dir != "" {
			opts = append(opts, cache.WithDir(dir))
		}
		return cache.New(appName, opts...)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			n, err := c.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("removed %d cached resource(s)", n))
			return nil
		},
	})

	var maxAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached resources older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			n, err := c.Prune(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("pruned %d cached resource(s)", n))
			return nil
		},
	}
	prune.Flags().DurationVar(&maxAge, "max-age", cache.DefaultTTL, "Maximum age of kept entries")
	cmd.AddCommand(prune)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nsize:    %d bytes\ndir:     %s\n", st.TotalEntries, st.TotalSize, c.BaseDir)
			return nil
		},
	})

	return cmd
}
