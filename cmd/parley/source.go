package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/parley/kernel/session"
)

func newSourceCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage completion sources and their models",
	}
	cmd.AddCommand(
		newSourceAddCommand(c),
		newSourceListCommand(c),
		newSourceRemoveCommand(c),
		newSourceModelsCommand(c),
		newSourceSyncCommand(c),
	)
	return cmd
}

func newSourceAddCommand(c *cli) *cobra.Command {
	var src session.Source
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			src.Enabled = !disabled
			saved, err := a.Runtime.PutSource(ctx, src)
			if err != nil {
				return err
			}
			printSources(cmd.OutOrStdout(), []*session.Source{saved})
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&src.ID, "id", "", "source id")
	flags.StringVar(&src.Name, "name", "", "display name")
	flags.StringVar(&src.API, "api", "openai_compatible", "api dialect: openai|openai_compatible|deepseek|ollama")
	flags.StringVar(&src.BaseURL, "base-url", "", "base url of the api")
	flags.StringVar(&src.APIKey, "api-key", "", "api key")
	flags.BoolVar(&disabled, "disabled", false, "store the source disabled")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSourceListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sources",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			sources, err := a.Runtime.ListSources(ctx)
			if err != nil {
				return err
			}
			printSources(cmd.OutOrStdout(), sources)
			return nil
		},
	}
}

func newSourceRemoveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a source and its models",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Runtime.DeleteSource(ctx, args[0])
		},
	}
}

func newSourceModelsCommand(c *cli) *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:   "models <id>",
		Short: "List the stored models of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			if discover {
				remote, err := a.Runtime.DiscoverModels(ctx, args[0])
				if err != nil {
					return err
				}
				for _, m := range remote {
					fmt.Fprintf(out, "%s\t%s\t%d\n", m.Name, m.OwnedBy, m.ContextWindowTokens)
				}
				return nil
			}
			models, err := a.Runtime.ListModels(ctx, args[0])
			if err != nil {
				return err
			}
			printModels(out, models)
			return nil
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "ask the upstream instead of the catalog")
	return cmd
}

func newSourceSyncCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id>",
		Short: "Replace the stored models of a source with the upstream list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			models, err := a.Runtime.SyncModels(ctx, args[0])
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), models)
			return nil
		},
	}
}

func printSources(out io.Writer, sources []*session.Source) {
	if len(sources) == 0 {
		dimText.Fprintln(out, "(no sources)")
		return
	}
	for _, src := range sources {
		state := "enabled"
		if !src.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "%-16s %-18s %-8s %s\n", src.ID, src.API, state, src.BaseURL)
	}
}

func printModels(out io.Writer, models []session.ModelRecord) {
	if len(models) == 0 {
		dimText.Fprintln(out, "(no models)")
		return
	}
	for _, m := range models {
		mark := " "
		if m.Enabled {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, m.Name)
	}
}
