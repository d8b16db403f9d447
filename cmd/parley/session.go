package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/parley/internal/export"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

func newSessionCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, list, rename and delete sessions",
	}
	var owner, workspace string
	cmd.PersistentFlags().StringVar(&owner, "owner", runtime.DefaultOwnerID, "owner id")
	cmd.PersistentFlags().StringVar(&workspace, "workspace", runtime.DefaultWorkspaceID, "workspace id")

	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a session and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			sess, err := a.Runtime.CreateSession(cmd.Context(), runtime.CreateSessionRequest{OwnerID: owner, WorkspaceID: workspace, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.Runtime.ListSessions(cmd.Context(), session.ListFilter{OwnerID: owner, WorkspaceID: workspace, Limit: limit})
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions (0 = all)")

	rename := &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Runtime.RenameSession(cmd.Context(), args[0], args[1])
		},
	}

	remove := &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session and its transcript",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Runtime.DeleteSession(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, rename, remove)
	return cmd
}

func newHistoryCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or export the committed transcript of a session",
	}

	var render bool
	var width int
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			transcript, err := a.Runtime.ListHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			r, err := newHistoryRenderer(cmd.OutOrStdout(), render, width)
			if err != nil {
				return err
			}
			return r.Render(transcript)
		},
	}
	show.Flags().BoolVar(&render, "render", false, "render assistant turns as markdown")
	show.Flags().IntVar(&width, "width", 100, "wrap width for --render")

	var format, output string
	exportCmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export the transcript as json, jsonl, yaml or md",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.New(format)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			sess, err := a.Runtime.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			transcript, err := a.Runtime.ListHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			doc := export.NewDocument(sess, transcript)
			if output == "" {
				return exporter.Export(doc, cmd.OutOrStdout())
			}
			if info, err := os.Stat(output); err == nil && info.IsDir() {
				output = filepath.Join(output, sess.ID+"."+exporter.Extension())
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := exporter.Export(doc, f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "wrote", output)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "md", "json|jsonl|yaml|md")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (default stdout)")

	cmd.AddCommand(show, exportCmd)
	return cmd
}
