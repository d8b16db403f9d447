package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/parley/internal/app"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
)

// upstreamFlags are shared by send, regenerate, edit and chat.
type upstreamFlags struct {
	source   string
	model    string
	buffered bool
}

func (f *upstreamFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.source, "source", "", "source id (default defaults.source)")
	cmd.Flags().StringVar(&f.model, "model", "", "model name (default the source's first enabled model)")
	cmd.Flags().BoolVar(&f.buffered, "buffered", false, "request one non-streamed completion")
}

func (f *upstreamFlags) params(ctx context.Context, a *app.App, printer *streamPrinter) (runtime.Params, error) {
	ep, err := a.Endpoint(ctx, f.source, f.model)
	if err != nil {
		return runtime.Params{}, err
	}
	return runtime.Params{Endpoint: ep, Sink: printer, Buffered: f.buffered}, nil
}

type operation func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error)

func (c *cli) runOperation(cmd *cobra.Command, flags *upstreamFlags, op operation) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	printer := newStreamPrinter(cmd.OutOrStdout())
	params, err := flags.params(ctx, a, printer)
	if err != nil {
		return err
	}
	_, err = op(ctx, a.Runtime, params)
	return err
}

func newSendCommand(c *cli) *cobra.Command {
	var flags upstreamFlags
	cmd := &cobra.Command{
		Use:   "send <session-id> <prompt...>",
		Short: "Append a user turn and stream the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args[1:], " ")
			return c.runOperation(cmd, &flags, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
				return rt.Send(ctx, runtime.SendRequest{SessionID: args[0], Prompt: prompt, Params: p})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRegenerateCommand(c *cli) *cobra.Command {
	var flags upstreamFlags
	cmd := &cobra.Command{
		Use:     "regenerate <session-id> <index>",
		Aliases: []string{"regen"},
		Short:   "Drop turns from index on and request a new reply",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return c.runOperation(cmd, &flags, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
				return rt.Regenerate(ctx, runtime.RegenerateRequest{SessionID: args[0], Index: index, Params: p})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newEditCommand(c *cli) *cobra.Command {
	var flags upstreamFlags
	cmd := &cobra.Command{
		Use:   "edit <session-id> <index> <prompt...>",
		Short: "Replace the turn at index with a new prompt and request the reply",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			prompt := strings.Join(args[2:], " ")
			return c.runOperation(cmd, &flags, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
				return rt.Edit(ctx, runtime.EditRequest{SessionID: args[0], Index: index, Prompt: prompt, Params: p})
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "invalid turn index %q", raw)
	}
	return index, nil
}
