package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/parley/internal/app"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

var chatCommands = []string{"help", "history", "regen", "edit", "new", "exit"}

func newChatCommand(c *cli) *cobra.Command {
	var flags upstreamFlags
	var sessionID, name string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive console on one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			editor := newLineEditor(lineEditorConfig{
				HistoryFile: filepath.Join(c.cfg.DataDir, "chat_history"),
				Commands:    chatCommands,
				In:          c.stdin,
				Out:         cmd.OutOrStdout(),
			})
			defer editor.Close()
			con := &console{app: a, flags: &flags, editor: editor, out: editor.Output()}
			if err := con.open(ctx, sessionID, name); err != nil {
				return err
			}
			return con.loop(ctx)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "resume this session instead of creating one")
	cmd.Flags().StringVar(&name, "name", "", "name of the new session")
	return cmd
}

type console struct {
	app       *app.App
	flags     *upstreamFlags
	editor    lineEditor
	out       io.Writer
	sessionID string
}

func (c *console) open(ctx context.Context, sessionID, name string) error {
	if sessionID != "" {
		sess, err := c.app.Runtime.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		c.sessionID = sess.ID
		dimText.Fprintf(c.out, "resumed %s (%s)\n", sess.ID, sess.Name)
		return nil
	}
	sess, err := c.app.Runtime.CreateSession(ctx, runtime.CreateSessionRequest{Name: name})
	if err != nil {
		return err
	}
	c.sessionID = sess.ID
	dimText.Fprintf(c.out, "session %s, /help for commands\n", sess.ID)
	return nil
}

func (c *console) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := c.editor.ReadLine("> ")
		if errors.Is(err, errInputEOF) || errors.Is(err, errInputInterrupt) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			c.report(c.run(ctx, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
				return rt.Send(ctx, runtime.SendRequest{SessionID: c.sessionID, Prompt: line, Params: p})
			}))
			continue
		}
		done, err := c.command(ctx, line)
		if err != nil {
			c.report(err)
		}
		if done {
			return nil
		}
	}
}

func (c *console) command(ctx context.Context, line string) (bool, error) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(c.out, "/history            show the transcript")
		fmt.Fprintln(c.out, "/regen [index]      regenerate from index (default the last reply)")
		fmt.Fprintln(c.out, "/edit <index> text  replace the turn at index")
		fmt.Fprintln(c.out, "/new [name]         start a new session")
		fmt.Fprintln(c.out, "/exit               leave")
		return false, nil
	case "history":
		transcript, err := c.app.Runtime.ListHistory(ctx, c.sessionID)
		if runtime.IsNotFound(err) {
			dimText.Fprintln(c.out, "(empty transcript)")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		r, err := newHistoryRenderer(c.out, false, 0)
		if err != nil {
			return false, err
		}
		return false, r.Render(transcript)
	case "regen":
		var index int
		if rest != "" {
			parsed, err := parseIndex(rest)
			if err != nil {
				return false, err
			}
			index = parsed
		} else {
			transcript, err := c.app.Runtime.ListHistory(ctx, c.sessionID)
			if err != nil {
				return false, err
			}
			index = lastAssistantIndex(transcript)
		}
		return false, c.run(ctx, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
			return rt.Regenerate(ctx, runtime.RegenerateRequest{SessionID: c.sessionID, Index: index, Params: p})
		})
	case "edit":
		rawIndex, prompt, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(prompt) == "" {
			return false, errors.New("usage: /edit <index> <text>")
		}
		index, err := parseIndex(rawIndex)
		if err != nil {
			return false, err
		}
		return false, c.run(ctx, func(ctx context.Context, rt *runtime.Runtime, p runtime.Params) (*runtime.Result, error) {
			return rt.Edit(ctx, runtime.EditRequest{SessionID: c.sessionID, Index: index, Prompt: strings.TrimSpace(prompt), Params: p})
		})
	case "new":
		return false, c.open(ctx, "", rest)
	default:
		return false, errors.Errorf("unknown command /%s", name)
	}
}

func (c *console) run(ctx context.Context, op operation) error {
	printer := newStreamPrinter(c.out)
	params, err := c.flags.params(ctx, c.app, printer)
	if err != nil {
		return err
	}
	result, err := op(ctx, c.app.Runtime, params)
	if result != nil {
		// The terminal event already printed the failure.
		return nil
	}
	return err
}

func (c *console) report(err error) {
	if err == nil {
		return
	}
	errorLabel.Fprint(c.out, "! ")
	fmt.Fprintln(c.out, err)
}

// lastAssistantIndex is the index of the last assistant turn, or the
// transcript length when there is none.
func lastAssistantIndex(transcript session.Transcript) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == model.RoleAssistant {
			return i
		}
	}
	return len(transcript)
}
