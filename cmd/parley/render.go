package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

var (
	userLabel      = color.New(color.FgGreen, color.Bold)
	assistantLabel = color.New(color.FgCyan, color.Bold)
	systemLabel    = color.New(color.FgYellow)
	errorLabel     = color.New(color.FgRed, color.Bold)
	dimText        = color.New(color.Faint)
)

func roleLabel(role model.Role) *color.Color {
	switch role {
	case model.RoleUser:
		return userLabel
	case model.RoleAssistant:
		return assistantLabel
	default:
		return systemLabel
	}
}

// streamPrinter writes deltas as they arrive and ends the line on the
// terminal event.
type streamPrinter struct {
	out     io.Writer
	partial bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) Emit(ev event.StreamEvent) error {
	switch ev.Status {
	case event.StatusOK:
		if !p.partial {
			assistantLabel.Fprint(p.out, "* ")
			p.partial = true
		}
		_, err := fmt.Fprint(p.out, ev.Delta)
		return err
	case event.StatusDone:
		p.endLine()
	case event.StatusError:
		p.endLine()
		errorLabel.Fprint(p.out, "! ")
		fmt.Fprintln(p.out, ev.Error)
	}
	return nil
}

func (p *streamPrinter) endLine() {
	if p.partial {
		fmt.Fprintln(p.out)
		p.partial = false
	}
}

type historyRenderer struct {
	out      io.Writer
	markdown *glamour.TermRenderer
}

// newHistoryRenderer renders assistant turns as markdown when render is set.
func newHistoryRenderer(out io.Writer, render bool, width int) (*historyRenderer, error) {
	h := &historyRenderer{out: out}
	if !render {
		return h, nil
	}
	style := "dark"
	if color.NoColor {
		style = "notty"
	}
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle(style), glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	h.markdown = r
	return h, nil
}

func (h *historyRenderer) Render(transcript session.Transcript) error {
	if len(transcript) == 0 {
		dimText.Fprintln(h.out, "(empty transcript)")
		return nil
	}
	for i, msg := range transcript {
		dimText.Fprintf(h.out, "[%d] ", i)
		roleLabel(msg.Role).Fprintf(h.out, "%s\n", msg.Role)
		content := msg.Content
		if h.markdown != nil && msg.Role == model.RoleAssistant {
			rendered, err := h.markdown.Render(content)
			if err != nil {
				return err
			}
			content = strings.TrimRight(rendered, "\n")
		}
		if _, err := fmt.Fprintf(h.out, "%s\n\n", content); err != nil {
			return err
		}
	}
	return nil
}

func printSessions(out io.Writer, sessions []*session.Session) {
	if len(sessions) == 0 {
		dimText.Fprintln(out, "(no sessions)")
		return
	}
	for _, sess := range sessions {
		last := sess.LastUserMessage
		if len([]rune(last)) > 48 {
			last = string([]rune(last)[:47]) + "…"
		}
		fmt.Fprintf(out, "%s  %-24s  %3d turns  %s  %s\n",
			sess.ID,
			sess.Name,
			sess.TurnCount,
			sess.UpdatedAt.Local().Format("2006-01-02 15:04"),
			last,
		)
	}
}
