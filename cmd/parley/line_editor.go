package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
)

var (
	errInputInterrupt = errors.New("chat: input interrupted")
	errInputEOF       = errors.New("chat: input eof")
)

// lineEditor reads console input one line at a time.
type lineEditor interface {
	ReadLine(prompt string) (string, error)
	Output() io.Writer
	Close() error
}

type lineEditorConfig struct {
	HistoryFile string
	// Commands are offered as /name completions.
	Commands []string
	// In and Out replace the terminal. Setting In always selects the plain
	// reader.
	In  io.Reader
	Out io.Writer
}

func newLineEditor(cfg lineEditorConfig) lineEditor {
	if cfg.In == nil && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
		if ed, err := newTerminalEditor(cfg); err == nil {
			return ed
		}
	}
	in, out := cfg.In, cfg.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &plainEditor{scanner: scanner, out: out}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// inputError folds the reader-specific end-of-input errors into the two the
// console understands.
func inputError(err error) error {
	switch {
	case errors.Is(err, readline.ErrInterrupt):
		return errInputInterrupt
	case errors.Is(err, io.EOF):
		return errInputEOF
	default:
		return err
	}
}

type terminalEditor struct {
	rl *readline.Instance
}

func newTerminalEditor(cfg lineEditorConfig) (*terminalEditor, error) {
	history := strings.TrimSpace(cfg.HistoryFile)
	if history != "" {
		if err := os.MkdirAll(filepath.Dir(history), 0o755); err != nil {
			return nil, errors.Wrap(err, "chat: create history dir")
		}
	}
	completions := make([]readline.PrefixCompleterInterface, 0, len(cfg.Commands))
	for _, name := range cfg.Commands {
		completions = append(completions, readline.PcItem("/"+name))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       history,
		AutoComplete:      readline.NewPrefixCompleter(completions...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "/exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return nil, err
	}
	return &terminalEditor{rl: rl}, nil
}

func (e *terminalEditor) ReadLine(prompt string) (string, error) {
	e.rl.SetPrompt(prompt)
	line, err := e.rl.Readline()
	if err != nil {
		return "", inputError(err)
	}
	return strings.TrimSpace(line), nil
}

func (e *terminalEditor) Output() io.Writer { return e.rl.Stdout() }

func (e *terminalEditor) Close() error { return e.rl.Close() }

// plainEditor serves pipes and tests.
type plainEditor struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (e *plainEditor) ReadLine(prompt string) (string, error) {
	fmt.Fprint(e.out, prompt)
	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return "", err
		}
		return "", errInputEOF
	}
	return strings.TrimSpace(e.scanner.Text()), nil
}

func (e *plainEditor) Output() io.Writer { return e.out }

func (e *plainEditor) Close() error { return nil }
