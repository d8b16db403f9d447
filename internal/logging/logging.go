// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options selects level, output format and caller reporting.
type Options struct {
	Level      string
	Format     string
	WithCaller bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger from opts without touching global state.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "logging: parse level %q", raw)
		}
		level = parsed
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case FormatJSON:
	default:
		return zerolog.Nop(), errors.Errorf("logging: unknown format %q", opts.Format)
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.WithCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

// Setup installs the logger described by opts as log.Logger.
func Setup(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(logger.GetLevel())
	log.Logger = logger
	return nil
}
