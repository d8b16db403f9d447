package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/parley/internal/app"
	"github.com/OnslaughtSnail/parley/internal/config"
	"github.com/OnslaughtSnail/parley/internal/logging"
	"github.com/OnslaughtSnail/parley/internal/version"
	"github.com/OnslaughtSnail/parley/kernel/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(&cli{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	configFile string
	logLevel   string
	logFormat  string
	withCaller bool

	cfg *config.Config
	// newLLM replaces the upstream client factory in tests.
	newLLM func(model.Endpoint) (model.LLM, error)
	// stdin feeds the chat console when it is not a terminal.
	stdin io.Reader
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational sessions against OpenAI-compatible completion endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default ./parley.yaml or ~/.parley/parley.yaml)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.StringVar(&c.logFormat, "log-format", "", "log format: console|json")
	flags.BoolVar(&c.withCaller, "with-caller", false, "include caller in log lines")

	root.AddCommand(
		newServeCommand(c),
		newSessionCommand(c),
		newHistoryCommand(c),
		newSendCommand(c),
		newRegenerateCommand(c),
		newEditCommand(c),
		newChatCommand(c),
		newSourceCommand(c),
		newVersionCommand(),
	)
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	overrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		overrides["log.level"] = c.logLevel
	}
	if flags.Changed("log-format") {
		overrides["log.format"] = c.logFormat
	}
	if flags.Changed("with-caller") {
		overrides["log.caller"] = c.withCaller
	}
	cfg, used, err := config.Load(config.Options{File: c.configFile, Overrides: overrides})
	if err != nil {
		return err
	}
	if err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		WithCaller: cfg.Log.Caller,
		Output:     cmd.ErrOrStderr(),
	}); err != nil {
		return err
	}
	if used != "" {
		log.Debug().Str("path", used).Msg("config loaded")
	}
	c.cfg = cfg
	return nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	var opts []app.Option
	if c.newLLM != nil {
		opts = append(opts, app.WithLLMFactory(c.newLLM))
	}
	return app.New(ctx, c.cfg, log.Logger, opts...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}
