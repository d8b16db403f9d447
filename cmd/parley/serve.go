package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OnslaughtSnail/parley/internal/server"
)

func newServeCommand(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.Server.Addr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()
	srv, err := server.New(server.Config{
		Runtime:   a.Runtime,
		Endpoints: a,
		Events:    a.Bus,
		Token:     c.cfg.Server.Token,
		Logger:    &log.Logger,
	})
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx, c.cfg.Server.Addr)
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	})
	return eg.Wait()
}
