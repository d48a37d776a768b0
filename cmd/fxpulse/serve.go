package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refresh rates periodically and serve the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	svc, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer svc.Close()

	refresher, err := svc.Refresher()
	if err != nil {
		return err
	}
	server, err := svc.Server()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return refresher.Run(ctx, logger.Named("refresher"))
	})
	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")

	return nil
}
