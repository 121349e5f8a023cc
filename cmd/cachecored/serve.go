package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coderisk/cachecore/internal/cache"
	"github.com/coderisk/cachecore/internal/gitcontext"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache with persistence and git-context tracking until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := cache.NewWithPersistence(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded, err := c.WarmFromPersistence(ctx)
	if err != nil {
		logger.WithError(err).Warn("cachecored: warm from persistence failed")
	} else {
		logger.WithField("loaded", loaded).Info("cachecored: warmed from persistence")
	}

	svc := gitcontext.NewExecService(".")
	if snap, err := gitcontext.Snapshot(ctx, svc); err == nil {
		c.SetGitContext(ctx, snap)
	} else {
		logger.WithError(err).Debug("cachecored: not running inside a git repository")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("cachecored: serving, press ctrl-c to stop")
	<-sigCh
	logger.Info("cachecored: shutting down")
	return nil
}
