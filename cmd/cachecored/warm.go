package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderisk/cachecore/internal/cache"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Load nodes from the durable store into the in-memory tier and report the count",
	RunE:  runWarm,
}

func runWarm(cmd *cobra.Command, args []string) error {
	c, err := cache.NewWithPersistence(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	loaded, err := c.WarmFromPersistence(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("warmed %d nodes\n", loaded)
	return nil
}
