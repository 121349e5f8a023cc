package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderisk/cachecore/internal/cache"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print in-memory and durable-store counters",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := cache.NewWithPersistence(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("total_nodes:          %d\n", stats.TotalNodes)
	fmt.Printf("total_ids:            %d\n", stats.TotalIDs)
	fmt.Printf("total_files:          %d\n", stats.TotalFiles)
	fmt.Printf("total_edges:          %d\n", stats.TotalEdges)
	fmt.Printf("inflight:             %d\n", stats.Inflight)
	fmt.Printf("persistence_enabled:  %t\n", stats.PersistenceEnabled)
	if stats.PersistenceEnabled {
		fmt.Printf("persistent_nodes:     %d\n", stats.PersistentNodes)
		fmt.Printf("persistent_size_bytes: %d\n", stats.PersistentSizeBytes)
		fmt.Printf("disk_size_bytes:      %d\n", stats.DiskSizeBytes)
	}
	return nil
}
