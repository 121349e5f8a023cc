package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderisk/cachecore/internal/cache"
	"github.com/coderisk/cachecore/internal/identity"
)

var (
	invalidateFile   string
	invalidateSymbol string
	invalidateDepth  int
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate a file's nodes, or a single symbol and its reachable neighbors",
	RunE:  runInvalidate,
}

func init() {
	invalidateCmd.Flags().StringVar(&invalidateFile, "file", "", "invalidate every node belonging to this file")
	invalidateCmd.Flags().StringVar(&invalidateSymbol, "symbol", "", "invalidate this symbol (requires --file)")
	invalidateCmd.Flags().IntVar(&invalidateDepth, "depth", 1, "invalidation graph hops when --symbol is set")
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	if invalidateFile == "" {
		return fmt.Errorf("invalidate: --file is required")
	}

	c, err := cache.NewWithPersistence(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if invalidateSymbol != "" {
		id := identity.NodeId{File: invalidateFile, Symbol: invalidateSymbol}
		c.InvalidateNode(id, invalidateDepth)
		fmt.Printf("invalidated %s within %d hops\n", id, invalidateDepth)
		return nil
	}

	c.InvalidateFile(invalidateFile)
	fmt.Printf("invalidated all nodes in %s\n", invalidateFile)
	return nil
}
