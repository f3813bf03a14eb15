package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
)

func init() {
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune <description>",
	Short: "Delete the data of abandoned attempts at computing available blocks",
	Long: `Delete the data of abandoned attempts at computing available blocks.

Workers of timed out runs may leave partial data behind. Only run this once
no worker of the fileset is running any more.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	store, err := openFileset(args[0], blockfs.ReadWrite)
	if err != nil {
		return err
	}
	defer store.Close()

	var chunks, blocks int
	for _, roi := range store.AllBlockRois() {
		removed, err := store.Prune(roi.Start)
		if err != nil {
			return err
		}
		if removed > 0 {
			chunks += removed
			blocks++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d chunks from %d blocks\n", chunks, blocks)
	return nil
}
