package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/ndarray"
)

var invalidateAll bool

func init() {
	invalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "Invalidate every block")
	rootCmd.AddCommand(invalidateCmd)
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <description> [block roi]...",
	Short: "Mark blocks as not available so the next run recomputes them",
	Long: `Mark blocks as not available so the next run recomputes them.

Blocks are given as rois, e.g. "[(0, 0, 0), (500, 500, 1)]", and must match
a block of the fileset exactly.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvalidate,
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	if invalidateAll == (len(args) > 1) {
		return fmt.Errorf("pass either --all or at least one block roi")
	}

	store, err := openFileset(args[0], blockfs.ReadWrite)
	if err != nil {
		return err
	}
	defer store.Close()

	var rois []ndarray.Roi
	if invalidateAll {
		rois = store.AllBlockRois()
	} else {
		for _, arg := range args[1:] {
			roi, err := ndarray.ParseRoi(arg)
			if err != nil {
				return err
			}
			if !store.Grid().IsBlock(roi) {
				block, err := store.BlockRoiAt(roi.Start)
				if err != nil {
					return err
				}
				return fmt.Errorf("%w: %v is not a block, did you mean %v?", blockfs.ErrBlockAlignment, roi, block)
			}
			rois = append(rois, roi)
		}
	}

	for _, roi := range rois {
		if err := store.Invalidate(roi.Start); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d blocks\n", len(rois))
	return nil
}
