package main

import (
	"fmt"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
)

var listPending bool

func init() {
	statusCmd.Flags().BoolVar(&listPending, "pending", false, "List the blocks that are not available")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <description>",
	Short: "Summarize which blocks are available",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openFileset(args[0], blockfs.ReadOnly)
	if err != nil {
		return err
	}
	defer store.Close()

	desc := store.Description()
	if !desc.Initialized() {
		return fmt.Errorf("%s has no blocking scheme yet", args[0])
	}

	var available int
	var availableBytes int64
	var pending []string
	rois := store.AllBlockRois()
	for _, roi := range rois {
		status, err := store.Status(roi.Start)
		if err != nil {
			return err
		}
		if status == blockfs.Available {
			available++
			availableBytes += roi.Volume() * int64(desc.DType.Size())
		} else {
			pending = append(pending, roi.String())
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Fileset:\t%s\n", store.Path())
	fmt.Fprintf(w, "Dataset:\t%s %v %s\n", desc.Axes, desc.Shape, desc.DType)
	fmt.Fprintf(w, "Block shape:\t%v\n", desc.BlockShape)
	fmt.Fprintf(w, "Fingerprint:\t%s\n", desc.HashID)
	fmt.Fprintf(w, "Available:\t%d of %d blocks (%s)\n", available, len(rois), humanize.Bytes(uint64(availableBytes)))
	if err := w.Flush(); err != nil {
		return err
	}

	if listPending {
		for _, roi := range pending {
			fmt.Fprintln(cmd.OutOrStdout(), roi)
		}
	}
	return nil
}
