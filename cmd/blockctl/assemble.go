package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/assembler"
	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
)

func init() {
	rootCmd.AddCommand(assembleCmd)
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <description> <output file>",
	Short: "Copy the available blocks into a single result file",
	Long: `Copy the available blocks into a single result file.

An existing output for the same dataset and blocking scheme is completed in
place: only the regions its manifest lists as missing are copied.`,
	Args: cobra.ExactArgs(2),
	RunE: runAssemble,
}

func runAssemble(cmd *cobra.Command, args []string) error {
	store, err := openFileset(args[0], blockfs.ReadOnly)
	if err != nil {
		return err
	}
	defer store.Close()

	desc := store.Description()
	if !desc.Initialized() {
		return fmt.Errorf("%s has no blocking scheme yet", args[0])
	}

	asm := assembler.New(assembler.Options{
		OutputPath:  args[1],
		Axes:        desc.Axes,
		Shape:       desc.Shape,
		DType:       desc.DType,
		Fingerprint: desc.HashID,
	})
	rois := store.AllBlockRois()
	if err := asm.Prepare(rois); err != nil {
		return err
	}
	copied, err := asm.CopyFromStore(store, rois)
	if err != nil {
		return err
	}
	missing, err := asm.Missing()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Copied %d blocks in %s, %d still missing\n", len(copied), asm.Elapsed(), len(missing))
	return nil
}
