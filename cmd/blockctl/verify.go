package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/resultfile"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify <description> <output file>",
	Short: "Check an assembled result file against the available blocks",
	Long: `Check an assembled result file against the available blocks.

Every available block the manifest of the result file does not list as
missing must hold the same data in both.`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	store, err := openFileset(args[0], blockfs.ReadOnly)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := resultfile.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	desc := store.Description()
	h := f.Header()
	if h.Fingerprint != desc.HashID {
		return fmt.Errorf("%s was assembled from blocking scheme %q, the fileset uses %q", args[1], h.Fingerprint, desc.HashID)
	}
	missing := make(map[string]bool, len(h.MissingRois))
	for _, s := range h.MissingRois {
		missing[s] = true
	}

	var checked int
	var mismatched []string
	for _, roi := range store.AllBlockRois() {
		if missing[roi.String()] {
			continue
		}
		status, err := store.Status(roi.Start)
		if err != nil {
			return err
		}
		if status != blockfs.Available {
			mismatched = append(mismatched, roi.String()+" (not available)")
			continue
		}
		want, err := store.ReadData(roi)
		if err != nil {
			return err
		}
		got, err := f.ReadRegion(roi)
		if err != nil {
			return err
		}
		checked++
		if !bytes.Equal(want.Data, got.Data) {
			mismatched = append(mismatched, roi.String())
		}
	}

	for _, roi := range mismatched {
		fmt.Fprintln(cmd.OutOrStdout(), "Mismatch:", roi)
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%d of %d assembled blocks differ from the fileset", len(mismatched), checked+len(mismatched))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Verified %d blocks, %d missing\n", checked, len(h.MissingRois))
	return nil
}
