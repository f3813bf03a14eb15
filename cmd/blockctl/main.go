// Command blockctl inspects and maintains the blockwise filesets written by
// clusterize runs.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/corfs"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "blockctl",
	Short: "Inspect and maintain blockwise filesets",
	Long: `blockctl works on the blockwise fileset a clusterize run writes to,
addressed by its description file (local path, s3:// or gs:// URI).

It reports which blocks are available and forces blocks to be recomputed on
the next run. Available blocks can be assembled into a single result file
and checked against it. Once no run needs it any more, the Lambda worker
function can be removed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Output verbose logs")
}

func openFileset(descriptionPath string, mode blockfs.Mode) (*blockfs.Fileset, error) {
	return blockfs.Open(corfs.InferFilesystem(descriptionPath), descriptionPath, mode)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
