package clusterize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/clusterize/internal/pkg/assembler"
	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/internal/pkg/resultfile"
	"github.com/bcongdon/clusterize/ndarray"
)

// runWorker computes the single block named by args and publishes it as
// AVAILABLE. On any error the block is left NOT_AVAILABLE, so the task can
// be retried.
func (d *Driver) runWorker(ctx context.Context, args []string) (err error) {
	ta, err := parseTaskArgs(args)
	if err != nil {
		return err
	}
	cfg, err := ParseClusterConfigFile(ta.ConfigFile)
	if err != nil {
		return err
	}
	if cfg.UseNodeLocalScratch {
		return fmt.Errorf("%w: use_node_local_scratch is not supported", ErrConfig)
	}
	roi, err := ndarray.ParseRoi(ta.Roi)
	if err != nil {
		return fmt.Errorf("%w: --%s: %v", ErrConfig, flagNodeWork, err)
	}

	logger := log.WithFields(log.Fields{"task": ta.ProcessName, "roi": roi.String()})
	logger.Infof("Executing for roi: %v", roi)

	store, err := blockfs.Open(d.fileSystem(ta.OutputDescriptionFile), ta.OutputDescriptionFile, blockfs.ReadWrite)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); err == nil {
			err = closeErr
		}
	}()

	if !store.Grid().IsBlock(roi) {
		return fmt.Errorf("%w: each task must execute exactly one full block, %v is not a valid block roi",
			ErrBlockAlignment, roi)
	}

	if loader, ok := d.source.(ProjectLoader); ok && ta.Project != "" {
		if err := loader.LoadProject(ta.Project); err != nil {
			return fmt.Errorf("loading project %s: %w", ta.Project, err)
		}
	}
	if err := checkSourceMatches(d.source.Meta(), store.Description()); err != nil {
		return err
	}

	status, err := store.Status(roi.Start)
	if err != nil {
		return err
	}
	if status == blockfs.Available {
		logger.Info("Block is already available, nothing to do")
		return nil
	}

	start := time.Now()
	attempt, err := store.StartAttempt(roi.Start)
	if err != nil {
		return err
	}
	logger = logger.WithField("attempt", attempt.ID())

	emitter := newBlockEmitter(attempt)
	streamer := &requestStreamer{
		source:   d.source,
		roi:      roi,
		subShape: cfg.subrequestShape(string(store.Description().Axes), roi.Shape()),
		parallel: cfg.TaskParallelSubrequests,
	}
	if err := streamer.execute(ctx, emitter.Emit); errors.Is(err, blockfs.ErrBlockImmutable) {
		logger.Infof("Block was published by another attempt meanwhile: %s", err)
		return nil
	} else if err != nil {
		return err
	}
	if covered := emitter.covered(); covered != roi.Volume() {
		return fmt.Errorf("sub-requests covered %d of %d elements of block %v", covered, roi.Volume(), roi)
	}

	if ta.NodeOutputFile != "" {
		if err := exportNodeOutput(attempt, store.Description().Axes, ta.NodeOutputFile, cfg); err != nil {
			return fmt.Errorf("writing node output %s: %w", ta.NodeOutputFile, err)
		}
	}

	// Publishing the status is the last step: nothing else may follow it.
	if err := attempt.Publish(); errors.Is(err, blockfs.ErrBlockImmutable) {
		logger.Infof("Block was published by another attempt meanwhile: %s", err)
		return nil
	} else if err != nil {
		return err
	}
	logger.Infof("Finished task in %s (%s written)", time.Since(start), humanize.Bytes(uint64(emitter.bytesWritten())))
	return nil
}

func checkSourceMatches(meta Metadata, desc blockfs.Description) error {
	if meta.Axes != desc.Axes || !sameShape(meta.Shape, desc.Shape) || meta.DType != desc.DType {
		return fmt.Errorf("%w: source is %q %v %s but the fileset is %q %v %s", ErrDescriptor,
			meta.Axes, meta.Shape, meta.DType, desc.Axes, desc.Shape, desc.DType)
	}
	return nil
}

// exportNodeOutput writes the block as a standalone result file for legacy
// assembly, compressing it with node_output_compression_cmd if configured.
func exportNodeOutput(attempt *blockfs.Attempt, axes ndarray.Axes, path string, cfg *ClusterConfig) error {
	data, err := attempt.ReadData()
	if err != nil {
		return err
	}

	if cfg.NodeOutputCompressionCmd == "" {
		fs := corfs.InferFilesystem(path)
		writer, err := fs.OpenWriter(path)
		if err != nil {
			return err
		}
		if err := resultfile.Encode(writer, assembler.NodeDatasetName, axes, data); err != nil {
			corfs.Abort(writer)
			return err
		}
		return writer.Close()
	}

	tmpDir, err := os.MkdirTemp("", "clusterize-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	uncompressed := filepath.Join(tmpDir, filepath.Base(path))
	out, err := os.Create(uncompressed)
	if err != nil {
		return err
	}
	if err := resultfile.Encode(out, assembler.NodeDatasetName, axes, data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	cmdText := strings.NewReplacer(
		"{uncompressed_file}", uncompressed,
		"{compressed_file}", path,
	).Replace(cfg.NodeOutputCompressionCmd)
	log.Infof("Compressing with command: %s", cmdText)
	if output, err := exec.Command("sh", "-c", cmdText).CombinedOutput(); err != nil {
		return fmt.Errorf("compression failed: %w: %s", err, output)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
