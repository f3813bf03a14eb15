// Package assembler copies finished blocks into a single consolidated
// result file. The file carries a manifest of the regions still missing
// from it, so assembly can be interrupted and resumed across runs.
package assembler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/internal/pkg/resultfile"
	"github.com/bcongdon/clusterize/ndarray"
)

// Dataset names used in the consolidated file and in node output files.
const (
	FinalDatasetName = "cluster_result"
	NodeDatasetName  = "node_result"
)

// ErrMismatch is returned when a node output file does not hold the
// expected block.
var ErrMismatch = errors.New("node output does not match its block")

// Options configure an Assembler.
type Options struct {
	// OutputPath is the local path of the consolidated result file.
	OutputPath string
	Axes       ndarray.Axes
	Shape      []int
	DType      ndarray.DType
	// Fingerprint is the blocking scheme of the blocks being assembled. A
	// consolidated file written under another scheme is recreated.
	Fingerprint string

	// FileSystem serves the node output files.
	FileSystem corfs.FileSystem
	// UseLocalScratch stages each node output file in a local temporary
	// directory before reading it.
	UseLocalScratch bool
	// DecompressionCmd, if set, is run by the shell to stage a compressed
	// node output file. It may reference {compressed_file} and
	// {uncompressed_file}.
	DecompressionCmd string
}

// Task is a finished block whose node output file is ready to be copied.
type Task struct {
	Name           string
	Roi            ndarray.Roi
	OutputFilePath string
}

// Assembler maintains the consolidated result file of a run.
type Assembler struct {
	opts    Options
	elapsed time.Duration
}

// New returns an Assembler for opts.
func New(opts Options) *Assembler {
	if opts.FileSystem == nil {
		opts.FileSystem = corfs.InferFilesystem(opts.OutputPath)
	}
	return &Assembler{opts: opts}
}

// Elapsed returns the total time spent copying results.
func (a *Assembler) Elapsed() time.Duration {
	return a.elapsed
}

// Prepare creates the consolidated file with every roi marked missing. An
// existing file that matches the dataset and blocking scheme is kept as is.
func (a *Assembler) Prepare(rois []ndarray.Roi) error {
	if f, err := resultfile.Open(a.opts.OutputPath); err == nil {
		h := f.Header()
		f.Close()
		if h.Dataset == FinalDatasetName && intsEqual(h.Shape, a.opts.Shape) &&
			h.DType == a.opts.DType && h.Axes == a.opts.Axes && h.Fingerprint == a.opts.Fingerprint {
			log.Debugf("Reusing consolidated output %s (%d regions missing)", a.opts.OutputPath, len(h.MissingRois))
			return nil
		}
		log.Warnf("Consolidated output %s does not match the dataset or its blocks; recreating it", a.opts.OutputPath)
	} else if !os.IsNotExist(err) {
		log.Warnf("Recreating unreadable consolidated output %s: %s", a.opts.OutputPath, err)
	}
	return a.Reset(rois)
}

// Reset recreates the consolidated file from scratch with every roi marked
// missing.
func (a *Assembler) Reset(rois []ndarray.Roi) error {
	missing := make([]string, len(rois))
	for i, roi := range rois {
		missing[i] = roi.String()
	}
	if err := os.MkdirAll(filepath.Dir(a.opts.OutputPath), 0755); err != nil {
		return err
	}
	f, err := resultfile.Create(a.opts.OutputPath, resultfile.Header{
		Dataset:     FinalDatasetName,
		Shape:       a.opts.Shape,
		DType:       a.opts.DType,
		Axes:        a.opts.Axes,
		Fingerprint: a.opts.Fingerprint,
		MissingRois: missing,
	})
	if err != nil {
		return err
	}
	log.Infof("Created consolidated output %s (%s)", a.opts.OutputPath,
		humanize.Bytes(uint64(ndarray.Volume(a.opts.Shape)*int64(a.opts.DType.Size()))))
	return f.Close()
}

// MarkMissing adds rois back to the manifest of the consolidated file, so
// that blocks being recomputed are copied again once they finish.
func (a *Assembler) MarkMissing(rois []ndarray.Roi) error {
	f, err := resultfile.Open(a.opts.OutputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	h := f.Header()
	missing := make(map[string]bool, len(h.MissingRois))
	for _, s := range h.MissingRois {
		missing[s] = true
	}
	manifest := h.MissingRois
	for _, roi := range rois {
		if !missing[roi.String()] {
			missing[roi.String()] = true
			manifest = append(manifest, roi.String())
		}
	}
	if len(manifest) == len(h.MissingRois) {
		return nil
	}
	log.Infof("Marking %d recomputed regions of %s missing", len(manifest)-len(h.MissingRois), a.opts.OutputPath)
	return f.SetMissingRois(manifest)
}

// Missing returns the regions not yet copied into the consolidated file.
func (a *Assembler) Missing() ([]ndarray.Roi, error) {
	f, err := resultfile.Open(a.opts.OutputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := f.Header()
	rois := make([]ndarray.Roi, 0, len(h.MissingRois))
	for _, s := range h.MissingRois {
		roi, err := ndarray.ParseRoi(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.opts.OutputPath, err)
		}
		rois = append(rois, roi)
	}
	return rois, nil
}

// CopyFinished copies the node output of every task still missing from the
// consolidated file and updates its manifest. It returns the copied rois.
func (a *Assembler) CopyFinished(tasks []Task) ([]ndarray.Roi, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	return a.copyInto(func(f *resultfile.File, missing map[string]bool) ([]ndarray.Roi, error) {
		var copied []ndarray.Roi
		for _, task := range tasks {
			if !missing[task.Roi.String()] {
				log.Warnf("Task %s for roi %v is not missing from the result; skipping", task.Name, task.Roi)
				continue
			}
			if err := a.copyTask(f, task); err != nil {
				return copied, err
			}
			delete(missing, task.Roi.String())
			copied = append(copied, task.Roi)
		}
		return copied, nil
	})
}

// CopyFromStore copies every Available block among rois that is still
// missing from the consolidated file straight out of store.
func (a *Assembler) CopyFromStore(store *blockfs.Fileset, rois []ndarray.Roi) ([]ndarray.Roi, error) {
	return a.copyInto(func(f *resultfile.File, missing map[string]bool) ([]ndarray.Roi, error) {
		var copied []ndarray.Roi
		for _, roi := range rois {
			if !missing[roi.String()] {
				continue
			}
			status, err := store.Status(roi.Start)
			if err != nil {
				return copied, err
			}
			if status != blockfs.Available {
				continue
			}
			data, err := store.ReadData(roi)
			if err != nil {
				return copied, err
			}
			if err := f.WriteRegion(data); err != nil {
				return copied, err
			}
			delete(missing, roi.String())
			copied = append(copied, roi)
		}
		return copied, nil
	})
}

// copyInto opens the consolidated file, runs fn and persists the manifest
// of whatever fn managed to do, even when it fails part way.
func (a *Assembler) copyInto(fn func(*resultfile.File, map[string]bool) ([]ndarray.Roi, error)) ([]ndarray.Roi, error) {
	start := time.Now()
	defer func() { a.elapsed += time.Since(start) }()

	f, err := resultfile.Open(a.opts.OutputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := f.Header()
	missing := make(map[string]bool, len(h.MissingRois))
	for _, s := range h.MissingRois {
		missing[s] = true
	}

	copied, copyErr := fn(f, missing)
	if len(copied) > 0 {
		remaining := make([]string, 0, len(missing))
		for _, s := range h.MissingRois {
			if missing[s] {
				remaining = append(remaining, s)
			}
		}
		if err := f.Sync(); err != nil {
			return copied, err
		}
		if err := f.SetMissingRois(remaining); err != nil {
			return copied, err
		}
		log.Infof("Copied %d regions into %s, %d still missing", len(copied), a.opts.OutputPath, len(remaining))
	}
	return copied, copyErr
}

func (a *Assembler) copyTask(f *resultfile.File, task Task) error {
	start := time.Now()
	reader, cleanup, err := a.openNodeOutput(task)
	if err != nil {
		return err
	}
	defer cleanup()
	defer reader.Close()

	h, arr, err := resultfile.Decode(reader)
	if err != nil {
		return fmt.Errorf("%s: %w", task.OutputFilePath, err)
	}
	if h.Dataset != NodeDatasetName || !intsEqual(h.Shape, task.Roi.Shape()) ||
		h.DType != a.opts.DType || h.Axes != a.opts.Axes {
		return fmt.Errorf("%w: %s holds %s %v %s %q, want %s %v %s %q", ErrMismatch, task.OutputFilePath,
			h.Dataset, h.Shape, h.DType, h.Axes, NodeDatasetName, task.Roi.Shape(), a.opts.DType, a.opts.Axes)
	}

	arr.Roi = task.Roi
	if err := f.WriteRegion(arr); err != nil {
		return err
	}
	log.WithField("task", task.Name).Infof("Copying %s slice took %s",
		humanize.Bytes(uint64(arr.Nbytes())), time.Since(start))
	return nil
}

// openNodeOutput opens the node output file of task, staging it in a local
// temporary directory when configured to.
func (a *Assembler) openNodeOutput(task Task) (io.ReadCloser, func(), error) {
	noop := func() {}
	if !a.opts.UseLocalScratch {
		reader, err := a.opts.FileSystem.OpenReader(task.OutputFilePath, 0)
		return reader, noop, err
	}

	tmpDir, err := os.MkdirTemp("", "clusterize-")
	if err != nil {
		return nil, noop, err
	}
	cleanup := func() { os.RemoveAll(tmpDir) }
	staged := filepath.Join(tmpDir, task.Name+".blk")

	start := time.Now()
	if a.opts.DecompressionCmd != "" {
		cmdText := strings.NewReplacer(
			"{compressed_file}", task.OutputFilePath,
			"{uncompressed_file}", staged,
		).Replace(a.opts.DecompressionCmd)
		log.Infof("Decompressing with command: %s", cmdText)
		if out, err := exec.Command("sh", "-c", cmdText).CombinedOutput(); err != nil {
			cleanup()
			return nil, noop, fmt.Errorf("decompression of %s failed: %w: %s", task.OutputFilePath, err, out)
		}
		log.Infof("Finished decompressing after %s", time.Since(start))
	} else {
		if err := a.stageCopy(task.OutputFilePath, staged); err != nil {
			cleanup()
			return nil, noop, err
		}
		log.Infof("Copied %s to local scratch after %s", task.OutputFilePath, time.Since(start))
	}

	reader, err := os.Open(staged)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return reader, cleanup, nil
}

func (a *Assembler) stageCopy(src, dst string) error {
	reader, err := a.opts.FileSystem.OpenReader(src, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func intsEqual(a, b []int) bool {
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
