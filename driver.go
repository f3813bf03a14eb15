package clusterize

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/bcongdon/clusterize/internal/pkg/assembler"
	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

// Driver computes the output of a Source blockwise on a cluster. The same
// program acts as the master, which partitions and dispatches the work, and
// as the worker of every block.
type Driver struct {
	source   Source
	config   *config
	executor executor
	clock    clockwork.Clock
}

// config configures a Driver's execution of runs
type config struct {
	ConfigFile            string
	Project               string
	OutputDescriptionFile string
	Progress              bool
	FailureDetector       FailureDetector
	FileSystem            corfs.FileSystem
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment
	return &config{
		Progress:        viper.GetBool("progress"),
		FailureDetector: noFailureDetector{},
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver for source with optional configuration
func NewDriver(source Source, options ...Option) *Driver {
	d := &Driver{
		source: source,
		clock:  clockwork.NewRealClock(),
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	d.config = c
	log.Debugf("Loaded config: %#v", c)

	return d
}

// WithConfigFile sets the cluster configuration file shared by all tasks
func WithConfigFile(path string) Option {
	return func(c *config) {
		c.ConfigFile = path
	}
}

// WithProject sets the project path forwarded to the Source of every worker
func WithProject(path string) Option {
	return func(c *config) {
		c.Project = path
	}
}

// WithOutputDescription sets the description file of the blockwise fileset
// the results are written to. It may be local or in an object store.
func WithOutputDescription(path string) Option {
	return func(c *config) {
		c.OutputDescriptionFile = path
	}
}

// WithProgress shows a progress bar while waiting for tasks
func WithProgress(enabled bool) Option {
	return func(c *config) {
		c.Progress = enabled
	}
}

// WithFailureDetector sets the policy deciding when a pending task has failed
func WithFailureDetector(detector FailureDetector) Option {
	return func(c *config) {
		c.FailureDetector = detector
	}
}

// WithFileSystem overrides the filesystem inferred from the description path
func WithFileSystem(fs corfs.FileSystem) Option {
	return func(c *config) {
		c.FileSystem = fs
	}
}

func (d *Driver) fileSystem(path string) corfs.FileSystem {
	if d.config.FileSystem != nil {
		return d.config.FileSystem
	}
	return corfs.InferFilesystem(path)
}

func (d *Driver) newExecutor(cfg *ClusterConfig) (executor, error) {
	if d.executor != nil {
		return d.executor, nil
	}
	if cfg.Executor != "lambda" {
		return &shellExecutor{host: cfg.TaskLaunchServer, workDir: cfg.ServerWorkingDirectory}, nil
	}

	l := newLambdaExecutor(cfg.LambdaFunctionName)
	if cfg.LambdaDeploy {
		if err := l.Deploy(cfg); err != nil {
			return nil, fmt.Errorf("deploying %s: %w", cfg.LambdaFunctionName, err)
		}
	}
	return l, nil
}

// Run computes every block that is not yet available and waits for the
// tasks to finish. The result is always returned; the error explains why
// the run did not succeed. Re-running over the same output resumes it.
func (d *Driver) Run(ctx context.Context) (*RunResult, error) {
	runID := uuid.New().String()
	logger := log.WithField("run", runID)

	cfg, err := ParseClusterConfigFile(d.config.ConfigFile)
	if err != nil {
		return &RunResult{}, err
	}
	meta := d.source.Meta()
	blockShape, err := ndarray.PartitionShape(meta.Axes, meta.Shape, cfg.NumJobs)
	if err != nil {
		return &RunResult{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	totalBytes := ndarray.Volume(meta.Shape) * int64(meta.DType.Size())
	logger.Infof("Clusterizing computation of %s dataset, outputting according to %s",
		humanize.Bytes(uint64(totalBytes)), d.config.OutputDescriptionFile)

	store, err := blockfs.Open(d.fileSystem(d.config.OutputDescriptionFile), d.config.OutputDescriptionFile, blockfs.ReadWrite)
	if err != nil {
		return &RunResult{}, err
	}
	defer store.Close()

	invalidated, err := store.Reconcile(blockfs.Params{
		Axes:       meta.Axes,
		Shape:      meta.Shape,
		DType:      meta.DType,
		BlockShape: blockShape,
	})
	if err != nil {
		return &RunResult{}, err
	}

	rois := store.AllBlockRois()
	logger.Infof("Dividing into %d node jobs of %v", len(rois), blockShape)
	tasks, err := buildTaskInfos(cfg, taskPaths{
		ConfigFile:            d.config.ConfigFile,
		Project:               d.config.Project,
		OutputDescriptionFile: d.config.OutputDescriptionFile,
		WriteNodeOutput:       cfg.ConsolidatedOutput != "",
	}, rois)
	if err != nil {
		return &RunResult{}, err
	}

	var pending []*TaskInfo
	for _, task := range tasks {
		status, err := store.Status(task.Subregion.Start)
		if err != nil {
			return &RunResult{}, err
		}
		if status == blockfs.Available {
			logger.WithField("task", task.TaskName).Infof("No need to run task for roi: %v", task.Subregion)
			continue
		}
		pending = append(pending, task)
	}

	var asm *assembler.Assembler
	if cfg.ConsolidatedOutput != "" {
		asm, err = d.prepareAssembly(cfg, store, rois, pending, invalidated)
		if err != nil {
			logger.Errorf("Consolidated output %s is disabled for this run: %s", cfg.ConsolidatedOutput, err)
			asm = nil
		}
	}

	exec, err := d.newExecutor(cfg)
	if err != nil {
		return &RunResult{}, err
	}
	var dispatched, undispatched []*TaskInfo
	for _, task := range pending {
		if err := exec.Dispatch(ctx, task); err != nil {
			logger.WithField("task", task.TaskName).Errorf("Failed to launch task: %s", err)
			undispatched = append(undispatched, task)
			continue
		}
		dispatched = append(dispatched, task)
	}

	r := newRun(runID, store, dispatched, cfg, d.clock)
	r.detector = d.config.FailureDetector
	for _, task := range undispatched {
		r.result.Failed = append(r.result.Failed, task.TaskName)
	}
	if d.config.Progress && len(dispatched) > 0 {
		r.bar = pb.New(len(dispatched)).Prefix("Blocks").Start()
	}
	if asm != nil {
		r.onFinished = func(finished []*TaskInfo) error {
			copyFinished(asm, finished)
			return nil
		}
	}

	res, err := r.wait(ctx)
	if asm != nil {
		res.AssemblyTime = asm.Elapsed()
		logger.Infof("Reassembly took a total of %s", res.AssemblyTime)
	}
	return res, err
}

// prepareAssembly creates the consolidated output, marks the blocks about
// to be recomputed as missing from it and copies in the blocks finished by
// previous runs. A changed blocking scheme starts the output over.
func (d *Driver) prepareAssembly(cfg *ClusterConfig, store *blockfs.Fileset, rois []ndarray.Roi, pending []*TaskInfo, invalidated bool) (*assembler.Assembler, error) {
	desc := store.Description()
	asm := assembler.New(assembler.Options{
		OutputPath:       cfg.ConsolidatedOutput,
		Axes:             desc.Axes,
		Shape:            desc.Shape,
		DType:            desc.DType,
		Fingerprint:      desc.HashID,
		FileSystem:       corfs.InferFilesystem(cfg.ScratchDirectory),
		UseLocalScratch:  cfg.UseMasterLocalScratch,
		DecompressionCmd: cfg.NodeOutputDecompressionCmd,
	})
	prepare := asm.Prepare
	if invalidated {
		prepare = asm.Reset
	}
	if err := prepare(rois); err != nil {
		return nil, err
	}

	recomputed := make([]ndarray.Roi, len(pending))
	for i, task := range pending {
		recomputed[i] = task.Subregion
	}
	if err := asm.MarkMissing(recomputed); err != nil {
		return nil, err
	}
	if _, err := asm.CopyFromStore(store, rois); err != nil {
		return nil, err
	}
	return asm, nil
}

// copyFinished copies finished blocks into the consolidated output. The
// block store stays authoritative, so failures are only logged; blockctl
// assemble can fill the gaps later.
func copyFinished(asm *assembler.Assembler, finished []*TaskInfo) {
	tasks := make([]assembler.Task, len(finished))
	for i, task := range finished {
		tasks[i] = assembler.Task{
			Name:           task.TaskName,
			Roi:            task.Subregion,
			OutputFilePath: task.OutputFilePath,
		}
	}
	if _, err := asm.CopyFinished(tasks); err != nil {
		log.Errorf("Copying finished results: %s", err)
	}
}

// Main starts the Driver. It runs the worker of a single block when invoked
// with --_node_work_ or inside AWS Lambda, and the master otherwise.
func (d *Driver) Main() {
	if runningInLambda() {
		lambda.Start(d.handleRequest)
		return
	}

	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	var ta taskArgs
	flags.AddFlagSet(ta.flagSet())
	flags.BoolP("verbose", "v", false, "Output verbose logs")
	flags.Bool("progress", false, "Show a progress bar")
	flags.Parse(os.Args[1:])
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()
	if ta.Roi != "" {
		if err := d.runWorker(ctx, os.Args[1:]); err != nil {
			log.Errorf("Task %s failed: %s", ta.ProcessName, err)
			os.Exit(1)
		}
		return
	}

	if ta.ConfigFile != "" {
		d.config.ConfigFile = ta.ConfigFile
	}
	if ta.Project != "" {
		d.config.Project = ta.Project
	}
	if ta.OutputDescriptionFile != "" {
		d.config.OutputDescriptionFile = ta.OutputDescriptionFile
	}
	if progress, _ := flags.GetBool("progress"); progress {
		d.config.Progress = true
	}

	start := time.Now()
	res, err := d.Run(ctx)
	fmt.Printf("Job Execution Time: %s\n", time.Since(start))
	if err != nil {
		log.Error(err)
	}
	if !res.Success {
		os.Exit(1)
	}
}
