package clusterize

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bcongdon/clusterize/ndarray"
)

const (
	taskArgsPlaceholder   = "{task_args}"
	taskNamePlaceholder   = "{task_name}"
	taskOutputPlaceholder = "{task_output_file}"

	outputFileNameFormat = "%s output %s.blk"
)

// Worker command line flags. The master renders them into every task
// command and the worker parses them back with parseTaskArgs.
const (
	flagConfigFile        = "option_config_file"
	flagProject           = "project"
	flagNodeWork          = "_node_work_"
	flagProcessName       = "process_name"
	flagOutputDescription = "output_description_file"
	flagNodeOutputFile    = "node_output_file"
)

// TaskInfo is the self-contained description of the remote task computing
// one block.
type TaskInfo struct {
	TaskName       string
	Command        string
	Args           []string
	OutputFilePath string
	Subregion      ndarray.Roi
}

// taskArgs holds everything a worker needs to compute its block.
type taskArgs struct {
	ConfigFile            string
	Project               string
	Roi                   string
	ProcessName           string
	OutputDescriptionFile string
	NodeOutputFile        string
}

// taskPaths are the shared locations embedded into every task.
type taskPaths struct {
	ConfigFile            string
	Project               string
	OutputDescriptionFile string
	// WriteNodeOutput makes workers export their block as a standalone
	// result file for legacy assembly.
	WriteNodeOutput bool
}

func (a *taskArgs) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("task", pflag.ContinueOnError)
	flags.StringVar(&a.ConfigFile, flagConfigFile, "", "cluster configuration file")
	flags.StringVar(&a.Project, flagProject, "", "project forwarded to the source")
	flags.StringVar(&a.Roi, flagNodeWork, "", "block to compute, e.g. \"[(0, 0), (10, 10)]\"")
	flags.StringVar(&a.ProcessName, flagProcessName, "", "task name")
	flags.StringVar(&a.OutputDescriptionFile, flagOutputDescription, "", "blockwise fileset description")
	flags.StringVar(&a.NodeOutputFile, flagNodeOutputFile, "", "standalone block output file")
	return flags
}

// parseTaskArgs parses worker arguments. Unknown flags are ignored so that
// user programs can add their own.
func parseTaskArgs(args []string) (*taskArgs, error) {
	var ta taskArgs
	flags := ta.flagSet()
	flags.ParseErrorsWhitelist.UnknownFlags = true
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	ta.Roi = strings.Trim(ta.Roi, `"'`)
	if ta.Roi == "" || ta.OutputDescriptionFile == "" {
		return nil, fmt.Errorf("%w: --%s and --%s are required", ErrConfig, flagNodeWork, flagOutputDescription)
	}
	return &ta, nil
}

func (a *taskArgs) args() []string {
	args := []string{
		fmt.Sprintf("--%s=%s", flagConfigFile, a.ConfigFile),
		fmt.Sprintf("--%s=%s", flagProject, a.Project),
		fmt.Sprintf("--%s=%s", flagNodeWork, a.Roi),
		fmt.Sprintf("--%s=%s", flagProcessName, a.ProcessName),
		fmt.Sprintf("--%s=%s", flagOutputDescription, a.OutputDescriptionFile),
	}
	if a.NodeOutputFile != "" {
		args = append(args, fmt.Sprintf("--%s=%s", flagNodeOutputFile, a.NodeOutputFile))
	}
	return args
}

// buildTaskInfos renders one task per roi. Task names follow the order of
// rois, so the same block set always yields the same names.
func buildTaskInfos(cfg *ClusterConfig, paths taskPaths, rois []ndarray.Roi) ([]*TaskInfo, error) {
	if !strings.Contains(cfg.CommandFormat, taskArgsPlaceholder) {
		return nil, fmt.Errorf("%w: command_format %q lacks %s", ErrConfig, cfg.CommandFormat, taskArgsPlaceholder)
	}

	tasks := make([]*TaskInfo, 0, len(rois))
	for i, roi := range rois {
		name := fmt.Sprintf("JOB%02d", i)
		outputFilePath := joinPath(cfg.ScratchDirectory, fmt.Sprintf(outputFileNameFormat, name, roi))

		ta := taskArgs{
			ConfigFile:            paths.ConfigFile,
			Project:               paths.Project,
			Roi:                   roi.String(),
			ProcessName:           name,
			OutputDescriptionFile: paths.OutputDescriptionFile,
		}
		if paths.WriteNodeOutput {
			ta.NodeOutputFile = outputFilePath
		}
		args := ta.args()

		quoted := make([]string, len(args))
		for j, arg := range args {
			quoted[j] = quoteArg(arg)
		}
		logPath := joinPath(cfg.OutputLogDirectory, name+".log")
		command := strings.NewReplacer(
			taskArgsPlaceholder, " "+strings.Join(quoted, " ")+" ",
			taskNamePlaceholder, name,
			taskOutputPlaceholder, logPath,
		).Replace(cfg.CommandFormat)

		tasks = append(tasks, &TaskInfo{
			TaskName:       name,
			Command:        command,
			Args:           args,
			OutputFilePath: outputFilePath,
			Subregion:      roi,
		})
	}
	return tasks, nil
}

// quoteArg double quotes the value of a --flag=value argument when the
// shell would otherwise split or expand it.
func quoteArg(arg string) string {
	i := strings.Index(arg, "=")
	if i < 0 || !strings.ContainsAny(arg[i+1:], " \t()[]*?$'\"\\;&|<>") {
		return arg
	}
	value := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`").Replace(arg[i+1:])
	return arg[:i+1] + `"` + value + `"`
}

// joinPath joins a directory that may be an object store URI with a name.
func joinPath(dir, name string) string {
	if strings.Contains(dir, "://") {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return filepath.Join(dir, name)
}
