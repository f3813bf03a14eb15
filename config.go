package clusterize

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bcongdon/clusterize/internal/pkg/corfs"
)

func loadConfig() {
	viper.SetConfigName("clusterizerc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.clusterize")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("clusterize")
	viper.AutomaticEnv()
}

var clusterDefaults = map[string]interface{}{
	"num_jobs":                      1,
	"task_timeout_secs":             24 * 60 * 60,
	"poll_interval_secs":            15,
	"command_format":                "",
	"task_launch_server":            "localhost",
	"server_working_directory":      ".",
	"output_log_directory":          ".",
	"scratch_directory":             "/tmp",
	"task_subrequest_shape":         map[string]int{},
	"task_parallel_subrequests":     4,
	"use_node_local_scratch":        false,
	"use_master_local_scratch":      false,
	"node_output_compression_cmd":   "",
	"node_output_decompression_cmd": "",
	"consolidated_output":           "",
	"executor":                      "shell",
	"lambda_function_name":          "clusterize_function",
	"lambda_role_arn":               "",
	"lambda_role_name":              "clusterize_role",
	"lambda_memory":                 1500,
	"lambda_timeout":                900,
	"lambda_deploy":                 false,
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"verbose":  false,
		"progress": false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose": "v",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}

// ClusterConfig is the cluster configuration shared by the master and every
// worker of a run. It is read from the file passed as --option_config_file.
type ClusterConfig struct {
	NumJobs                    int            `mapstructure:"num_jobs"`
	TaskTimeoutSecs            int            `mapstructure:"task_timeout_secs"`
	PollIntervalSecs           int            `mapstructure:"poll_interval_secs"`
	CommandFormat              string         `mapstructure:"command_format"`
	TaskLaunchServer           string         `mapstructure:"task_launch_server"`
	ServerWorkingDirectory     string         `mapstructure:"server_working_directory"`
	OutputLogDirectory         string         `mapstructure:"output_log_directory"`
	ScratchDirectory           string         `mapstructure:"scratch_directory"`
	TaskSubrequestShape        map[string]int `mapstructure:"task_subrequest_shape"`
	TaskParallelSubrequests    int            `mapstructure:"task_parallel_subrequests"`
	UseNodeLocalScratch        bool           `mapstructure:"use_node_local_scratch"`
	UseMasterLocalScratch      bool           `mapstructure:"use_master_local_scratch"`
	NodeOutputCompressionCmd   string         `mapstructure:"node_output_compression_cmd"`
	NodeOutputDecompressionCmd string         `mapstructure:"node_output_decompression_cmd"`
	ConsolidatedOutput         string         `mapstructure:"consolidated_output"`
	Executor                   string         `mapstructure:"executor"`
	LambdaFunctionName         string         `mapstructure:"lambda_function_name"`
	LambdaRoleARN              string         `mapstructure:"lambda_role_arn"`
	LambdaRoleName             string         `mapstructure:"lambda_role_name"`
	LambdaMemory               int64          `mapstructure:"lambda_memory"`
	LambdaTimeout              int64          `mapstructure:"lambda_timeout"`
	LambdaDeploy               bool           `mapstructure:"lambda_deploy"`
}

// ParseClusterConfigFile reads and validates the cluster configuration at
// path, which may be a local file or an object store URI. Any format viper
// understands (yaml, toml, json, ini, ...) works; it is chosen by extension.
func ParseClusterConfigFile(path string) (*ClusterConfig, error) {
	data, err := corfs.ReadFile(corfs.InferFilesystem(path), path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	v := viper.New()
	for key, value := range clusterDefaults {
		v.SetDefault(key, value)
	}
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
	v.SetEnvPrefix("clusterize")
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	var cfg ClusterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrConfig, path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *ClusterConfig) validate() error {
	if c.NumJobs < 1 {
		return fmt.Errorf("%w: num_jobs must be positive, got %d", ErrConfig, c.NumJobs)
	}
	if c.TaskTimeoutSecs < 1 || c.PollIntervalSecs < 1 {
		return fmt.Errorf("%w: task_timeout_secs and poll_interval_secs must be positive", ErrConfig)
	}
	if c.TaskParallelSubrequests < 1 {
		return fmt.Errorf("%w: task_parallel_subrequests must be positive, got %d", ErrConfig, c.TaskParallelSubrequests)
	}
	if !c.UseMasterLocalScratch && c.NodeOutputCompressionCmd != "" {
		return fmt.Errorf("%w: can't use node output compression unless master local scratch is also used", ErrConfig)
	}
	if c.NodeOutputCompressionCmd != "" && c.NodeOutputDecompressionCmd == "" {
		return fmt.Errorf("%w: node_output_compression_cmd requires node_output_decompression_cmd", ErrConfig)
	}
	for axis, extent := range c.TaskSubrequestShape {
		if len(axis) != 1 || extent < 1 {
			return fmt.Errorf("%w: invalid task_subrequest_shape entry %s=%d", ErrConfig, axis, extent)
		}
	}
	switch c.Executor {
	case "shell", "lambda":
	default:
		return fmt.Errorf("%w: unknown executor %q", ErrConfig, c.Executor)
	}
	return nil
}

func (c *ClusterConfig) taskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

func (c *ClusterConfig) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// subrequestShape maps task_subrequest_shape onto the axes of a block.
// Axes without an entry take the full extent of the block.
func (c *ClusterConfig) subrequestShape(axes string, blockShape []int) []int {
	shape := make([]int, len(blockShape))
	for i, extent := range blockShape {
		shape[i] = extent
		if sub, ok := c.TaskSubrequestShape[string(axes[i])]; ok && sub < extent {
			shape[i] = sub
		}
	}
	return shape
}
