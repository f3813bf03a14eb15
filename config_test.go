package clusterize

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClusterConfigFile(t *testing.T) {
	cfg, err := ParseClusterConfigFile(writeClusterConfig(t, t.TempDir(), ""))
	require.Nil(t, err)

	assert.Equal(t, 4, cfg.NumJobs)
	assert.Equal(t, 30*time.Second, cfg.taskTimeout())
	assert.Equal(t, 15*time.Second, cfg.pollInterval())
	assert.Equal(t, "worker {task_args} > {task_output_file}", cfg.CommandFormat)
	assert.Equal(t, map[string]int{"x": 250, "y": 250}, cfg.TaskSubrequestShape)
	assert.Equal(t, 2, cfg.TaskParallelSubrequests)

	// Defaults
	assert.Equal(t, "localhost", cfg.TaskLaunchServer)
	assert.Equal(t, "/tmp", cfg.ScratchDirectory)
	assert.Equal(t, "shell", cfg.Executor)
	assert.Equal(t, "clusterize_function", cfg.LambdaFunctionName)
	assert.Equal(t, int64(1500), cfg.LambdaMemory)
	assert.False(t, cfg.UseMasterLocalScratch)
}

func TestParseClusterConfigFileAxisKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	config := "num_jobs: 2\ntask_subrequest_shape:\n  x: 10\n  y: 20\n  z: 1\n  n: 3\n"
	require.Nil(t, os.WriteFile(path, []byte(config), 0644))

	cfg, err := ParseClusterConfigFile(path)
	require.Nil(t, err)
	assert.Equal(t, map[string]int{"x": 10, "y": 20, "z": 1, "n": 3}, cfg.TaskSubrequestShape)
	assert.Equal(t, []int{10, 20, 1}, cfg.subrequestShape("xyz", []int{100, 100, 5}))
}

func TestParseClusterConfigFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.Nil(t, os.WriteFile(path, []byte(`{"num_jobs": 8, "command_format": "{task_args}", "executor": "lambda"}`), 0644))

	cfg, err := ParseClusterConfigFile(path)
	require.Nil(t, err)
	assert.Equal(t, 8, cfg.NumJobs)
	assert.Equal(t, "lambda", cfg.Executor)
	assert.Equal(t, 24*time.Hour, cfg.taskTimeout())
}

func TestParseClusterConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config string
	}{
		{"zero jobs", "num_jobs: 0\n"},
		{"zero parallel", "num_jobs: 2\ntask_parallel_subrequests: 0\n"},
		{"compression without master scratch", "node_output_compression_cmd: gzip\nnode_output_decompression_cmd: gunzip\n"},
		{"compression without decompression", "use_master_local_scratch: true\nnode_output_compression_cmd: gzip\n"},
		{"bad subrequest axis", "task_subrequest_shape:\n  xy: 10\n"},
		{"bad subrequest extent", "task_subrequest_shape:\n  x: 0\n"},
		{"unknown executor", "executor: carrier-pigeon\n"},
		{"malformed yaml", "num_jobs: [\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cluster.yaml")
			require.Nil(t, os.WriteFile(path, []byte(tc.config), 0644))
			_, err := ParseClusterConfigFile(path)
			assert.True(t, errors.Is(err, ErrConfig), "%v", err)
		})
	}
}

func TestParseClusterConfigFileMissing(t *testing.T) {
	_, err := ParseClusterConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestSubrequestShape(t *testing.T) {
	cfg := &ClusterConfig{TaskSubrequestShape: map[string]int{"x": 100, "z": 1000, "c": 2}}
	assert.Equal(t, []int{100, 64, 50, 1}, cfg.subrequestShape("xyzc", []int{500, 64, 50, 1}))
	assert.Equal(t, []int{500, 64}, (&ClusterConfig{}).subrequestShape("xy", []int{500, 64}))
}
