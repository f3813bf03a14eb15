package clusterize

import (
	"errors"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
)

var (
	// ErrConfig indicates a malformed cluster configuration or command
	// template. It is fatal and never retried.
	ErrConfig = errors.New("invalid cluster configuration")
	// ErrTimeout is reported when a run exceeds task_timeout_secs with
	// blocks still pending.
	ErrTimeout = errors.New("timed out waiting for tasks")
	// ErrTaskFailed is reported when the failure detector gave up on a task.
	ErrTaskFailed = errors.New("task failed")
)

// Errors of the block status store.
var (
	ErrStorage        = blockfs.ErrStorage
	ErrDescriptor     = blockfs.ErrDescriptor
	ErrBlockAlignment = blockfs.ErrBlockAlignment
)
