package clusterize

import (
	"context"
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
)

// FailureDetector decides which pending tasks will never complete. Failed
// tasks are abandoned and make the run fail.
type FailureDetector interface {
	DetectFailures(pending []*TaskInfo) []*TaskInfo
}

// noFailureDetector trusts every task to finish; stuck tasks are caught by
// the run timeout.
type noFailureDetector struct{}

func (noFailureDetector) DetectFailures([]*TaskInfo) []*TaskInfo {
	return nil
}

// RunResult summarizes a run.
type RunResult struct {
	Success bool
	Elapsed time.Duration

	// Pending lists the tasks still outstanding when the run ended.
	Pending    []string
	Completed  int
	Dispatched int
	Failed     []string
	TimedOut   bool

	BytesCompleted int64
	// Throughput is BytesCompleted per second of Elapsed.
	Throughput float64
	// AssemblyTime is the time spent copying results into the consolidated
	// output.
	AssemblyTime time.Duration
}

// run waits for the dispatched tasks of one invocation to complete.
type run struct {
	id       string
	store    *blockfs.Fileset
	pending  []*TaskInfo
	timeout  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	detector FailureDetector

	// onFinished, if set, is called with the tasks that completed in a tick.
	onFinished func([]*TaskInfo) error
	bar        *pb.ProgressBar

	start  time.Time
	result RunResult
}

func newRun(id string, store *blockfs.Fileset, tasks []*TaskInfo, cfg *ClusterConfig, clock clockwork.Clock) *run {
	return &run{
		id:       id,
		store:    store,
		pending:  tasks,
		timeout:  cfg.taskTimeout(),
		interval: cfg.pollInterval(),
		clock:    clock,
		detector: noFailureDetector{},
		start:    clock.Now(),
		result:   RunResult{Dispatched: len(tasks)},
	}
}

func (r *run) logger() *log.Entry {
	return log.WithField("run", r.id)
}

// tick moves newly available blocks and failed tasks out of the pending set.
func (r *run) tick() error {
	var finished, stillPending []*TaskInfo
	for _, task := range r.pending {
		status, err := r.store.Status(task.Subregion.Start)
		if err != nil {
			return fmt.Errorf("task %s, block %v: %w", task.TaskName, task.Subregion, err)
		}
		if status == blockfs.Available {
			finished = append(finished, task)
		} else {
			stillPending = append(stillPending, task)
		}
	}
	r.pending = stillPending

	dtypeSize := int64(r.store.Description().DType.Size())
	for _, task := range finished {
		r.logger().WithField("task", task.TaskName).Infof("Block %v is available", task.Subregion)
		r.result.Completed++
		r.result.BytesCompleted += task.Subregion.Volume() * dtypeSize
		if r.bar != nil {
			r.bar.Increment()
		}
	}
	if r.onFinished != nil && len(finished) > 0 {
		if err := r.onFinished(finished); err != nil {
			return err
		}
	}

	failed := r.detector.DetectFailures(r.pending)
	if len(failed) == 0 {
		return nil
	}
	isFailed := make(map[*TaskInfo]bool, len(failed))
	for _, task := range failed {
		isFailed[task] = true
		r.logger().WithField("task", task.TaskName).Errorf("Giving up on failed task for roi %v", task.Subregion)
		r.result.Failed = append(r.result.Failed, task.TaskName)
	}
	stillPending = r.pending[:0]
	for _, task := range r.pending {
		if !isFailed[task] {
			stillPending = append(stillPending, task)
		}
	}
	r.pending = stillPending
	return nil
}

// wait polls until every task completed, failed, or the timeout is reached.
// It always returns a result; the error explains an unsuccessful one.
func (r *run) wait(ctx context.Context) (*RunResult, error) {
	for len(r.pending) > 0 {
		elapsed := r.clock.Since(r.start)
		if elapsed >= r.timeout {
			r.result.TimedOut = true
			r.logger().Errorf("Timing out after %s, even though %d tasks haven't finished yet", elapsed, len(r.pending))
			return r.finish(), fmt.Errorf("%w: %d tasks pending after %s", ErrTimeout, len(r.pending), elapsed)
		}

		sleep := r.interval
		if remaining := r.timeout - elapsed; remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return r.finish(), ctx.Err()
		case <-r.clock.After(sleep):
		}

		r.logger().Debugf("Time: %s. Checking %d remaining tasks...", r.clock.Since(r.start), len(r.pending))
		if err := r.tick(); err != nil {
			return r.finish(), err
		}
	}

	res := r.finish()
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%w: %v", ErrTaskFailed, res.Failed)
	}
	return res, nil
}

func (r *run) finish() *RunResult {
	res := r.result
	res.Elapsed = r.clock.Since(r.start)
	for _, task := range r.pending {
		res.Pending = append(res.Pending, task.TaskName)
	}
	res.Success = len(res.Pending) == 0 && len(res.Failed) == 0
	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.Throughput = float64(res.BytesCompleted) / secs
	}
	if r.bar != nil {
		r.bar.Finish()
	}

	if res.Success {
		r.logger().Infof("SUCCESS: Completed %s in %s (%s/s)",
			humanize.Bytes(uint64(res.BytesCompleted)), res.Elapsed, humanize.Bytes(uint64(res.Throughput)))
	} else {
		r.logger().Errorf("FAILED: After %s, %d tasks pending, %d failed", res.Elapsed, len(res.Pending), len(res.Failed))
	}
	return &res
}
