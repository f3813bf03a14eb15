package clusterize

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

func testPollerStore(t *testing.T, fs corfs.FileSystem) (*blockfs.Fileset, []*TaskInfo) {
	store, err := blockfs.Open(fs, filepath.Join(t.TempDir(), "result.json"), blockfs.ReadWrite)
	require.Nil(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Reconcile(blockfs.Params{
		Axes:       "xyz",
		Shape:      []int{1000, 1000, 1},
		DType:      ndarray.Uint8,
		BlockShape: []int{500, 500, 1},
	})
	require.Nil(t, err)

	cfg := &ClusterConfig{CommandFormat: "run {task_args}", ScratchDirectory: "/scratch"}
	tasks, err := buildTaskInfos(cfg, taskPaths{OutputDescriptionFile: "result.json"}, store.AllBlockRois())
	require.Nil(t, err)
	return store, tasks
}

func testPollerConfig() *ClusterConfig {
	return &ClusterConfig{TaskTimeoutSecs: 30, PollIntervalSecs: 15}
}

func markAvailable(t *testing.T, store *blockfs.Fileset, tasks ...*TaskInfo) {
	for _, task := range tasks {
		attempt, err := store.StartAttempt(task.Subregion.Start)
		require.Nil(t, err)
		require.Nil(t, attempt.WriteData(rampArray(task.Subregion)))
		require.Nil(t, attempt.Publish())
	}
}

func TestTick(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	r := newRun("test", store, tasks, testPollerConfig(), clockwork.NewFakeClock())

	var finished []string
	r.onFinished = func(tasks []*TaskInfo) error {
		for _, task := range tasks {
			finished = append(finished, task.TaskName)
		}
		return nil
	}

	require.Nil(t, r.tick())
	assert.Len(t, r.pending, 4)
	assert.Empty(t, finished)

	markAvailable(t, store, tasks[1], tasks[2])
	require.Nil(t, r.tick())
	assert.Equal(t, []*TaskInfo{tasks[0], tasks[3]}, r.pending)
	assert.Equal(t, []string{"JOB01", "JOB02"}, finished)
	assert.Equal(t, 2, r.result.Completed)
	assert.Equal(t, int64(2*500*500), r.result.BytesCompleted)
}

func TestWaitSucceeds(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	fc := clockwork.NewFakeClock()
	r := newRun("test", store, tasks, testPollerConfig(), fc)

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.wait(context.Background())
		done <- runOutcome{res, err}
	}()

	awaitSleep(t, fc, done)
	markAvailable(t, store, tasks[0], tasks[1])
	fc.Advance(15 * time.Second)

	awaitSleep(t, fc, done)
	markAvailable(t, store, tasks[2], tasks[3])
	fc.Advance(15 * time.Second)

	out := <-done
	require.Nil(t, out.err)
	assert.True(t, out.res.Success)
	assert.Empty(t, out.res.Pending)
	assert.Equal(t, 4, out.res.Completed)
	assert.Equal(t, 30*time.Second, out.res.Elapsed)
	assert.Equal(t, float64(1000*1000)/30, out.res.Throughput)
}

func TestWaitTimesOut(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	fc := clockwork.NewFakeClock()
	r := newRun("test", store, tasks, testPollerConfig(), fc)
	markAvailable(t, store, tasks[:3]...)

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.wait(context.Background())
		done <- runOutcome{res, err}
	}()
	awaitSleep(t, fc, done)
	fc.Advance(15 * time.Second)
	awaitSleep(t, fc, done)
	fc.Advance(15 * time.Second)

	out := <-done
	assert.True(t, errors.Is(out.err, ErrTimeout))
	assert.False(t, out.res.Success)
	assert.True(t, out.res.TimedOut)
	assert.Equal(t, []string{"JOB03"}, out.res.Pending)
}

func TestWaitSleepsNoLongerThanTimeout(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	fc := clockwork.NewFakeClock()
	cfg := &ClusterConfig{TaskTimeoutSecs: 20, PollIntervalSecs: 15}
	r := newRun("test", store, tasks, cfg, fc)

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.wait(context.Background())
		done <- runOutcome{res, err}
	}()
	awaitSleep(t, fc, done)
	fc.Advance(15 * time.Second)
	awaitSleep(t, fc, done)
	fc.Advance(5 * time.Second)

	out := <-done
	assert.True(t, errors.Is(out.err, ErrTimeout))
	assert.Equal(t, 20*time.Second, out.res.Elapsed)
	assert.Len(t, out.res.Pending, 4)
}

func TestWaitCancelled(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	r := newRun("test", store, tasks, testPollerConfig(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, res.Success)
	assert.Len(t, res.Pending, 4)
}

type giveUpDetector struct {
	name string
}

func (g giveUpDetector) DetectFailures(pending []*TaskInfo) []*TaskInfo {
	for _, task := range pending {
		if task.TaskName == g.name {
			return []*TaskInfo{task}
		}
	}
	return nil
}

func TestWaitDetectedFailure(t *testing.T) {
	store, tasks := testPollerStore(t, &corfs.LocalFileSystem{})
	fc := clockwork.NewFakeClock()
	r := newRun("test", store, tasks, testPollerConfig(), fc)
	r.detector = giveUpDetector{name: "JOB02"}
	markAvailable(t, store, tasks[0], tasks[1], tasks[3])

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.wait(context.Background())
		done <- runOutcome{res, err}
	}()
	awaitSleep(t, fc, done)
	fc.Advance(15 * time.Second)

	out := <-done
	assert.True(t, errors.Is(out.err, ErrTaskFailed))
	assert.False(t, out.res.Success)
	assert.False(t, out.res.TimedOut)
	assert.Empty(t, out.res.Pending)
	assert.Equal(t, []string{"JOB02"}, out.res.Failed)
	assert.Equal(t, 3, out.res.Completed)
}

// readFailingFileSystem fails every Stat and read once fail is set.
type readFailingFileSystem struct {
	corfs.LocalFileSystem
	fail bool
}

func (s *readFailingFileSystem) Stat(filePath string) (corfs.FileInfo, error) {
	if s.fail {
		return corfs.FileInfo{}, os.ErrPermission
	}
	return s.LocalFileSystem.Stat(filePath)
}

func (s *readFailingFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	if s.fail {
		return nil, os.ErrPermission
	}
	return s.LocalFileSystem.OpenReader(filePath, startAt)
}

func TestWaitStorageError(t *testing.T) {
	fs := &readFailingFileSystem{}
	store, tasks := testPollerStore(t, fs)
	fc := clockwork.NewFakeClock()
	r := newRun("test", store, tasks, testPollerConfig(), fc)
	fs.fail = true

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.wait(context.Background())
		done <- runOutcome{res, err}
	}()
	awaitSleep(t, fc, done)
	fc.Advance(15 * time.Second)

	out := <-done
	assert.True(t, errors.Is(out.err, ErrStorage))
	assert.False(t, out.res.Success)
	assert.Len(t, out.res.Pending, 4)
}
