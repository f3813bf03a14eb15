package clusterize

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// executor launches the remote task of a block. Dispatch returns as soon as
// the task is started; completion is only observed through the block
// status store.
type executor interface {
	Dispatch(ctx context.Context, task *TaskInfo) error
}

// shellExecutor runs task commands with sh, either on this machine or on
// task_launch_server over ssh.
type shellExecutor struct {
	host    string
	workDir string

	wg sync.WaitGroup
}

func isLocalHost(host string) bool {
	return host == "" || host == "localhost" || host == "127.0.0.1"
}

func (s *shellExecutor) command(task *TaskInfo) *exec.Cmd {
	if isLocalHost(s.host) {
		cmd := exec.Command("sh", "-c", task.Command)
		cmd.Dir = s.workDir
		return cmd
	}
	remote := task.Command
	if s.workDir != "" {
		remote = "cd " + singleQuote(s.workDir) + " && " + task.Command
	}
	return exec.Command("ssh", s.host, remote)
}

// Dispatch starts the task and returns. A background goroutine reaps the
// process and logs how it exited.
func (s *shellExecutor) Dispatch(ctx context.Context, task *TaskInfo) error {
	cmd := s.command(task)
	logger := log.WithField("task", task.TaskName)
	logger.Infof("Launching node task: %s", task.Command)
	if err := cmd.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := cmd.Wait(); err != nil {
			logger.Warnf("Task process exited: %s", err)
			return
		}
		logger.Debug("Task process exited cleanly")
	}()
	return nil
}

// wait blocks until every launched process has exited.
func (s *shellExecutor) wait() {
	s.wg.Wait()
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
