package clusterize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bcongdon/clusterize/internal/pkg/coriam"
	"github.com/bcongdon/clusterize/internal/pkg/corlambda"
)

// runningInLambda infers if the program is running in AWS lambda via inspection of the environment
func runningInLambda() bool {
	expectedEnvVars := []string{"LAMBDA_TASK_ROOT", "AWS_EXECUTION_ENV", "LAMBDA_RUNTIME_DIR"}
	for _, envVar := range expectedEnvVars {
		if os.Getenv(envVar) == "" {
			return false
		}
	}
	return true
}

// lambdaTask is the event payload of a worker invocation.
type lambdaTask struct {
	TaskName string
	Args     []string
}

// handleRequest computes one block inside Lambda.
func (d *Driver) handleRequest(ctx context.Context, task lambdaTask) (string, error) {
	if err := d.runWorker(ctx, task.Args); err != nil {
		return "", err
	}
	return task.TaskName, nil
}

// lambdaExecutor dispatches each task as an asynchronous invocation of a
// Lambda function running this same program.
type lambdaExecutor struct {
	*corlambda.LambdaClient
	iamClient    *coriam.IAMClient
	functionName string
}

func newLambdaExecutor(functionName string) *lambdaExecutor {
	return &lambdaExecutor{
		LambdaClient: corlambda.NewLambdaClient(),
		iamClient:    coriam.NewIAMClient(),
		functionName: functionName,
	}
}

func (l *lambdaExecutor) Dispatch(ctx context.Context, task *TaskInfo) error {
	payload, err := json.Marshal(lambdaTask{TaskName: task.TaskName, Args: task.Args})
	if err != nil {
		return err
	}
	return l.InvokeAsync(l.functionName, payload)
}

// Deploy creates or updates the worker function. Without lambda_role_arn,
// the role named lambda_role_name is provisioned first.
func (l *lambdaExecutor) Deploy(cfg *ClusterConfig) error {
	roleARN := cfg.LambdaRoleARN
	if roleARN == "" {
		var err error
		roleARN, err = l.iamClient.DeployPermissions(cfg.LambdaRoleName)
		if err != nil {
			return fmt.Errorf("deploying role %s: %w", cfg.LambdaRoleName, err)
		}
	}
	return l.DeployFunction(&corlambda.FunctionConfig{
		Name:       l.functionName,
		RoleARN:    roleARN,
		Timeout:    cfg.LambdaTimeout,
		MemorySize: cfg.LambdaMemory,
	})
}
