package corlambda

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	log "github.com/sirupsen/logrus"
)

// packageBuilder produces the zipped deployment package of the running
// program.
var packageBuilder = buildPackage

// LambdaClient wraps the AWS Lambda API
type LambdaClient struct {
	Client lambdaiface.LambdaAPI
}

// FunctionConfig holds the deployment settings of the worker function.
type FunctionConfig struct {
	Name       string
	RoleARN    string
	Timeout    int64
	MemorySize int64
}

// NewLambdaClient initializes a new LambdaClient
func NewLambdaClient() *LambdaClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &LambdaClient{
		Client: lambda.New(sess),
	}
}

func functionNeedsUpdate(functionCode []byte, cfg *lambda.FunctionConfiguration) bool {
	codeHash := sha256.New()
	codeHash.Write(functionCode)
	codeHashDigest := base64.StdEncoding.EncodeToString(codeHash.Sum(nil))
	return cfg.CodeSha256 == nil || codeHashDigest != *cfg.CodeSha256
}

func functionConfigNeedsUpdate(function *FunctionConfig, cfg *lambda.FunctionConfiguration) bool {
	return aws.StringValue(cfg.Role) != function.RoleARN ||
		aws.Int64Value(cfg.Timeout) != function.Timeout ||
		aws.Int64Value(cfg.MemorySize) != function.MemorySize
}

// DeployFunction builds the current program for Lambda and creates or
// updates the function described by function.
func (l *LambdaClient) DeployFunction(function *FunctionConfig) error {
	functionCode, err := packageBuilder()
	if err != nil {
		return fmt.Errorf("building lambda package: %w", err)
	}

	exists, err := l.getFunction(function.Name)
	if exists != nil && err == nil {
		return l.updateFunction(function, functionCode, exists.Configuration)
	}

	log.Debugf("Creating Lambda function '%s'", function.Name)
	return l.createFunction(function, functionCode)
}

// DeleteFunction tears down the given function
func (l *LambdaClient) DeleteFunction(functionName string) error {
	deleteInput := &lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	}

	log.Debugf("Deleting function '%s'", functionName)
	_, err := l.Client.DeleteFunction(deleteInput)
	return err
}

func crossCompile(binName string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "")
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(tmpDir, binName)

	args := []string{
		"build",
		"-o", outputPath,
		"-ldflags", "-s -w",
		".",
	}
	cmd := exec.Command("go", args...)

	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH=amd64", "CGO_ENABLED=0")

	combinedOut, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s\n%s", err, combinedOut)
	}

	return outputPath, nil
}

func buildPackage() ([]byte, error) {
	log.Debug("Compiling lambda function for Lambda")
	binFile, err := crossCompile("lambda_artifact")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(filepath.Dir(binFile))

	binReader, err := os.Open(binFile)
	if err != nil {
		return nil, err
	}
	defer binReader.Close()

	zipBuf := new(bytes.Buffer)
	archive := zip.NewWriter(zipBuf)
	header := &zip.FileHeader{
		Name:           "main",
		ExternalAttrs:  (0777 << 16), // File permissions
		CreatorVersion: (3 << 8),     // Magic number indicating a Unix creator
	}

	log.Debug("Adding binary to zip archive")
	writer, err := archive.CreateHeader(header)
	if err != nil {
		return nil, err
	}

	if _, err = io.Copy(writer, binReader); err != nil {
		return nil, err
	}
	if err := archive.Close(); err != nil {
		return nil, err
	}

	return zipBuf.Bytes(), nil
}

func (l *LambdaClient) updateFunction(function *FunctionConfig, code []byte, cfg *lambda.FunctionConfiguration) error {
	if functionNeedsUpdate(code, cfg) {
		log.Debugf("Updating Lambda function code of '%s'", function.Name)
		updateArgs := &lambda.UpdateFunctionCodeInput{
			ZipFile:      code,
			FunctionName: aws.String(function.Name),
		}
		if _, err := l.Client.UpdateFunctionCode(updateArgs); err != nil {
			return err
		}
	} else {
		log.Debugf("Function code of '%s' is already up-to-date", function.Name)
	}

	if !functionConfigNeedsUpdate(function, cfg) {
		return nil
	}
	log.Debugf("Updating Lambda function configuration of '%s'", function.Name)
	updateConfigArgs := &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(function.Name),
		Role:         aws.String(function.RoleARN),
		Timeout:      aws.Int64(function.Timeout),
		MemorySize:   aws.Int64(function.MemorySize),
	}
	_, err := l.Client.UpdateFunctionConfiguration(updateConfigArgs)
	return err
}

func (l *LambdaClient) createFunction(function *FunctionConfig, code []byte) error {
	funcCode := &lambda.FunctionCode{
		ZipFile: code,
	}

	createArgs := &lambda.CreateFunctionInput{
		Code:         funcCode,
		FunctionName: aws.String(function.Name),
		Handler:      aws.String("main"),
		Runtime:      aws.String(lambda.RuntimeGo1X),
		Role:         aws.String(function.RoleARN),
		Timeout:      aws.Int64(function.Timeout),
		MemorySize:   aws.Int64(function.MemorySize),
	}

	_, err := l.Client.CreateFunction(createArgs)
	return err
}

func (l *LambdaClient) getFunction(functionName string) (*lambda.GetFunctionOutput, error) {
	getInput := &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	}

	return l.Client.GetFunction(getInput)
}

// InvokeAsync queues an asynchronous ("Event") invocation of the given
// function. It returns once Lambda has accepted the event; the function
// reports completion through its own side effects.
func (l *LambdaClient) InvokeAsync(functionName string, payload []byte) error {
	invokeInput := &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	}

	output, err := l.Client.Invoke(invokeInput)
	if err != nil {
		return err
	}
	if code := aws.Int64Value(output.StatusCode); code != 0 && code != 202 {
		return fmt.Errorf("lambda rejected event for '%s' with status %d", functionName, code)
	}
	return nil
}
