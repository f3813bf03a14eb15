package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/clusterize/internal/pkg/assembler"
	"github.com/bcongdon/clusterize/internal/pkg/blockfs"
	"github.com/bcongdon/clusterize/internal/pkg/coriam"
	"github.com/bcongdon/clusterize/internal/pkg/corlambda"
	"github.com/bcongdon/clusterize/internal/pkg/resultfile"
	"github.com/bcongdon/clusterize/ndarray"
)

// execute runs blockctl with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	listPending = false
	invalidateAll = false
	undeployFunction = "clusterize_function"
	undeployRole = "clusterize_role"
	keepRole = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// testFileset creates a 4x4 uint8 fileset of 2x2 blocks whose first two
// blocks are available.
func testFileset(t *testing.T) string {
	descPath := filepath.Join(t.TempDir(), "result.json")
	store, err := openFileset(descPath, blockfs.ReadWrite)
	require.Nil(t, err)
	defer store.Close()

	_, err = store.Reconcile(blockfs.Params{
		Axes:       "xy",
		Shape:      []int{4, 4},
		DType:      ndarray.Uint8,
		BlockShape: []int{2, 2},
	})
	require.Nil(t, err)
	for i, roi := range store.AllBlockRois()[:2] {
		arr := ndarray.NewArray(roi, ndarray.Uint8)
		for j := range arr.Data {
			arr.Data[j] = byte(i + 1)
		}
		attempt, err := store.StartAttempt(roi.Start)
		require.Nil(t, err)
		require.Nil(t, attempt.WriteData(arr))
		require.Nil(t, attempt.Publish())
	}
	return descPath
}

func TestStatus(t *testing.T) {
	descPath := testFileset(t)

	out, err := execute(t, "status", "--pending", descPath)
	require.Nil(t, err)
	assert.Contains(t, out, descPath)
	assert.Contains(t, out, "2 of 4 blocks (8 B)")
	assert.Contains(t, out, "[(2, 0), (4, 2)]")
	assert.Contains(t, out, "[(2, 2), (4, 4)]")
	assert.NotContains(t, out, "[(0, 0), (2, 2)]\n")
}

func TestStatusMissingFileset(t *testing.T) {
	_, err := execute(t, "status", filepath.Join(t.TempDir(), "nope.json"))
	assert.NotNil(t, err)
}

func TestInvalidateBlock(t *testing.T) {
	descPath := testFileset(t)

	out, err := execute(t, "invalidate", descPath, "[(0, 2), (2, 4)]")
	require.Nil(t, err)
	assert.Equal(t, "Invalidated 1 blocks\n", out)

	out, err = execute(t, "status", descPath)
	require.Nil(t, err)
	assert.Contains(t, out, "1 of 4 blocks")
}

func TestInvalidateAll(t *testing.T) {
	descPath := testFileset(t)

	_, err := execute(t, "invalidate", "--all", descPath)
	require.Nil(t, err)

	out, err := execute(t, "status", descPath)
	require.Nil(t, err)
	assert.Contains(t, out, "0 of 4 blocks")
}

func TestInvalidateRejectsPartialBlock(t *testing.T) {
	descPath := testFileset(t)

	_, err := execute(t, "invalidate", descPath, "[(0, 0), (1, 1)]")
	assert.ErrorIs(t, err, blockfs.ErrBlockAlignment)

	_, err = execute(t, "invalidate", descPath)
	assert.NotNil(t, err)
}

func TestAssemble(t *testing.T) {
	descPath := testFileset(t)
	output := filepath.Join(t.TempDir(), "final.bwr")

	out, err := execute(t, "assemble", descPath, output)
	require.Nil(t, err)
	assert.Contains(t, out, "Copied 2 blocks")
	assert.Contains(t, out, "2 still missing")

	f, err := resultfile.Open(output)
	require.Nil(t, err)
	defer f.Close()
	assert.Equal(t, assembler.FinalDatasetName, f.Header().Dataset)
	data, err := f.ReadRegion(ndarray.NewRoi([]int{0, 0}, []int{2, 4}))
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 1, 2, 2, 1, 1, 2, 2}, data.Data)
}

func TestVerify(t *testing.T) {
	descPath := testFileset(t)
	output := filepath.Join(t.TempDir(), "final.bwr")
	_, err := execute(t, "assemble", descPath, output)
	require.Nil(t, err)

	out, err := execute(t, "verify", descPath, output)
	require.Nil(t, err)
	assert.Equal(t, "Verified 2 blocks, 2 missing\n", out)

	// Corrupt one assembled block.
	f, err := resultfile.Open(output)
	require.Nil(t, err)
	require.Nil(t, f.WriteRegion(ndarray.NewArray(ndarray.NewRoi([]int{0, 0}, []int{1, 1}), ndarray.Uint8)))
	require.Nil(t, f.Close())

	out, err = execute(t, "verify", descPath, output)
	assert.NotNil(t, err)
	assert.Contains(t, out, "Mismatch: [(0, 0), (2, 2)]")
}

func TestVerifyAfterInvalidate(t *testing.T) {
	descPath := testFileset(t)
	output := filepath.Join(t.TempDir(), "final.bwr")
	_, err := execute(t, "assemble", descPath, output)
	require.Nil(t, err)
	_, err = execute(t, "invalidate", descPath, "[(0, 0), (2, 2)]")
	require.Nil(t, err)

	out, err := execute(t, "verify", descPath, output)
	assert.NotNil(t, err)
	assert.Contains(t, out, "[(0, 0), (2, 2)] (not available)")
}

func TestPrune(t *testing.T) {
	descPath := testFileset(t)
	store, err := openFileset(descPath, blockfs.ReadWrite)
	require.Nil(t, err)
	blocks := store.AllBlockRois()
	// An attempt abandoned before its block was published elsewhere, and
	// one still running on a pending block.
	require.Nil(t, store.Invalidate(blocks[0].Start))
	abandoned, err := store.StartAttempt(blocks[0].Start)
	require.Nil(t, err)
	require.Nil(t, abandoned.WriteData(ndarray.NewArray(blocks[0], ndarray.Uint8)))
	published, err := store.StartAttempt(blocks[0].Start)
	require.Nil(t, err)
	require.Nil(t, published.WriteData(ndarray.NewArray(blocks[0], ndarray.Uint8)))
	require.Nil(t, published.Publish())
	running, err := store.StartAttempt(blocks[3].Start)
	require.Nil(t, err)
	require.Nil(t, running.WriteData(ndarray.NewArray(blocks[3], ndarray.Uint8)))
	require.Nil(t, store.Close())

	out, err := execute(t, "prune", descPath)
	require.Nil(t, err)
	assert.Equal(t, "Pruned 2 chunks from 1 blocks\n", out)

	out, err = execute(t, "prune", descPath)
	require.Nil(t, err)
	assert.Equal(t, "Pruned 0 chunks from 0 blocks\n", out)
}

type lambdaDeleteMock struct {
	lambdaiface.LambdaAPI
	deleted []string
}

func (m *lambdaDeleteMock) DeleteFunction(input *lambda.DeleteFunctionInput) (*lambda.DeleteFunctionOutput, error) {
	m.deleted = append(m.deleted, aws.StringValue(input.FunctionName))
	return &lambda.DeleteFunctionOutput{}, nil
}

type iamDeleteMock struct {
	iamiface.IAMAPI
	deletedPolicies []string
	deletedRoles    []string
}

func (m *iamDeleteMock) DeleteRolePolicy(input *iam.DeleteRolePolicyInput) (*iam.DeleteRolePolicyOutput, error) {
	m.deletedPolicies = append(m.deletedPolicies, aws.StringValue(input.RoleName)+"/"+aws.StringValue(input.PolicyName))
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (m *iamDeleteMock) DeleteRole(input *iam.DeleteRoleInput) (*iam.DeleteRoleOutput, error) {
	m.deletedRoles = append(m.deletedRoles, aws.StringValue(input.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

func stubAWSClients(t *testing.T) (*lambdaDeleteMock, *iamDeleteMock) {
	lambdaMock, iamMock := &lambdaDeleteMock{}, &iamDeleteMock{}
	newLambdaClient = func() *corlambda.LambdaClient { return &corlambda.LambdaClient{Client: lambdaMock} }
	newIAMClient = func() *coriam.IAMClient { return &coriam.IAMClient{Client: iamMock} }
	t.Cleanup(func() {
		newLambdaClient = corlambda.NewLambdaClient
		newIAMClient = coriam.NewIAMClient
	})
	return lambdaMock, iamMock
}

func TestUndeploy(t *testing.T) {
	lambdaMock, iamMock := stubAWSClients(t)

	out, err := execute(t, "undeploy", "--function", "segmenter", "--role", "segmenter_role")
	require.Nil(t, err)
	assert.Equal(t, "Deleted function segmenter\nDeleted role segmenter_role\n", out)
	assert.Equal(t, []string{"segmenter"}, lambdaMock.deleted)
	assert.Equal(t, []string{"segmenter_role/clusterize-permissions"}, iamMock.deletedPolicies)
	assert.Equal(t, []string{"segmenter_role"}, iamMock.deletedRoles)
}

func TestUndeployKeepRole(t *testing.T) {
	lambdaMock, iamMock := stubAWSClients(t)

	_, err := execute(t, "undeploy", "--keep-role")
	require.Nil(t, err)
	assert.Equal(t, []string{"clusterize_function"}, lambdaMock.deleted)
	assert.Empty(t, iamMock.deletedRoles)
}
