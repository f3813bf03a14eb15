package blockfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/clusterize/internal/pkg/corfs"
	"github.com/bcongdon/clusterize/ndarray"
)

func testParams() Params {
	return Params{
		Axes:       "xyz",
		Shape:      []int{10, 10, 1},
		DType:      ndarray.Uint8,
		BlockShape: []int{5, 5, 1},
	}
}

func openTestFileset(t *testing.T, dir string) *Fileset {
	fs := &corfs.LocalFileSystem{}
	fileset, err := Open(fs, filepath.Join(dir, "result.json"), ReadWrite)
	require.Nil(t, err)
	_, err = fileset.Reconcile(testParams())
	require.Nil(t, err)
	return fileset
}

func filledArray(roi ndarray.Roi, value byte) *ndarray.Array {
	arr := ndarray.NewArray(roi, ndarray.Uint8)
	for i := range arr.Data {
		arr.Data[i] = value
	}
	return arr
}

// publishBlock computes block in a single attempt filled with value.
func publishBlock(t *testing.T, fileset *Fileset, block ndarray.Roi, value byte) *Attempt {
	attempt, err := fileset.StartAttempt(block.Start)
	require.Nil(t, err)
	require.Nil(t, attempt.WriteData(filledArray(block, value)))
	require.Nil(t, attempt.Publish())
	return attempt
}

func TestOpenCreatesDescription(t *testing.T) {
	dir := t.TempDir()
	fs := &corfs.LocalFileSystem{}
	descPath := filepath.Join(dir, "result.json")

	fileset, err := Open(fs, descPath, ReadWrite)
	require.Nil(t, err)
	assert.False(t, fileset.Description().Initialized())
	assert.Nil(t, fileset.Close())

	desc, err := ReadDescription(fs, descPath)
	require.Nil(t, err)
	assert.Equal(t, DefaultBlockFileNameFormat, desc.BlockFileNameFormat)
}

func TestOpenMissingReadOnly(t *testing.T) {
	fs := &corfs.LocalFileSystem{}
	_, err := Open(fs, filepath.Join(t.TempDir(), "missing.json"), ReadOnly)
	assert.True(t, errors.Is(err, ErrDescriptor))
}

func TestOpenMalformedDescription(t *testing.T) {
	dir := t.TempDir()
	descPath := filepath.Join(dir, "result.json")
	os.WriteFile(descPath, []byte("{not json"), 0644)

	_, err := Open(&corfs.LocalFileSystem{}, descPath, ReadWrite)
	assert.True(t, errors.Is(err, ErrDescriptor))

	os.WriteFile(descPath, []byte(`{"block_file_name_format": "blocks"}`), 0644)
	_, err = Open(&corfs.LocalFileSystem{}, descPath, ReadWrite)
	assert.True(t, errors.Is(err, ErrDescriptor))
}

func TestReconcileFingerprint(t *testing.T) {
	dir := t.TempDir()
	fileset := openTestFileset(t, dir)
	defer fileset.Close()

	desc := fileset.Description()
	assert.Equal(t, desc.Fingerprint(), desc.HashID)
	assert.Equal(t, 4, len(fileset.AllBlockRois()))

	// Same parameters again is a no-op.
	invalidated, err := fileset.Reconcile(testParams())
	assert.Nil(t, err)
	assert.False(t, invalidated)
}

func TestReconcileInvalidatesBlocks(t *testing.T) {
	dir := t.TempDir()
	fileset := openTestFileset(t, dir)

	for _, block := range fileset.AllBlockRois() {
		publishBlock(t, fileset, block, 1)
	}
	require.Nil(t, fileset.Close())

	fileset, err := Open(&corfs.LocalFileSystem{}, filepath.Join(dir, "result.json"), ReadWrite)
	require.Nil(t, err)
	defer fileset.Close()

	params := testParams()
	params.BlockShape = []int{10, 5, 1}
	invalidated, err := fileset.Reconcile(params)
	require.Nil(t, err)
	assert.True(t, invalidated)

	blocks := fileset.AllBlockRois()
	assert.Len(t, blocks, 2)
	for _, block := range blocks {
		status, err := fileset.Status(block.Start)
		assert.Nil(t, err)
		assert.Equal(t, NotAvailable, status)
	}
}

func TestStatusSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fileset := openTestFileset(t, dir)

	block, err := fileset.BlockRoiAt([]int{5, 0, 0})
	require.Nil(t, err)
	publishBlock(t, fileset, block, 7)
	require.Nil(t, fileset.Close())

	fileset, err = Open(&corfs.LocalFileSystem{}, filepath.Join(dir, "result.json"), ReadOnly)
	require.Nil(t, err)
	defer fileset.Close()

	status, err := fileset.Status([]int{5, 0, 0})
	assert.Nil(t, err)
	assert.Equal(t, Available, status)

	status, err = fileset.Status([]int{0, 0, 0})
	assert.Nil(t, err)
	assert.Equal(t, NotAvailable, status)

	data, err := fileset.ReadData(block)
	require.Nil(t, err)
	assert.Equal(t, filledArray(block, 7).Data, data.Data)
}

func TestAvailableBlockIsImmutable(t *testing.T) {
	fileset := openTestFileset(t, t.TempDir())
	defer fileset.Close()

	block := fileset.AllBlockRois()[0]
	publishBlock(t, fileset, block, 1)

	_, err := fileset.StartAttempt(block.Start)
	assert.True(t, errors.Is(err, ErrBlockImmutable))

	data, err := fileset.ReadData(block)
	require.Nil(t, err)
	assert.Equal(t, filledArray(block, 1).Data, data.Data)
}

func TestReadDataAcrossBlocks(t *testing.T) {
	fileset := openTestFileset(t, t.TempDir())
	defer fileset.Close()

	blocks := fileset.AllBlockRois()
	for i, block := range blocks {
		publishBlock(t, fileset, block, byte(i+1))
	}

	roi := ndarray.NewRoi([]int{3, 3, 0}, []int{7, 7, 1})
	data, err := fileset.ReadData(roi)
	require.Nil(t, err)
	counts := make(map[byte]int)
	for _, v := range data.Data {
		counts[v]++
	}
	assert.Equal(t, map[byte]int{1: 4, 2: 4, 3: 4, 4: 4}, counts)
}

func TestInvalidate(t *testing.T) {
	fileset := openTestFileset(t, t.TempDir())
	defer fileset.Close()

	block := fileset.AllBlockRois()[3]
	publishBlock(t, fileset, block, 4)
	require.Nil(t, fileset.Invalidate(block.Start))

	status, err := fileset.Status(block.Start)
	require.Nil(t, err)
	assert.Equal(t, NotAvailable, status)

	data, err := fileset.ReadData(block)
	require.Nil(t, err)
	assert.Equal(t, make([]byte, block.Volume()), data.Data)

	// The block can be computed again.
	publishBlock(t, fileset, block, 5)
	data, err = fileset.ReadData(block)
	require.Nil(t, err)
	assert.Equal(t, filledArray(block, 5).Data, data.Data)
}

func TestBlockRoiAtAlignment(t *testing.T) {
	fileset := openTestFileset(t, t.TempDir())
	defer fileset.Close()

	_, err := fileset.BlockRoiAt([]int{3, 0, 0})
	assert.True(t, errors.Is(err, ErrBlockAlignment))
	_, err = fileset.Status([]int{3, 0, 0})
	assert.True(t, errors.Is(err, ErrBlockAlignment))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	openTestFileset(t, dir).Close()

	fileset, err := Open(&corfs.LocalFileSystem{}, filepath.Join(dir, "result.json"), ReadOnly)
	require.Nil(t, err)
	defer fileset.Close()

	_, err = fileset.StartAttempt([]int{0, 0, 0})
	assert.True(t, errors.Is(err, ErrReadOnly))
	err = fileset.Invalidate([]int{0, 0, 0})
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestCloseTwice(t *testing.T) {
	fileset := openTestFileset(t, t.TempDir())
	assert.Nil(t, fileset.Close())
	assert.Equal(t, ErrClosed, fileset.Close())

	_, err := fileset.Status([]int{0, 0, 0})
	assert.True(t, errors.Is(err, ErrClosed))
}

// failingFileSystem serves reads from a local directory and fails every
// mutation.
type failingFileSystem struct {
	corfs.LocalFileSystem
}

func (f *failingFileSystem) OpenWriter(string) (io.WriteCloser, error) {
	return nil, errors.New("disk full")
}

func (f *failingFileSystem) Delete(string) error {
	return errors.New("disk full")
}

func TestStorageErrors(t *testing.T) {
	dir := t.TempDir()
	openTestFileset(t, dir).Close()

	fileset, err := Open(&failingFileSystem{}, filepath.Join(dir, "result.json"), ReadWrite)
	require.Nil(t, err)
	defer fileset.Close()

	attempt, err := fileset.StartAttempt([]int{0, 0, 0})
	require.Nil(t, err)
	err = attempt.WriteData(filledArray(attempt.Block(), 1))
	assert.True(t, errors.Is(err, ErrStorage))
	err = attempt.Publish()
	assert.True(t, errors.Is(err, ErrStorage))
	err = fileset.Invalidate([]int{0, 0, 0})
	assert.True(t, errors.Is(err, ErrStorage))

	status, err := fileset.Status([]int{0, 0, 0})
	assert.Nil(t, err)
	assert.Equal(t, NotAvailable, status)
}

func TestBlockName(t *testing.T) {
	desc := Description{BlockFileNameFormat: "part-{start}-data"}
	assert.Equal(t, "part-0_500_0-data", desc.BlockName([]int{0, 500, 0}))
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/data/out", parentDir("/data/out/result.json"))
	assert.Equal(t, "s3://bucket/out", parentDir("s3://bucket/out/result.json"))
	assert.Equal(t, "s3://bucket", parentDir("s3://bucket/result.json"))
	assert.Equal(t, ".", parentDir("result.json"))
}
