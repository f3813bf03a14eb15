package corfs

import (
	"errors"
	"io"
	"os"
	"strings"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
	Blob
)

// FileSystem provides the storage backend for the block store, the task
// logs and the per-block result files. Paths are absolute within the
// filesystem, e.g. "/data/out.json" or "s3://bucket/out.json".
//
// Writers publish their contents when they are closed: a reader never sees a
// partially written file, and a successful Close means the file is durable.
// Stat and OpenReader return an error satisfying errors.Is(err,
// os.ErrNotExist) for missing files.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Delete(filePath string) error
	Join(elem ...string) string
	Init() error
}

// FileInfo provides information about a file
type FileInfo struct {
	Name string // file path
	Size int64  // file size in bytes
}

// InitFilesystem intializes a filesystem of the given type.
func InitFilesystem(fsType FileSystemType) FileSystem {
	var fs FileSystem
	switch fsType {
	case Local:
		fs = &LocalFileSystem{}
	case S3:
		fs = &S3FileSystem{}
	case Blob:
		fs = &BlobFileSystem{}
	}

	fs.Init()
	return fs
}

// InferFilesystem initializes a filesystem by inferring its type from
// a file address.
// For example, locations starting with "s3://" will resolve to an S3
// filesystem.
func InferFilesystem(location string) FileSystem {
	return InitFilesystem(InferType(location))
}

// InferType returns the FileSystemType serving location.
func InferType(location string) FileSystemType {
	switch {
	case strings.HasPrefix(location, "s3://"):
		return S3
	case strings.HasPrefix(location, "gs://"), strings.HasPrefix(location, "mem://"):
		return Blob
	}
	return Local
}

// ReadFile reads the whole file at filePath.
func ReadFile(fs FileSystem, filePath string) ([]byte, error) {
	reader, err := fs.OpenReader(filePath, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// WriteFile writes data to filePath, replacing any previous contents.
func WriteFile(fs FileSystem, filePath string, data []byte) error {
	writer, err := fs.OpenWriter(filePath)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		Abort(writer)
		return err
	}
	return writer.Close()
}

// Abort discards a writer returned by OpenWriter without publishing it.
func Abort(writer io.WriteCloser) error {
	if a, ok := writer.(interface{ Abort() error }); ok {
		return a.Abort()
	}
	return writer.Close()
}

// Exists reports whether filePath exists. Errors other than a missing file
// are returned.
func Exists(fs FileSystem, filePath string) (bool, error) {
	_, err := fs.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// globPrefix returns the portion of pattern before its first glob
// metacharacter.
func globPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
