package corfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	"gocloud.dev/gcerrors"
)

// BlobFileSystem serves "gs://bucket/key" (and "mem://bucket/key") paths
// through gocloud.dev buckets. Buckets are opened lazily and kept open.
type BlobFileSystem struct {
	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// Register makes bucket serve paths under bucketURL, e.g. "mem://scratch".
func (b *BlobFileSystem) Register(bucketURL string, bucket *blob.Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buckets == nil {
		b.buckets = make(map[string]*blob.Bucket)
	}
	b.buckets[bucketURL] = bucket
}

func (b *BlobFileSystem) resolve(filePath string) (*blob.Bucket, string, error) {
	parsed, err := url.Parse(filePath)
	if err != nil {
		return nil, "", err
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("invalid blob uri: %s", filePath)
	}
	bucketURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	key := strings.TrimPrefix(parsed.Path, "/")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buckets == nil {
		b.buckets = make(map[string]*blob.Bucket)
	}
	bucket, ok := b.buckets[bucketURL]
	if !ok {
		bucket, err = blob.OpenBucket(context.Background(), bucketURL)
		if err != nil {
			return nil, "", fmt.Errorf("open bucket %s: %w", bucketURL, err)
		}
		b.buckets[bucketURL] = bucket
	}
	return bucket, key, nil
}

// ListFiles lists the objects matching pathGlob.
func (b *BlobFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	bucket, pattern, err := b.resolve(pathGlob)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(pathGlob, pattern)

	ctx := context.Background()
	files := make([]FileInfo, 0)
	iter := bucket.List(&blob.ListOptions{Prefix: globPrefix(pattern)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		matched, err := path.Match(pattern, obj.Key)
		if err != nil {
			return nil, err
		}
		if !matched && !strings.HasPrefix(obj.Key, strings.TrimSuffix(pattern, "/")+"/") {
			continue
		}
		files = append(files, FileInfo{
			Name: base + obj.Key,
			Size: obj.Size,
		})
	}
	return files, nil
}

// OpenReader opens a reader to the object at filePath, starting at byte
// startAt.
func (b *BlobFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	bucket, key, err := b.resolve(filePath)
	if err != nil {
		return nil, err
	}
	reader, err := bucket.NewRangeReader(context.Background(), key, startAt, -1, nil)
	if err != nil {
		return nil, translateBlobError(filePath, err)
	}
	return reader, nil
}

// OpenWriter opens a writer to the object at filePath. The object becomes
// visible when the writer is closed.
func (b *BlobFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	bucket, key, err := b.resolve(filePath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	writer, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	return &blobWriter{Writer: writer, cancel: cancel}, nil
}

// Stat returns information about the object at filePath.
func (b *BlobFileSystem) Stat(filePath string) (FileInfo, error) {
	bucket, key, err := b.resolve(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	attrs, err := bucket.Attributes(context.Background(), key)
	if err != nil {
		return FileInfo{}, translateBlobError(filePath, err)
	}
	return FileInfo{Name: filePath, Size: attrs.Size}, nil
}

// Delete deletes the object at filePath. Deleting a missing object is not
// an error.
func (b *BlobFileSystem) Delete(filePath string) error {
	bucket, key, err := b.resolve(filePath)
	if err != nil {
		return err
	}
	err = bucket.Delete(context.Background(), key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Join joins object path elements
func (b *BlobFileSystem) Join(elem ...string) string {
	if len(elem) == 0 {
		return ""
	}
	scheme := ""
	first := elem[0]
	if i := strings.Index(first, "://"); i >= 0 {
		scheme = first[:i+3]
		elem = append([]string{first[i+3:]}, elem[1:]...)
	}
	return scheme + path.Join(elem...)
}

// Init initializes the filesystem.
func (b *BlobFileSystem) Init() error {
	return nil
}

// Close closes every open bucket.
func (b *BlobFileSystem) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for u, bucket := range b.buckets {
		if err := bucket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.buckets, u)
	}
	return firstErr
}

type blobWriter struct {
	*blob.Writer
	cancel context.CancelFunc
}

func (w *blobWriter) Close() error {
	defer w.cancel()
	return w.Writer.Close()
}

// Abort cancels the upload; nothing is written.
func (w *blobWriter) Abort() error {
	w.cancel()
	w.Writer.Close()
	return nil
}

func translateBlobError(filePath string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", filePath, os.ErrNotExist)
	}
	return err
}
