package corfs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mattetti/filebuffer"
)

// S3FileSystem abstracts AWS S3 as a filesystem. Paths are of the form
// "s3://bucket/key".
type S3FileSystem struct {
	Client s3iface.S3API
}

func parseS3URI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("invalid s3 uri: %s", uri)
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return parsed, nil
}

// ListFiles lists the objects matching pathGlob.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	s3Files := make([]FileInfo, 0)

	parsed, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(parsed.Hostname()),
		Prefix: aws.String(globPrefix(parsed.Path)),
	}

	var matchErr error
	err = s.Client.ListObjectsV2Pages(params,
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, object := range page.Contents {
				matched, err := path.Match(parsed.Path, *object.Key)
				if err != nil {
					matchErr = err
					return false
				}
				if !matched && !strings.HasPrefix(*object.Key, strings.TrimSuffix(parsed.Path, "/")+"/") {
					continue
				}
				s3Files = append(s3Files, FileInfo{
					Name: fmt.Sprintf("s3://%s/%s", parsed.Hostname(), *object.Key),
					Size: *object.Size,
				})
			}
			return true
		})
	if matchErr != nil {
		return nil, matchErr
	}

	return s3Files, err
}

// OpenReader opens a reader to the object at filePath. The reader
// is initially seeked to "startAt" bytes into the object.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	params := &s3.GetObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	if startAt > 0 {
		params.Range = aws.String(fmt.Sprintf("bytes=%d-", startAt))
	}
	output, err := s.Client.GetObject(params)
	if err != nil {
		return nil, translateS3Error(filePath, err)
	}
	return output.Body, nil
}

// OpenWriter opens a writer to the object at filePath. The object is
// uploaded when the writer is closed.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	writer := &s3Writer{
		client: s.Client,
		bucket: parsed.Hostname(),
		key:    parsed.Path,
		buf:    filebuffer.New(nil),
	}
	return writer, nil
}

// Stat returns information about the object at filePath.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	params := &s3.HeadObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	output, err := s.Client.HeadObject(params)
	if err != nil {
		return FileInfo{}, translateS3Error(filePath, err)
	}

	return FileInfo{
		Name: filePath,
		Size: aws.Int64Value(output.ContentLength),
	}, nil
}

// Delete deletes the object at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return err
	}

	params := &s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	_, err = s.Client.DeleteObject(params)
	return err
}

// Join joins object path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if strings.HasPrefix(str, "s3://") {
			str = str[len("s3://"):]
		}
		stripped[i] = str
	}
	return "s3://" + path.Join(stripped...)
}

// Init initializes the S3 client from the shared AWS configuration.
func (s *S3FileSystem) Init() error {
	os.Setenv("AWS_SDK_LOAD_CONFIG", "true")
	sess, err := session.NewSession()
	if err != nil {
		return err
	}
	s.Client = s3.New(sess)
	return nil
}

func translateS3Error(filePath string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%s: %w", filePath, os.ErrNotExist)
		}
	}
	return err
}
