package corfs

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mattetti/filebuffer"
)

// s3Writer buffers written data and uploads it as a single object when it
// is closed. S3 PUTs are atomic, so readers never observe a partial object.
type s3Writer struct {
	client  s3iface.S3API
	bucket  string
	key     string
	buf     *filebuffer.Buffer
	aborted bool
}

func (s *s3Writer) Write(p []byte) (n int, err error) {
	return s.buf.Write(p)
}

func (s *s3Writer) Close() error {
	if s.aborted {
		return nil
	}
	s.buf.Seek(0, io.SeekStart)
	input := &s3.PutObjectInput{
		Body:   s.buf,
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}
	_, err := s.client.PutObject(input)
	return err
}

// Abort drops the buffered data without uploading it.
func (s *s3Writer) Abort() error {
	s.aborted = true
	return nil
}
