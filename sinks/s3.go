package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// s3PutObjectAPI is the narrow slice of the AWS SDK's s3.Client this sink
// actually calls, in the spirit of teleport's s3sessions.s3Client seam but
// cut down to the one operation a batch upload needs, rather than carrying
// the SDK's entire bucket/object management surface.
type s3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads each batch as one object to an S3-compatible bucket, keyed by
// <prefix>/<window_end_unix>.json[.zst]. Grounded on
// teleport/lib/events/athena/publisher.go's emitViaS3 upload shape, adapted
// from a single-event multipart Uploader to a single PutObject call since a
// batch of flattened records is already bounded in size.
type S3 struct {
	client   s3PutObjectAPI
	bucket   string
	prefix   string
	compress bool
	enc      *zstd.Encoder
}

// NewS3 returns an S3 sink uploading into bucket under prefix. When
// compress is true, each uploaded object is zstd-compressed and gets a
// ".zst" suffix.
func NewS3(client s3PutObjectAPI, bucket, prefix string, compress bool) (*S3, error) {
	s := &S3{client: client, bucket: bucket, prefix: prefix, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		s.enc = enc
	}
	return s, nil
}

func (s *S3) Sink(windowEnd time.Time, records []map[string]any) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("sinks.S3: marshal: %w", err)
	}

	key := fmt.Sprintf("%s/%d.json", s.prefix, windowEnd.Unix())
	if s.compress {
		payload = s.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		key += ".zst"
	}

	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("sinks.S3: put object: %w", err)
	}
	return nil
}
