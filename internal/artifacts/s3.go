package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options locates the bucket traces are mirrored to.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Mirror keeps trace archives in an S3-compatible bucket.
type S3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror loads AWS credentials from the default chain.
func NewS3Mirror(ctx context.Context, opts S3Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Mirror{client: client, bucket: opts.Bucket}, nil
}

// Upload stores body under key.
func (m *S3Mirror) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Open streams key back. Missing objects map to ErrNotFound.
func (m *S3Mirror) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}
