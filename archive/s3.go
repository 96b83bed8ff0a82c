package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 archives into an S3 bucket.
type S3 struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 creates the S3 driver. With an access id the driver uses the
// configured static credentials, otherwise credentials and region come
// from the ambient AWS configuration.
func NewS3(ctx context.Context, c Configuration) (*S3, error) {
	if c.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	options := []func(*config.LoadOptions) error{}
	if c.Region != "" {
		options = append(options, config.WithRegion(c.Region))
	}
	if c.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	return &S3{
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:   c.Bucket,
		prefix:   c.Prefix,
	}, nil
}

// Store uploads the object under the configured prefix.
func (s *S3) Store(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   r,
	})
	return err
}
