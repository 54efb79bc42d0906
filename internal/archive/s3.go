// internal/archive/s3.go
// Package archive stores copies of resolved metadata documents in an
// S3-compatible object store, keyed by payload digest. Archiving is
// optional and best-effort: a failed upload degrades the audit trail,
// never the resolution itself.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client wraps the AWS S3 client for document archival. It supports
// both AWS S3 and S3-compatible services like MinIO.
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates an archive client against the given endpoint and
// bucket with static credentials.
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{client: client, bucket: bucket}, nil
}

// PutDocument uploads one resolved document under its digest key.
// Re-archiving the same digest overwrites with identical content, so
// the operation is idempotent.
func (s *S3Client) PutDocument(ctx context.Context, digest string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(digest)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to archive document %s: %w", digest, err)
	}
	return nil
}

// GenerateDownloadURL generates a presigned GET URL for an archived
// document so clients can fetch it without streaming through the
// service.
func (s *S3Client) GenerateDownloadURL(ctx context.Context, digest string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(digest)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignResult.URL, nil
}

// objectKey shards archived documents by the first digest byte to keep
// listings manageable.
func objectKey(digest string) string {
	if len(digest) < 2 {
		return "documents/" + digest
	}
	return "documents/" + digest[:2] + "/" + digest
}
