package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/richardartoul/tieredcache/cachekey"
)

// S3 implements Backend using AWS S3.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a new S3-based cache backend.
// bucket is the S3 bucket name where cache entries will be stored.
// prefix is an optional prefix for all S3 keys (e.g., "cache/" or "").
// Credentials and region come from the default AWS configuration chain.
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	// Test bucket access
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %s: %w", bucket, err)
	}

	return newS3WithClient(client, bucket, prefix), nil
}

func newS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Get implements Backend.
func (s *S3) Get(ctx context.Context, key cachekey.Key) (io.ReadCloser, int64, bool, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, true, nil
		}
		return nil, 0, false, fmt.Errorf("failed to get object from S3: %w", err)
	}

	size := int64(-1)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, false, nil
}

// Put implements Backend. body should be seekable (an *os.File in practice)
// so the SDK can sign the payload without buffering it.
func (s *S3) Put(ctx context.Context, key cachekey.Key, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Close implements Backend.
func (s *S3) Close() error {
	return nil
}

// Clear removes all entries under the prefix.
func (s *S3) Clear(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var deleteObjects []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			deleteObjects = append(deleteObjects, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}
	}

	// Delete objects (S3 allows up to 1000 objects per request)
	for i := 0; i < len(deleteObjects); i += 1000 {
		end := min(i+1000, len(deleteObjects))

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: deleteObjects[i:end],
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete S3 objects: %w", err)
		}
	}

	return nil
}

// objectKey converts a cache key to an S3 object key.
func (s *S3) objectKey(key cachekey.Key) string {
	return s.prefix + key.Hex()
}

// isS3NotFound checks if an error is a "not found" error from S3.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}
