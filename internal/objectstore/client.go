// Package objectstore wraps the S3-compatible bucket (Cloudflare R2) that
// holds photo originals. It issues presigned PUT URLs for direct browser
// uploads, validates stored objects during settlement and deletes objects
// for the hard-delete worker.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/framehaus/server/internal/circuitbreaker"
	"github.com/framehaus/server/internal/config"
)

// ErrObjectNotFound is returned when the object key does not exist in the
// bucket.
var ErrObjectNotFound = errors.New("objectstore: object not found")

// API is the subset of the S3 client the pipeline uses, split out so tests
// can substitute a mock.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client talks to the photo bucket.
type Client struct {
	api      API
	presign  *s3.PresignClient
	bucket   string
	breakers *circuitbreaker.Manager
}

// New creates an object store client for the configured R2 bucket.
func New(ctx context.Context, cfg config.ObjectStoreConfig, breakers *circuitbreaker.Manager) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket not configured")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	region := cfg.Zone
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &Client{
		api:      s3Client,
		presign:  s3.NewPresignClient(s3Client),
		bucket:   cfg.Bucket,
		breakers: breakers,
	}, nil
}

// NewWithAPI creates a client over an injected API, for tests.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// PresignedUpload is a signed PUT the browser performs directly against the
// bucket.
type PresignedUpload struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// putObjectInput builds the input whose fields the presigner binds into
// the signature: content type, length, and If-None-Match so a replayed PUT
// cannot overwrite an object that already settled.
func (c *Client) putObjectInput(objectKey, contentType string, contentLength int64) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(objectKey),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(contentLength),
		IfNoneMatch:   aws.String("*"),
	}
}

// PresignPut signs a PUT for the object key. Content type, length and
// If-None-Match are bound into the signature so the client cannot upload
// something other than what the intent declared, nor overwrite the key.
func (c *Client) PresignPut(ctx context.Context, objectKey, contentType string, contentLength int64, ttl time.Duration) (PresignedUpload, error) {
	if c.presign == nil {
		return PresignedUpload{}, fmt.Errorf("objectstore: presigning unavailable")
	}

	request, err := c.presign.PresignPutObject(ctx, c.putObjectInput(objectKey, contentType, contentLength), s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("objectstore: presign put: %w", err)
	}

	headers := make(map[string]string, len(request.SignedHeader))
	for name, values := range request.SignedHeader {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return PresignedUpload{
		URL:       request.URL,
		Method:    request.Method,
		Headers:   headers,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key           string
	ContentType   string
	ContentLength int64
	ETag          string
}

// Stat verifies the object exists and returns its stored metadata.
// Settlement compares this against the intent before debiting credits.
func (c *Client) Stat(ctx context.Context, objectKey string) (ObjectInfo, error) {
	result, err := c.execute(func() (interface{}, error) {
		return c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(objectKey),
		})
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("objectstore: head object: %w", err)
	}

	head := result.(*s3.HeadObjectOutput)
	info := ObjectInfo{Key: objectKey}
	if head.ContentType != nil {
		info.ContentType = *head.ContentType
	}
	if head.ContentLength != nil {
		info.ContentLength = *head.ContentLength
	}
	if head.ETag != nil {
		info.ETag = *head.ETag
	}
	return info, nil
}

// Delete removes the object. Deleting a missing key is not an error so the
// hard-delete worker stays idempotent.
func (c *Client) Delete(ctx context.Context, objectKey string) error {
	_, err := c.execute(func() (interface{}, error) {
		return c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(objectKey),
		})
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("objectstore: delete object: %w", err)
	}
	return nil
}

func (c *Client) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(circuitbreaker.ServiceObjectStore, fn)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
