// internal/blob/client.go
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// ErrTooLarge is returned when an object exceeds the client's read limit.
var ErrTooLarge = errors.New("blob: object exceeds size limit")

// Store reads and writes whole objects. Writes under a deterministic key are
// idempotent, which makes them safe to repeat on redelivery.
type Store interface {
	FetchSource(ctx context.Context, bucket, key string) (*Source, error)
	Upload(ctx context.Context, bucket, key string, body []byte, opts UploadOptions) error
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client is an S3 backed Store.
type Client struct {
	api      S3API
	maxBytes int64
}

// Option customises a Client.
type Option func(*Client)

// WithMaxBytes bounds how much of a single object FetchSource reads.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// NewClient wraps an S3 API.
func NewClient(api S3API, opts ...Option) *Client {
	c := &Client{api: api, maxBytes: 1 << 30}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewS3 builds an S3 client from shared AWS configuration. endpoint may point
// at an S3 compatible service such as MinIO.
func NewS3(cfg aws.Config, endpoint string, usePathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})
}

// Source is a downloaded object held in memory.
type Source struct {
	Bucket   string
	Key      string
	Filename string
	MimeType string
	Body     []byte
}

// FetchSource downloads the whole object.
func (c *Client) FetchSource(ctx context.Context, bucket, key string) (*Source, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, ErrTooLarge)
	}

	mimeType := aws.ToString(out.ContentType)
	if mimeType == "" || mimeType == "binary/octet-stream" {
		mimeType = detectMime(body)
	}
	return &Source{
		Bucket:   bucket,
		Key:      key,
		Filename: path.Base(key),
		MimeType: mimeType,
		Body:     body,
	}, nil
}

// UploadOptions customises object persistence.
type UploadOptions struct {
	// ContentType is detected from the body when empty.
	ContentType string
	Metadata    map[string]string
}

// Upload writes body under bucket/key, replacing any existing object.
func (c *Client) Upload(ctx context.Context, bucket, key string, body []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = detectMime(body)
	}
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		Metadata:      opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func detectMime(body []byte) string {
	n := min(len(body), 512)
	return http.DetectContentType(body[:n])
}
