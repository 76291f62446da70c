package artifact

import (
	"bytes"
	"context"
	"errors"
	"extrato-queue/internal/models"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config describes an S3-compatible endpoint (AWS or MinIO)
type S3Config struct {
	// "http://127.0.0.1:9000", empty for AWS defaults
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// S3Store keeps artifacts as objects in a bucket. Locations have the form s3://bucket/key.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Client connects to the configured endpoint with static credentials
func NewS3Client(cfg S3Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	})
}

// NewS3Store creates a store writing under prefix in bucket
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Save uploads r as an application/pdf object
func (s *S3Store) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	// The SDK needs a seekable body to sign the payload.
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := s.prefix + name
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.location(key), nil
}

// Open streams the object at location
func (s *S3Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := parseLocation(location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("artifact %s missing: %w", location, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", location, err)
	}
	return out.Body, nil
}

// Remove deletes the object at location
func (s *S3Store) Remove(ctx context.Context, location string) error {
	bucket, key, err := parseLocation(location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// Location returns the s3:// location of name
func (s *S3Store) Location(name string) string {
	return s.location(s.prefix + name)
}

// Move copies the object at from to name and deletes the source
func (s *S3Store) Move(ctx context.Context, from, name string) (string, error) {
	bucket, key, err := parseLocation(from)
	if err != nil {
		return "", err
	}
	dst := s.prefix + name
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(bucket, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", fmt.Errorf("artifact %s missing: %w", from, models.ErrNotFound)
		}
		return "", fmt.Errorf("copy object %s: %w", from, err)
	}
	if err := s.Remove(ctx, from); err != nil {
		return "", fmt.Errorf("delete staged object %s: %w", from, err)
	}
	return s.location(dst), nil
}

// copySource URL-encodes bucket/key for CopyObject
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func (s *S3Store) location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func parseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location %q: %w", location, models.ErrNotFound)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 location %q: %w", location, models.ErrNotFound)
	}
	return bucket, key, nil
}
