// Package s3 is an S3/MinIO-compatible objectstore.Store backend using
// github.com/aws/aws-sdk-go-v2/service/s3. A configurable BaseEndpoint and
// path-style flag let the same client target MinIO as well as real AWS S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/runforge/execengine/objectstore"
)

// Options configures the S3-backed store.
type Options struct {
	// Endpoint overrides the default AWS endpoint resolution (e.g. a MinIO
	// URL like "http://localhost:9000"). Empty uses the default AWS chain.
	Endpoint string
	// Region is required by the SDK even against MinIO; "us-east-1" is a
	// reasonable default for non-AWS endpoints.
	Region string
	// AccessKey/SecretKey configure a static credentials provider. When
	// both are empty the client falls back to the default credential
	// chain (env vars, shared config, IAM role).
	AccessKey string
	SecretKey string
	// Bucket is the target bucket for all operations.
	Bucket string
	// UsePathStyle is required by most MinIO deployments (virtual-hosted
	// addressing is an AWS S3 default that MinIO does not replicate).
	UsePathStyle bool
}

// Store implements objectstore.Store against an S3-compatible bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from Options.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func (s *Store) Upload(ctx context.Context, data []byte, suggestedExt string) (string, error) {
	id := uuid.NewString()
	if suggestedExt != "" {
		id += "." + strings.TrimPrefix(suggestedExt, ".")
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(id)})
	if err != nil {
		return nil, mapNotFound(id, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Retrieve(ctx context.Context, id string) (objectstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(id)})
	if err != nil {
		return objectstore.Object{}, mapNotFound(id, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("s3: read body %s: %w", id, err)
	}
	obj := objectstore.Object{ID: id, Bytes: data}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(id)}); err != nil {
		return mapNotFound(id, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(id)}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]objectstore.Object, error) {
	var out []objectstore.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list: %w", err)
		}
		for _, obj := range page.Contents {
			o := objectstore.Object{ID: aws.ToString(obj.Key)}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}

func mapNotFound(id string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return objectstore.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound") {
		return objectstore.ErrNotFound
	}
	return fmt.Errorf("s3: %s: %w", id, err)
}
