package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/clinic/internal/platform/breaker"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config selects the bucket and, for local stacks, a custom endpoint.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Store is a Store backed by one S3 bucket. Every call goes through a
// circuit breaker.
type S3Store struct {
	client s3API
	bucket string
	cb     *gobreaker.CircuitBreaker
}

// NewS3Store loads the default AWS credential chain and builds a client.
func NewS3Store(ctx context.Context, cfg S3Config, breakerName string, logger zerolog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return newS3Store(client, cfg.Bucket, breaker.New(breakerName, logger)), nil
}

func newS3Store(client s3API, bucket string, cb *gobreaker.CircuitBreaker) *S3Store {
	return &S3Store{client: client, bucket: bucket, cb: cb}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validate(key, data); err != nil {
		return err
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
			ACL:         types.ObjectCannedACLPrivate,
		})
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				// a missing object is not a backend failure
				return nil, nil
			}
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	if out == nil {
		return nil, ErrBlobNotFound
	}
	data := out.([]byte)
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (*Object, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && isNotFound(err) {
			return nil, nil
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err)
	}
	resp, _ := out.(*s3.HeadObjectOutput)
	if resp == nil {
		return nil, ErrBlobNotFound
	}
	return &Object{
		Key:         key,
		ContentType: aws.ToString(resp.ContentType),
		Size:        aws.ToInt64(resp.ContentLength),
		Hash:        aws.ToString(resp.ETag),
		UpdatedAt:   aws.ToTime(resp.LastModified),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var (
		objs  []Object
		token *string
	)
	for {
		out, err := s.cb.Execute(func() (interface{}, error) {
			return s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		page := out.(*s3.ListObjectsV2Output)
		for _, o := range page.Contents {
			objs = append(objs, Object{
				Key:       aws.ToString(o.Key),
				Size:      aws.ToInt64(o.Size),
				Hash:      aws.ToString(o.ETag),
				UpdatedAt: aws.ToTime(o.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	return objs, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
