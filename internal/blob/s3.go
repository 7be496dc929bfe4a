package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultRegion is used for AWS when no region is configured.
const DefaultRegion = "us-east-1"

// Config configures an S3 client. For MinIO set Endpoint and ForcePathStyle.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

func (c Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("blob config: access key id and secret access key must be provided together")
	}
	return nil
}

// S3 implements Store on AWS S3 or an S3-compatible service.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	region  string
}

var _ Store = (*S3)(nil)

func New(ctx context.Context, cfg Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Op: "New", Err: err}
	}
	if awsCfg.Region == "" {
		// S3-compatible endpoints ignore the region but the signer needs one.
		awsCfg.Region = DefaultRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		region:  awsCfg.Region,
	}, nil
}

func (s *S3) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", wrapError("PresignGet", bucket, key, err)
	}
	return req.URL, nil
}

func (s *S3) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("Get", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapError("Get", bucket, key, err)
	}
	return data, nil
}

func (s *S3) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return wrapError("Put", bucket, key, err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := wrapError("Delete", bucket, key, err)
		if IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *S3) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if wrapped := wrapError("HeadBucket", bucket, "", err); !errors.Is(wrapped, ErrBucketNotFound) && !IsNotFound(wrapped) {
		return wrapped
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != DefaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	_, err = s.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return wrapError("CreateBucket", bucket, "", err)
	}
	return nil
}

// wrapError maps SDK errors onto the package sentinels.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: bucket, Key: key, Err: err}

	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		return wrapped
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		case "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return wrapped
}
