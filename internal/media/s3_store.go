package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/pulse/pkg/models"
)

// S3Config configures an S3-compatible blob store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PresignTTL      time.Duration
	MaxAttachments  int
}

// DefaultS3Config returns the default configuration.
func DefaultS3Config() *S3Config {
	return &S3Config{
		Region:         "us-east-1",
		PresignTTL:     15 * time.Minute,
		MaxAttachments: 4,
	}
}

type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store checks that uploaded objects exist and hands out presigned GET URLs.
type S3Store struct {
	client  objectAPI
	presign presignAPI
	bucket  string
	prefix  string
	ttl     time.Duration
	max     int
}

// NewS3Store creates a new S3-backed resolver.
func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg == nil {
		cfg = DefaultS3Config()
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, s3.NewPresignClient(client), bucket, cfg), nil
}

func newS3Store(client objectAPI, presign presignAPI, bucket string, cfg *S3Config) *S3Store {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{
		client:  client,
		presign: presign,
		bucket:  bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		ttl:     ttl,
		max:     cfg.MaxAttachments,
	}
}

// Resolve verifies every key exists and returns attachments with presigned
// download URLs, in the order given.
func (s *S3Store) Resolve(ctx context.Context, keys []string) ([]models.Attachment, error) {
	if err := ValidateKeys(keys, s.max); err != nil {
		return nil, err
	}

	out := make([]models.Attachment, 0, len(keys))
	for _, k := range keys {
		att, err := s.resolveOne(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func (s *S3Store) resolveOne(ctx context.Context, key string) (models.Attachment, error) {
	objectKey := s.objectKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		if isNotFound(err) {
			return models.Attachment{}, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return models.Attachment{}, fmt.Errorf("s3 head object: %w", err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("s3 presign get object: %w", err)
	}

	return models.Attachment{
		Key:         key,
		URL:         req.URL,
		ContentType: aws.ToString(head.ContentType),
		Size:        aws.ToInt64(head.ContentLength),
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")
}
