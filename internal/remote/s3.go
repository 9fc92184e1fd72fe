package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// S3Config configures the S3 mirror.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// Prefer instance roles or the AWS_* environment variables over static keys.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Prefix          string `mapstructure:"-"`
}

// S3 is a Mirror storing one JSON object per document in an S3 bucket.
type S3 struct {
	client *s3.Client
	config S3Config
}

// NewS3 creates an S3 mirror.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

// isNotFound reports whether err is S3's missing-object error.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// get reads and decodes the object stored under objKey.
func (s *S3) get(ctx context.Context, objKey string) (schema.Record, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, unavailable("s3 get object", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("s3 read body", err)
	}

	rec, err := schema.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt object %s: %w", objKey, err)
	}
	return rec, nil
}

// Upsert reads the current object, merges rec into it and writes it back.
// S3 has no conditional merge, so concurrent writers to one document resolve
// last write wins.
func (s *S3) Upsert(ctx context.Context, table, key string, rec schema.Record) error {
	objKey := objectKey(s.config.Prefix, table, key)

	current, err := s.get(ctx, objKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := schema.Merge(current, rec).Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", table, key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return unavailable("s3 put object", err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, table, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(objectKey(s.config.Prefix, table, key)),
	})
	if err != nil && !isNotFound(err) {
		return unavailable("s3 delete object", err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, table string) ([]schema.Record, error) {
	records := []schema.Record{}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(tablePrefix(s.config.Prefix, table)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("s3 list objects", err)
		}
		for _, obj := range page.Contents {
			rec, err := s.get(ctx, aws.ToString(obj.Key))
			if errors.Is(err, ErrNotFound) {
				// Deleted between list and get
				continue
			}
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return unavailable("s3 head bucket", err)
	}
	return nil
}

func (s *S3) Close() error {
	return nil
}
