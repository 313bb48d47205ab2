package archive

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 store. Credentials follow the AWS SDK default
// chain unless AccessKeyID and SecretAccessKey are both set.
//
// For S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type S3Config struct {
	Bucket string
	Prefix string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// DefaultAWSRegion is used for AWS S3 when nothing else resolves a region.
const DefaultAWSRegion = "us-east-1"

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 archive: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 archive: both access key ID and secret access key must be provided together")
	}
	return nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store archives into an S3 bucket under an optional prefix.
type S3Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Op: "Open", URI: "s3://" + cfg.Bucket, Err: err}
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client putObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key) + trailingSlash(key)
}

func trailingSlash(key string) string {
	if strings.HasSuffix(key, "/") {
		return "/"
	}
	return ""
}

func (s *S3Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if strings.HasSuffix(key, ".json") {
		in.ContentType = aws.String("application/json")
	} else {
		in.ContentType = aws.String("text/x-shellscript")
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return &Error{Op: "Put", URI: s.URI(key), Err: classify(err)}
	}
	return nil
}

// classify maps S3 errors onto the package sentinels, keeping the original
// error in the chain.
func classify(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return errors.Join(ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return errors.Join(ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			return errors.Join(ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errors.Join(ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return errors.Join(ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return errors.Join(ErrUnavailable, err)
		}
	}
	return err
}
