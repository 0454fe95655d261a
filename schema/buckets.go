package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"schoolhub/config"
	"schoolhub/tenantdb"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gorm.io/gorm/clause"
)

// BucketStore creates tenant storage buckets. EnsureBucket succeeds when the
// bucket already exists.
type BucketStore interface {
	EnsureBucket(ctx context.Context, h *tenantdb.Handle, name string, public bool) error
}

// DBBuckets keeps buckets as rows in the tenant store itself.
type DBBuckets struct{}

func (DBBuckets) EnsureBucket(ctx context.Context, h *tenantdb.Handle, name string, public bool) error {
	return h.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&StorageBucket{Name: name, Public: public}).Error
}

// s3API is the part of the S3 client used here.
type s3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Buckets creates one S3 bucket per tenant bucket, named
// <prefix>-<tenant>-<bucket>.
type S3Buckets struct {
	client s3API
	prefix string
	region string
}

func NewS3Buckets(ctx context.Context, cfg config.StorageConfig) (*S3Buckets, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Buckets{client: client, prefix: cfg.BucketPrefix, region: cfg.AWSRegion}, nil
}

// BucketName is the S3 name for a tenant bucket.
func (s *S3Buckets) BucketName(tenantID, name string) string {
	parts := []string{s.prefix, tenantID, name}
	if s.prefix == "" {
		parts = parts[1:]
	}
	return strings.ToLower(strings.ReplaceAll(strings.Join(parts, "-"), "_", "-"))
}

func (s *S3Buckets) EnsureBucket(ctx context.Context, h *tenantdb.Handle, name string, _ bool) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.BucketName(h.TenantID, name))}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	_, err := s.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return nil
	}
	return err
}
