package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3Store.
type S3Options struct {
	Region string

	// Endpoint overrides the service endpoint (MinIO, localstack).
	// Path-style addressing is used when it is set.
	Endpoint string

	// Anonymous skips request signing, for public buckets such as its-live-data.
	Anonymous bool

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store reads from Amazon S3 or an S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3Store from the shared AWS configuration.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	region := opts.Region
	if region == "" {
		region = "us-west-2"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	switch {
	case opts.Anonymous:
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	case opts.AccessKeyID != "":
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client}, nil
}

// NewS3StoreFromClient wraps an existing client.
func NewS3StoreFromClient(client *s3.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		if !recursive {
			input.Delimiter = aws.String("/")
		}

		pages := s3.NewListObjectsV2Paginator(s.client, input)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(ObjectInfo{}, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err))
				return
			}
			for _, obj := range page.Contents {
				info := ObjectInfo{
					Key:  aws.ToString(obj.Key),
					Size: aws.ToInt64(obj.Size),
					ETag: normalizeETag(aws.ToString(obj.ETag)),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (s *S3Store) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
