package reader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const downloadRetryDelay = 10 * time.Second

// S3Source lists and opens dump blobs in an S3-compatible object store.
// Blobs are keyed by date prefix, one blob per vehicle per day.
type S3Source struct {
	client *s3.Client
	bucket string
	dates  []string
	log    zerolog.Logger
}

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// StartDate and EndDate bound the backfill range, inclusive,
	// as YYYY-MM-DD.
	StartDate string
	EndDate   string
}

func NewS3Source(opts S3Options, log zerolog.Logger) (*S3Source, error) {
	dates, err := Dates(opts.StartDate, opts.EndDate)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Source{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: opts.Bucket,
		dates:  dates,
		log:    log.With().Str("component", "s3-source").Logger(),
	}, nil
}

// List enumerates every blob whose key starts with one of the dates in
// the configured range.
func (s *S3Source) List(ctx context.Context) ([]string, error) {
	var names []string
	for _, date := range s.dates {
		prefix := date
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: &s.bucket,
			Prefix: &prefix,
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list %s/%s: %w", s.bucket, prefix, err)
			}
			for _, obj := range page.Contents {
				names = append(names, aws.ToString(obj.Key))
			}
		}
	}
	return names, nil
}

// Open downloads one blob. Transient download failures are retried
// until the context is cancelled; a day of backfill should not die on a
// flaky connection.
func (s *S3Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	for {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.bucket,
			Key:    &name,
		})
		if err == nil {
			return out.Body, nil
		}

		s.log.Error().Err(err).Str("blob", name).
			Msgf("problem downloading blob, retrying in %s", downloadRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(downloadRetryDelay):
		}
	}
}
