package remote

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// S3Config configures an S3Source.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint selects an S3-compatible server; path-style addressing is
	// used when set.
	Endpoint string
	// Root is the key prefix holding metadata.json.
	Root       string
	BlobPrefix string
	AccessKey  string
	SecretKey  string
	HTTPClient *http.Client
}

// S3Source reads a published collection from an S3 bucket.
type S3Source struct {
	client     *s3.Client
	bucket     string
	root       string
	blobPrefix string
}

// NewS3Source builds an S3Source. Credentials come from cfg when both keys
// are set and from the default AWS chain otherwise.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "remote s3", "bucket required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "remote s3", cfg.Bucket, err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	prefix := cfg.BlobPrefix
	if prefix == "" {
		prefix = DefaultBlobPrefix
	}
	return &S3Source{
		client:     client,
		bucket:     cfg.Bucket,
		root:       cfg.Root,
		blobPrefix: BlobDir(cfg.Root, prefix),
	}, nil
}

// FetchCatalog downloads and decodes the catalog document.
func (s *S3Source) FetchCatalog(ctx context.Context) (*catalog.Catalog, error) {
	body, err := s.get(ctx, CatalogKey(s.root))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return catalog.Decode(body)
}

// FetchBlob opens the blob stored under id.
func (s *S3Source) FetchBlob(ctx context.Context, id catalog.ContentID) (io.ReadCloser, error) {
	if !id.Valid() {
		return nil, xerrors.E(xerrors.KindInvalid, "remote s3 get", string(id))
	}
	return s.get(ctx, BlobKey(s.blobPrefix, id))
}

func (s *S3Source) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		switch {
		case ctx.Err() != nil:
			return nil, xerrors.Wrap(xerrors.KindCanceled, "remote s3 get", key, ctx.Err())
		case errors.As(err, &noKey), errors.As(err, &noBucket):
			return nil, xerrors.Wrap(xerrors.KindNotFound, "remote s3 get", key, err)
		default:
			return nil, xerrors.Wrap(xerrors.KindNetwork, "remote s3 get", key, err)
		}
	}
	return out.Body, nil
}
