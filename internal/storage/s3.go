package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// StorageType names the S3 flavour behind an endpoint.
type StorageType string

const (
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Type      StorageType
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	PublicURL string // CDN or r2.dev prefix; derived from the endpoint when empty
}

// S3Storage uploads exports to AWS S3, Cloudflare R2 or a MinIO-style endpoint.
type S3Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Storage creates a path-style S3 client with static credentials.
// Parameters:
//   - cfg: endpoint, credentials and bucket.
// Returns:
//   - *S3Storage: ready client.
//   - error: non-nil if the AWS config cannot be loaded.
func NewS3Storage(cfg *S3Config) (*S3Storage, error) {
	host := normalizeEndpoint(cfg.Endpoint)
	region := cfg.Region
	switch {
	case region != "":
	case cfg.Type == StorageTypeR2:
		region = "auto"
	default:
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var baseURL string
	if host != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + host
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if baseURL != "" {
			o.BaseEndpoint = aws.String(baseURL)
		}
	})

	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" && baseURL != "" {
		publicURL = baseURL + "/" + cfg.Bucket
	}
	return &S3Storage{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// normalizeEndpoint reduces an endpoint URL to host[:port].
func normalizeEndpoint(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i != -1 {
		endpoint = endpoint[i+3:]
	}
	host, _, _ := strings.Cut(endpoint, "/")
	return host
}

// Upload puts one object.
func (s *S3Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// GetURL returns the public link of an object
func (s *S3Storage) GetURL(key string) string {
	return s.publicURL + "/" + key
}
