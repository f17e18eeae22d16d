package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type S3Config struct {
	Region        string
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	UsePathStyle  bool
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store uploads assets to an S3 compatible media host.
type S3Store struct {
	client         s3API
	bucket         string
	publicBaseURL  string
	maxUploadBytes int64
	now            func() time.Time
}

func NewS3Store(ctx context.Context, cfg S3Config, maxUploadBytes int64) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if maxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be > 0")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicBaseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBaseURL == "" {
		if cfg.Endpoint != "" {
			publicBaseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}

	return newS3Store(client, cfg.Bucket, publicBaseURL, maxUploadBytes), nil
}

func newS3Store(client s3API, bucket, publicBaseURL string, maxUploadBytes int64) *S3Store {
	return &S3Store{
		client:         client,
		bucket:         bucket,
		publicBaseURL:  strings.TrimRight(publicBaseURL, "/"),
		maxUploadBytes: maxUploadBytes,
		now:            time.Now,
	}
}

func (s *S3Store) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

func (s *S3Store) Upload(ctx context.Context, kind Kind, originalName string, src io.Reader) (*Asset, error) {
	p, err := prepare(kind, originalName, src, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	key := s.objectKey(kind) + extensionFor(p.mimeType)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(p.data),
		ContentType:   aws.String(p.mimeType),
		ContentLength: aws.Int64(int64(len(p.data))),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return nil, fmt.Errorf("putting s3 object: %w", err)
	}

	return &Asset{
		Key:          key,
		URL:          s.publicBaseURL + "/" + key,
		Kind:         kind,
		MimeType:     p.mimeType,
		SizeBytes:    int64(len(p.data)),
		OriginalName: p.originalName,
		CreatedAt:    s.now().UTC(),
	}, nil
}

// Delete removes the object behind url. URLs outside the public base are
// ignored.
func (s *S3Store) Delete(ctx context.Context, url string) error {
	prefix := s.publicBaseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return nil
	}
	key := strings.TrimPrefix(url, prefix)
	if key == "" {
		return nil
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("deleting s3 object: %w", err)
	}
	return nil
}

func (s *S3Store) objectKey(kind Kind) string {
	d := s.now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s", kind, d.Year(), int(d.Month()), d.Day(), uuid.New())
}
