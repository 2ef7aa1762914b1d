package filestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	commons3 "github.com/xxxsen/common/s3"
)

type s3Config struct {
	Endpoint  string `json:"endpoint"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	PublicURL string `json:"public_url"`
	UseSSL    bool   `json:"use_ssl"`
}

// s3Store uploads through the common s3 client; reads and presigning go
// through the aws sdk directly.
type s3Store struct {
	client    *commons3.S3Client
	api       *s3.Client
	presigner *s3.PresignClient
	prefix    string
	publicURL string
	endpoint  string
	bucket    string
	useSSL    bool
}

func init() {
	Register("s3", createS3Store)
}

func createS3Store(args interface{}) (Store, error) {
	config := &s3Config{}
	if err := decodeConfig(args, config); err != nil {
		return nil, err
	}
	if config.Endpoint == "" || config.Bucket == "" || config.SecretID == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("s3 endpoint/bucket/secret_id/secret_key are required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	client, err := commons3.New(
		commons3.WithEndpoint(config.Endpoint),
		commons3.WithSecret(config.SecretID, config.SecretKey),
		commons3.WithBucket(config.Bucket),
		commons3.WithRegion(config.Region),
		commons3.WithSSL(config.UseSSL),
	)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.SecretID, config.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := endpointURL(config.Endpoint, config.UseSSL)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &s3Store{
		client:    client,
		api:       api,
		presigner: s3.NewPresignClient(api),
		prefix:    strings.Trim(config.Prefix, "/"),
		publicURL: config.PublicURL,
		endpoint:  config.Endpoint,
		bucket:    config.Bucket,
		useSSL:    config.UseSSL,
	}, nil
}

func (s *s3Store) Type() string {
	return "s3"
}

func (s *s3Store) objectKey(key string) string {
	if s.prefix != "" {
		return path.Join(s.prefix, key)
	}
	return strings.TrimPrefix(key, "/")
}

// URL returns the public object link when a public_url is configured and a
// presigned GET otherwise.
func (s *s3Store) URL(ctx context.Context, key, baseURL string, ttl time.Duration) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid file key")
	}
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + "/" + s.objectKey(key), nil
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}

func (s *s3Store) Save(ctx context.Context, key string, r ReadSeekCloser, size int64) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid file key")
	}
	if _, err := s.client.Upload(ctx, s.objectKey(key), r, size); err != nil {
		return err
	}
	return nil
}

func (s *s3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid file key")
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	ep := endpoint
	if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		ep = scheme + "://" + ep
	}
	u, err := url.Parse(ep)
	if err != nil {
		return ep
	}
	return strings.TrimSuffix(u.String(), "/")
}
