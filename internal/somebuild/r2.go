package somebuild

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Client wraps the S3 client for Cloudflare R2.
type R2Client struct {
	Client     *s3.Client
	BucketName string
}

// NewR2Client initializes a new R2 client using configuration values.
// R2_ENDPOINT overrides the account endpoint for other S3-compatible stores.
func NewR2Client(ctx context.Context, cfg *Config) (*R2Client, error) {
	accountID := cfg.Values["R2_ACCOUNT_ID"]
	accessKey := cfg.Values["R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["R2_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["R2_BUCKET_NAME"]
	endpoint := cfg.Values["R2_ENDPOINT"]

	if (accountID == "" && endpoint == "") || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("R2 credentials missing in configuration (R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)")
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}
	if cfg.Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// OpenObject starts streaming key from the bucket.
func (r *R2Client) OpenObject(ctx context.Context, key string) (*Stream, error) {
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	size := aws.ToInt64(output.ContentLength)
	if size < 0 {
		size = 0
	}
	return &Stream{Body: output.Body, Size: size}, nil
}

// r2Key maps r2://<key> to the object key; host and path form the key.
func r2Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "r2" {
		return "", fmt.Errorf("not an r2 url: %s", rawURL)
	}
	key := strings.TrimPrefix(u.Host+u.Path, "/")
	if key == "" {
		return "", fmt.Errorf("empty object key in %s", rawURL)
	}
	return key, nil
}

// R2Opener serves r2:// sources. The client is created on first use so
// manifests with plain http sources never need R2 credentials.
type R2Opener struct {
	Config *Config

	once   sync.Once
	client *R2Client
	err    error
}

func (o *R2Opener) Open(ctx context.Context, rawURL string) (*Stream, error) {
	key, err := r2Key(rawURL)
	if err != nil {
		return nil, err
	}
	o.once.Do(func() {
		o.client, o.err = NewR2Client(ctx, o.Config)
	})
	if o.err != nil {
		return nil, o.err
	}
	return o.client.OpenObject(ctx, key)
}
