package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/raphaelgruber/dishcapture/internal/remote"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible services; empty for AWS
	// PublicBaseURL is the prefix objects are served from. When empty the
	// URL is derived from the endpoint or the AWS virtual-hosted address.
	PublicBaseURL string
	PathStyle     bool
}

// S3Store writes objects with PutObject. PutObject overwrites, which gives the
// same upsert semantics as the HTTP backend.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Store loads AWS credentials from the default chain and creates a store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3StoreFromConfig(awsCfg, cfg), nil
}

// NewS3StoreFromConfig creates a store from an already loaded AWS config.
func NewS3StoreFromConfig(awsCfg aws.Config, cfg S3Config, optFns ...func(*s3.Options)) *S3Store {
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	client := s3.NewFromConfig(awsCfg, append([]func(*s3.Options){func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}}, optFns...)...)
	return &S3Store{client: client, cfg: cfg}
}

// Bucket returns the target bucket.
func (s *S3Store) Bucket() string {
	return s.cfg.Bucket
}

// Put uploads the object at objectPath and returns its public URL.
// body should be seekable so the request can be signed and retried.
func (s *S3Store) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) (string, error) {
	key := strings.TrimLeft(objectPath, "/")
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", classifyS3Error("upload "+key, err)
	}
	return s.PublicURL(key), nil
}

// PublicURL returns the URL objectPath is served from.
func (s *S3Store) PublicURL(objectPath string) string {
	key := escapePath(objectPath)
	switch {
	case s.cfg.PublicBaseURL != "":
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key
	case s.cfg.Endpoint != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
}

// classifyS3Error maps SDK errors onto the remote error taxonomy.
func classifyS3Error(op string, err error) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return &remote.NetworkError{Op: op, Err: err}
	}

	message := respErr.Error()
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		if apiErr.ErrorMessage() != "" {
			message = apiErr.ErrorMessage()
		}
	}

	status := respErr.HTTPStatusCode()
	if status == http.StatusUnauthorized || expiredCredentialCodes[code] {
		return fmt.Errorf("%s: %w", op, &remote.AuthExpiredError{Message: message})
	}
	return fmt.Errorf("%s: %w", op, &remote.ServerError{StatusCode: status, Code: code, Message: message})
}

var expiredCredentialCodes = map[string]bool{
	"ExpiredToken":         true,
	"TokenRefreshRequired": true,
	"RequestExpired":       true,
}
