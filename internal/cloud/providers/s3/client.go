// Package s3 implements cloud.StorageService on S3 multipart uploads.
//
// An upload task is a multipart upload of the object objects/<fingerprint>
// under the configured prefix; chunk i is part i+1. Registration looks for
// an open multipart upload of that key before creating one, so a task
// survives process restarts without local state.
package s3

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/chunkup/internal/config"
	inthttp "github.com/rescale/chunkup/internal/http"
)

// API is the subset of *s3.Client used by the provider.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// NewS3Client builds an S3 client from the [storage] section of cfg. The
// proxy and pool settings of the shared HTTP client are applied to the SDK's
// buildable client, which AWS_CA_BUNDLE requires. Static
// keys are used when configured; otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMaxAttempts(cfg.HTTPRetries + 1),
	}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			cfg.S3SessionToken,
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			// S3-compatible stores generally need path-style addressing
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// newHTTPClient returns the SDK client for cfg. NTLM proxies need the
// negotiating round tripper, which the buildable client cannot carry.
func newHTTPClient(cfg *config.Config) (aws.HTTPClient, error) {
	opt, err := inthttp.TransportOptions(cfg)
	if errors.Is(err, inthttp.ErrNTLMTransport) {
		if os.Getenv("AWS_CA_BUNDLE") != "" {
			return nil, errors.New("AWS_CA_BUNDLE cannot be combined with proxy_mode ntlm")
		}
		return inthttp.CreateOptimizedClient(cfg)
	}
	if err != nil {
		return nil, err
	}
	return awshttp.NewBuildableClient().WithTransportOptions(opt), nil
}
