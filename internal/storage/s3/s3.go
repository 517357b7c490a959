// Package s3 implements the S3-compatible storage backend for agent archives. It works against
// AWS S3 and S3-compatible services (MinIO, Spaces) through a configurable endpoint. Downloads use
// presigned GET URLs so archive bytes never pass through the registry.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	appconfig "github.com/carp-registry/carp/internal/config"
	"github.com/carp-registry/carp/internal/storage"
	"github.com/carp-registry/carp/pkg/checksum"
)

func init() {
	storage.Register("s3", func(cfg *appconfig.Config) (storage.Storage, error) {
		return New(&cfg.Storage.S3)
	})
}

// Authentication methods accepted in storage.s3.auth_method.
const (
	AuthDefault    = "default"
	AuthStatic     = "static"
	AuthOIDC       = "oidc"
	AuthAssumeRole = "assume_role"
)

// metaChecksum is the user metadata key holding the archive digest.
const metaChecksum = checksum.Algorithm

// S3Storage stores agent archives as objects in one bucket.
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// New creates an S3 backend.
//
// Authentication methods:
//   - "default" or empty: the AWS default credential chain (env vars, shared config, IMDS)
//   - "static": explicit access key and secret key
//   - "oidc": a web identity token exchanged for role credentials (EKS, GitHub Actions)
//   - "assume_role": an assumed IAM role, optionally with an external id
func New(cfg *appconfig.S3StorageConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	method := authMethod(cfg)
	awsCfg, err := loadAWSConfig(context.Background(), cfg, method)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		// S3-compatible services generally need path-style addressing.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func authMethod(cfg *appconfig.S3StorageConfig) string {
	if cfg.AuthMethod != "" {
		return cfg.AuthMethod
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		return AuthStatic
	}
	return AuthDefault
}

// loadAWSConfig resolves the base AWS config and layers the role credentials on top of it
// for the oidc and assume_role methods.
func loadAWSConfig(ctx context.Context, cfg *appconfig.S3StorageConfig, method string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	switch method {
	case AuthStatic:
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return aws.Config{}, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case AuthOIDC, AuthAssumeRole, AuthDefault:
	default:
		return aws.Config{}, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'static', 'oidc', or 'assume_role')", method)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch method {
	case AuthOIDC:
		provider, err := webIdentityProvider(cfg, sts.NewFromConfig(awsCfg))
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	case AuthAssumeRole:
		provider, err := assumeRoleProvider(cfg, sts.NewFromConfig(awsCfg))
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return awsCfg, nil
}

func webIdentityProvider(cfg *appconfig.S3StorageConfig, client *sts.Client) (aws.CredentialsProvider, error) {
	if cfg.RoleARN == "" {
		return nil, fmt.Errorf("role_arn is required for OIDC auth")
	}
	tokenFile := cfg.WebIdentityTokenFile
	if tokenFile == "" {
		tokenFile = os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE")
	}
	if tokenFile == "" {
		return nil, fmt.Errorf("web_identity_token_file is required for OIDC auth (or set AWS_WEB_IDENTITY_TOKEN_FILE)")
	}

	var opts []func(*stscreds.WebIdentityRoleOptions)
	if cfg.RoleSessionName != "" {
		opts = append(opts, func(o *stscreds.WebIdentityRoleOptions) {
			o.RoleSessionName = cfg.RoleSessionName
		})
	}
	return stscreds.NewWebIdentityRoleProvider(client, cfg.RoleARN, stscreds.IdentityTokenFile(tokenFile), opts...), nil
}

func assumeRoleProvider(cfg *appconfig.S3StorageConfig, client *sts.Client) (aws.CredentialsProvider, error) {
	if cfg.RoleARN == "" {
		return nil, fmt.Errorf("role_arn is required for assume_role auth")
	}
	return stscreds.NewAssumeRoleProvider(client, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		if cfg.RoleSessionName != "" {
			o.RoleSessionName = cfg.RoleSessionName
		}
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
	}), nil
}

// key maps a storage path to the object key under the configured prefix.
func (s *S3Storage) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// Upload stores an archive with its SHA256 in the object metadata. The body is buffered so the
// request can be signed with a known length; a size that disagrees with the bytes read is an error.
func (s *S3Storage) Upload(ctx context.Context, p string, reader io.Reader, size int64) (*storage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("archive is %d bytes, expected %d", len(data), size)
	}
	sum := checksum.SumSHA256(data)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(p)),
		Metadata:      map[string]string{metaChecksum: sum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}
	return &storage.UploadResult{Path: p, Size: int64(len(data)), Checksum: sum}, nil
}

// Download streams an archive. The caller closes the reader.
func (s *S3Storage) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return out.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// GetURL returns a presigned GET URL valid for ttl. Presigning is offline, so the object is
// checked first to avoid handing out URLs that can only 404.
func (s *S3Storage) GetURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// Exists reports whether an archive is stored at p. Errors other than not-found are returned,
// never reported as absence.
func (s *S3Storage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func contentType(p string) string {
	if strings.HasSuffix(p, ".zip") {
		return "application/zip"
	}
	return "application/gzip"
}
